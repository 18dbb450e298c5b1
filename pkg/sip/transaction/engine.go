package transaction

import (
	"log/slog"
	"sync"
	"time"
)

// TimerCommand команда, которую несет сработавший таймер
type TimerCommand int

const (
	// CommandRetransmit требует ретрансмиссию последнего сообщения
	CommandRetransmit TimerCommand = iota
	// CommandTimeout означает истечение транзакции целиком
	CommandTimeout
	// CommandExpire завершает период поглощения поздних ретрансмиссий
	CommandExpire
)

func (c TimerCommand) String() string {
	switch c {
	case CommandRetransmit:
		return "retransmit"
	case CommandTimeout:
		return "transaction-timeout"
	case CommandExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// commandForTimer сопоставляет таймер команде для владельца транзакции
func commandForTimer(id TimerID) TimerCommand {
	switch id {
	case TimerA, TimerE, TimerG:
		return CommandRetransmit
	case TimerB, TimerF, TimerH:
		return CommandTimeout
	default:
		return CommandExpire
	}
}

// TimerEvent событие срабатывания таймера, доставляемое владельцу транзакции
type TimerEvent struct {
	Transaction string        // ID транзакции
	Timer       TimerID       // Какой таймер сработал
	Command     TimerCommand  // Что требуется сделать
	Attempt     int           // Номер срабатывания (для backoff таймеров)
	Interval    time.Duration // Интервал, после которого таймер сработал
}

// scheduledTimer один запланированный таймер транзакции
type scheduledTimer struct {
	id       TimerID
	timer    *time.Timer
	interval time.Duration
	cap      time.Duration // > 0 для backoff таймеров (удвоение до cap)
	attempt  int
	stopped  bool
}

// engineEntry состояние таймеров одной зарегистрированной транзакции
type engineEntry struct {
	mu     sync.Mutex
	timers map[TimerID]*scheduledTimer
	sink   chan<- TimerEvent
}

// TimerEngine планировщик таймеров транзакций.
//
// Каждая транзакция регистрируется со своим каналом событий, после чего
// может планировать одноразовые и backoff таймеры. Отмена гарантирует
// отсутствие повторных срабатываний; уже доставляемое событие может
// прийти после отмены, это допустимо.
type TimerEngine struct {
	mu      sync.RWMutex
	entries map[string]*engineEntry
	log     *slog.Logger
}

// NewTimerEngine создает новый планировщик таймеров
func NewTimerEngine(log *slog.Logger) *TimerEngine {
	if log == nil {
		log = slog.Default()
	}
	return &TimerEngine{
		entries: make(map[string]*engineEntry),
		log:     log,
	}
}

// Register регистрирует транзакцию и канал доставки ее таймерных событий.
// Повторная регистрация того же ID заменяет канал, сбрасывая таймеры.
func (e *TimerEngine) Register(txID string, sink chan<- TimerEvent) {
	e.mu.Lock()
	if old, ok := e.entries[txID]; ok {
		old.stopAll()
	}
	e.entries[txID] = &engineEntry{
		timers: make(map[TimerID]*scheduledTimer),
		sink:   sink,
	}
	e.mu.Unlock()
}

// Unregister снимает транзакцию с обслуживания, отменяя все ее таймеры
func (e *TimerEngine) Unregister(txID string) {
	e.mu.Lock()
	entry, ok := e.entries[txID]
	if ok {
		delete(e.entries, txID)
	}
	e.mu.Unlock()

	if ok {
		entry.stopAll()
	}
}

// Schedule планирует одноразовый таймер. Повторное планирование того же
// имени заменяет предыдущее. Неизвестная транзакция - ошибка.
func (e *TimerEngine) Schedule(txID string, id TimerID, d time.Duration) error {
	return e.schedule(txID, id, d, 0)
}

// ScheduleBackoff планирует повторяющийся таймер с удвоением интервала
// до потолка cap на каждом срабатывании (Timer A/E/G ретрансмиссии)
func (e *TimerEngine) ScheduleBackoff(txID string, id TimerID, initial, cap time.Duration) error {
	return e.schedule(txID, id, initial, cap)
}

func (e *TimerEngine) schedule(txID string, id TimerID, d, cap time.Duration) error {
	e.mu.RLock()
	entry, ok := e.entries[txID]
	e.mu.RUnlock()

	if !ok {
		return ErrUnknownTransaction
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if prev, exists := entry.timers[id]; exists {
		prev.stopped = true
		prev.timer.Stop()
	}

	st := &scheduledTimer{
		id:       id,
		interval: d,
		cap:      cap,
		attempt:  1,
	}
	st.timer = time.AfterFunc(d, func() {
		e.fire(txID, entry, st)
	})
	entry.timers[id] = st

	return nil
}

// Cancel отменяет таймер. Отмена best-effort: уже сработавшее событие
// может быть доставлено, но повторных срабатываний не будет.
func (e *TimerEngine) Cancel(txID string, id TimerID) {
	e.mu.RLock()
	entry, ok := e.entries[txID]
	e.mu.RUnlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	if st, exists := entry.timers[id]; exists {
		st.stopped = true
		st.timer.Stop()
		delete(entry.timers, id)
	}
	entry.mu.Unlock()
}

// CancelAll отменяет все таймеры транзакции, не оставляя запланированной работы
func (e *TimerEngine) CancelAll(txID string) {
	e.mu.RLock()
	entry, ok := e.entries[txID]
	e.mu.RUnlock()

	if ok {
		entry.stopAll()
	}
}

// fire доставляет событие срабатывания и перепланирует backoff таймеры
func (e *TimerEngine) fire(txID string, entry *engineEntry, st *scheduledTimer) {
	entry.mu.Lock()
	if st.stopped {
		entry.mu.Unlock()
		return
	}

	ev := TimerEvent{
		Transaction: txID,
		Timer:       st.id,
		Command:     commandForTimer(st.id),
		Attempt:     st.attempt,
		Interval:    st.interval,
	}

	if st.cap > 0 {
		// Backoff: удваиваем интервал до потолка и взводим снова
		st.interval = GetNextRetransmitInterval(st.interval, st.cap)
		st.attempt++
		st.timer = time.AfterFunc(st.interval, func() {
			e.fire(txID, entry, st)
		})
	} else {
		delete(entry.timers, st.id)
	}
	sink := entry.sink
	entry.mu.Unlock()

	select {
	case sink <- ev:
	default:
		e.log.Warn("событие таймера отброшено: канал транзакции переполнен",
			slog.String("transaction", txID),
			slog.String("timer", string(st.id)))
	}
}

// stopAll останавливает все таймеры записи
func (en *engineEntry) stopAll() {
	en.mu.Lock()
	for id, st := range en.timers {
		st.stopped = true
		st.timer.Stop()
		delete(en.timers, id)
	}
	en.mu.Unlock()
}
