package rtp

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// SourceDescription - описание участника сессии из SDES элементов
type SourceDescription struct {
	CNAME    string // Каноническое имя (обязательно по RFC 3550)
	Name     string
	Email    string
	Phone    string
	Location string
	Tool     string
	Note     string
}

const (
	// maxMisorder - допустимое отставание переупорядоченного пакета
	maxMisorder = 100
	// minSequential - сколько последовательных пакетов валидируют источник
	minSequential = 2

	// DefaultSourceTimeout - таймаут неактивности источника
	DefaultSourceTimeout = 30 * time.Second
	// DefaultCleanupInterval - период проверки неактивных источников
	DefaultCleanupInterval = 10 * time.Second
)

// RemoteSource - состояние одного удаленного источника RTP потока.
// Вся статистика приема ведется по алгоритму RFC 3550 Appendix A.1:
// 16-битные номера пакетов расширяются счетчиком переполнений, потери
// выводятся из разницы ожидаемого и принятого.
type RemoteSource struct {
	SSRC        uint32
	Description SourceDescription

	PacketsReceived uint64
	BytesReceived   uint64
	PacketsLost     uint32  // накопленные потери, монотонно не убывают
	FractionLost    uint8   // доля потерь за последний интервал отчетности
	Jitter          float64 // межпакетный джиттер в единицах RTP clock
	BaseSeq         uint16
	MaxSeq          uint16
	Cycles          uint32 // число переполнений номера пакета
	FirstSeen       time.Time
	LastSeen        time.Time
	Validated       bool

	// внутреннее состояние алгоритма приема
	probation     int
	expectedPrior uint64
	receivedPrior uint64
	lastTransit   uint32
	transitValid  bool
	lastSRNTP     uint32 // средние 32 бита NTP метки последнего SR
	lastSRArrival time.Time
}

// extendedHighest возвращает расширенный максимальный номер пакета
func (s *RemoteSource) extendedHighest() uint64 {
	return uint64(s.Cycles)<<16 | uint64(s.MaxSeq)
}

// expectedPackets возвращает ожидаемое число пакетов от источника
func (s *RemoteSource) expectedPackets() uint64 {
	return s.extendedHighest() - uint64(s.BaseSeq) + 1
}

// ReceptionTotals - сводка приема по всем валидированным источникам
type ReceptionTotals struct {
	Packets   uint64
	Bytes     uint64
	Expected  uint64
	Lost      uint32
	MaxJitter float64 // в единицах RTP clock
	LastSeen  time.Time
}

// SourceManagerConfig задает параметры отслеживания источников
type SourceManagerConfig struct {
	// ClockRate - частота RTP clock потока, обязательна для джиттера
	ClockRate uint32
	// SourceTimeout - время неактивности до удаления источника
	SourceTimeout time.Duration
	// CleanupInterval - период проверки таймаутов
	CleanupInterval time.Duration
	// OnSourceAdded вызывается при появлении нового SSRC
	OnSourceAdded func(ssrc uint32)
	// OnSourceRemoved вызывается при удалении источника
	OnSourceRemoved func(ssrc uint32, reason string)
	// Logger для диагностики, nil означает slog.Default()
	Logger *slog.Logger
	// Metrics - счетчики Prometheus, допускается nil
	Metrics *Metrics
}

// SourceManager отслеживает удаленные источники RTP потоков: ведет
// статистику приема для RTCP отчетов и удаляет замолчавшие источники.
type SourceManager struct {
	config  SourceManagerConfig
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	sources map[uint32]*RemoteSource
	epoch   time.Time

	// подменяется в тестах для детерминированного времени
	now func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewSourceManager создает менеджер источников и запускает фоновую
// очистку неактивных записей
func NewSourceManager(config SourceManagerConfig) (*SourceManager, error) {
	if config.ClockRate == 0 {
		return nil, fmt.Errorf("частота RTP clock обязательна")
	}
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = DefaultSourceTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sm := &SourceManager{
		config:      config,
		logger:      logger.With(slog.String("component", "rtp.sources")),
		metrics:     config.Metrics,
		sources:     make(map[uint32]*RemoteSource),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	sm.epoch = sm.now()

	go sm.cleanupLoop()
	return sm, nil
}

// UpdateFromPacket учитывает принятый RTP пакет в статистике его
// источника. size - размер пакета на проводе в байтах.
func (sm *SourceManager) UpdateFromPacket(packet *rtp.Packet, size int) {
	now := sm.now()
	var added bool
	var lostDelta uint32

	sm.mu.Lock()
	src, ok := sm.sources[packet.SSRC]
	if !ok {
		src = &RemoteSource{
			SSRC:      packet.SSRC,
			BaseSeq:   packet.SequenceNumber,
			MaxSeq:    packet.SequenceNumber,
			FirstSeen: now,
			probation: minSequential - 1,
		}
		sm.sources[packet.SSRC] = src
		added = true
	} else {
		sm.updateSeq(src, packet.SequenceNumber)
	}

	src.PacketsReceived++
	src.BytesReceived += uint64(size)
	src.LastSeen = now
	sm.updateJitter(src, packet.Timestamp, now)

	prevLost := src.PacketsLost
	sm.updateLost(src)
	lostDelta = src.PacketsLost - prevLost
	sm.mu.Unlock()

	if added {
		sm.logger.Debug("новый RTP источник",
			slog.String("ssrc", fmt.Sprintf("%08x", packet.SSRC)),
			slog.Int("seq", int(packet.SequenceNumber)))
		sm.fireAdded(packet.SSRC)
	}
	if lostDelta > 0 {
		sm.metrics.PacketsLost(lostDelta)
	}
}

// updateSeq обновляет учет номеров пакетов по мотивам RFC 3550 A.1.
// Знак модульной 16-битной дистанции определяет, идет ли пакет вперед
// (возможно с переходом через ноль) или является переупорядоченным.
func (sm *SourceManager) updateSeq(src *RemoteSource, seq uint16) {
	delta := int16(seq - src.MaxSeq)

	switch {
	case delta > 0:
		if seq < src.MaxSeq {
			src.Cycles++
		}
		src.MaxSeq = seq
		if !src.Validated {
			if int(delta) <= maxMisorder {
				src.probation--
				if src.probation <= 0 {
					src.Validated = true
				}
			} else {
				// невалидированный источник скачет: начинаем отсчет заново
				sm.reinitSource(src, seq)
			}
		}
	case delta == 0:
		// дубликат, учитывается только в PacketsReceived
	default:
		// опоздавший пакет, максимум не продвигаем
		if !src.Validated && int(delta) < -maxMisorder {
			sm.reinitSource(src, seq)
		}
	}
}

// reinitSource сбрасывает отсчет номеров на текущий пакет. Накопленные
// счетчики приема сохраняются, интервальные снимки обнуляются.
func (sm *SourceManager) reinitSource(src *RemoteSource, seq uint16) {
	src.BaseSeq = seq
	src.MaxSeq = seq
	src.Cycles = 0
	src.probation = minSequential - 1
	src.expectedPrior = 0
	src.receivedPrior = 0
}

// updateLost пересчитывает накопленные потери. Значение только растет:
// опоздавшие пакеты и дубликаты увеличивают принятое, но однажды
// зафиксированные потери не пересматриваются.
func (sm *SourceManager) updateLost(src *RemoteSource) {
	expected := src.expectedPackets()
	if src.PacketsReceived >= expected {
		return
	}
	raw := expected - src.PacketsReceived
	if raw > 0xFFFFFFFF {
		raw = 0xFFFFFFFF
	}
	if uint32(raw) > src.PacketsLost {
		src.PacketsLost = uint32(raw)
	}
}

// updateJitter обновляет межпакетный джиттер (RFC 3550 6.4.1, A.8).
// Время прибытия переводится в единицы RTP clock, чтобы разность с
// меткой пакета была в одной шкале. Арифметика по модулю 2^32
// переживает переполнение метки.
func (sm *SourceManager) updateJitter(src *RemoteSource, ts uint32, arrival time.Time) {
	units := uint32(arrival.Sub(sm.epoch).Microseconds() * int64(sm.config.ClockRate) / 1e6)
	transit := units - ts

	if !src.transitValid {
		src.lastTransit = transit
		src.transitValid = true
		return
	}

	d := int32(transit - src.lastTransit)
	src.lastTransit = transit
	if d < 0 {
		d = -d
	}
	src.Jitter += (float64(d) - src.Jitter) / 16
}

// UpdateFromSDES обновляет описание источника из принятого SDES chunk.
// Для неизвестного SSRC создается запись без статистики: SDES может
// прийти раньше первого медиа пакета.
func (sm *SourceManager) UpdateFromSDES(ssrc uint32, items []SDESItem) {
	now := sm.now()

	sm.mu.Lock()
	src, ok := sm.sources[ssrc]
	if !ok {
		src = &RemoteSource{SSRC: ssrc, FirstSeen: now, probation: minSequential - 1}
		sm.sources[ssrc] = src
	}
	for _, item := range items {
		text := string(item.Text)
		switch item.Type {
		case SDESTypeCNAME:
			src.Description.CNAME = text
		case SDESTypeName:
			src.Description.Name = text
		case SDESTypeEmail:
			src.Description.Email = text
		case SDESTypePhone:
			src.Description.Phone = text
		case SDESTypeLoc:
			src.Description.Location = text
		case SDESTypeTool:
			src.Description.Tool = text
		case SDESTypeNote:
			src.Description.Note = text
		}
	}
	src.LastSeen = now
	sm.mu.Unlock()
}

// RecordSenderReport запоминает NTP метку принятого SR для расчета
// полей LSR/DLSR в наших отчетах о приеме
func (sm *SourceManager) RecordSenderReport(ssrc uint32, ntpTimestamp uint64, arrival time.Time) {
	sm.mu.Lock()
	src, ok := sm.sources[ssrc]
	if !ok {
		src = &RemoteSource{SSRC: ssrc, FirstSeen: arrival, probation: minSequential - 1}
		sm.sources[ssrc] = src
	}
	src.lastSRNTP = uint32(ntpTimestamp >> 16)
	src.lastSRArrival = arrival
	src.LastSeen = arrival
	sm.mu.Unlock()
}

// BuildReceptionReports формирует RR блоки по всем валидированным
// источникам. Вызов фиксирует интервальный снимок для FractionLost,
// поэтому выполняется один раз на отчет.
func (sm *SourceManager) BuildReceptionReports() []ReceptionReport {
	now := sm.now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var reports []ReceptionReport
	for _, src := range sm.sources {
		if !src.Validated {
			continue
		}
		reports = append(reports, sm.buildReport(src, now))
		if len(reports) == maxReceptionReports {
			break
		}
	}
	return reports
}

func (sm *SourceManager) buildReport(src *RemoteSource, now time.Time) ReceptionReport {
	expected := src.expectedPackets()

	var expInterval, recvInterval uint64
	if expected >= src.expectedPrior && src.PacketsReceived >= src.receivedPrior {
		expInterval = expected - src.expectedPrior
		recvInterval = src.PacketsReceived - src.receivedPrior
	}
	src.expectedPrior = expected
	src.receivedPrior = src.PacketsReceived
	src.FractionLost = CalculateFractionLost(expInterval, recvInterval)

	var lsr, dlsr uint32
	if !src.lastSRArrival.IsZero() {
		lsr = src.lastSRNTP
		dlsr = DurationToDLSR(now.Sub(src.lastSRArrival))
	}

	return ReceptionReport{
		SSRC:             src.SSRC,
		FractionLost:     src.FractionLost,
		CumulativeLost:   src.PacketsLost,
		HighestSeqNum:    uint32(src.extendedHighest()),
		Jitter:           uint32(src.Jitter),
		LastSR:           lsr,
		DelaySinceLastSR: dlsr,
	}
}

// GetSource возвращает копию состояния источника
func (sm *SourceManager) GetSource(ssrc uint32) (*RemoteSource, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	src, ok := sm.sources[ssrc]
	if !ok {
		return nil, false
	}
	cp := *src
	return &cp, true
}

// GetAllSources возвращает копии всех известных источников
func (sm *SourceManager) GetAllSources() map[uint32]*RemoteSource {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	result := make(map[uint32]*RemoteSource, len(sm.sources))
	for ssrc, src := range sm.sources {
		cp := *src
		result[ssrc] = &cp
	}
	return result
}

// GetActiveSources возвращает копии валидированных источников
func (sm *SourceManager) GetActiveSources() []*RemoteSource {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var result []*RemoteSource
	for _, src := range sm.sources {
		if !src.Validated {
			continue
		}
		cp := *src
		result = append(result, &cp)
	}
	return result
}

// SourceCount возвращает число отслеживаемых источников
func (sm *SourceManager) SourceCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sources)
}

// Totals агрегирует статистику приема по валидированным источникам
func (sm *SourceManager) Totals() ReceptionTotals {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var t ReceptionTotals
	for _, src := range sm.sources {
		if !src.Validated {
			continue
		}
		t.Packets += src.PacketsReceived
		t.Bytes += src.BytesReceived
		t.Expected += src.expectedPackets()
		t.Lost += src.PacketsLost
		if src.Jitter > t.MaxJitter {
			t.MaxJitter = src.Jitter
		}
		if src.LastSeen.After(t.LastSeen) {
			t.LastSeen = src.LastSeen
		}
	}
	return t
}

// RemoveSource удаляет источник (например, по принятому BYE)
func (sm *SourceManager) RemoveSource(ssrc uint32, reason string) {
	sm.mu.Lock()
	_, ok := sm.sources[ssrc]
	if ok {
		delete(sm.sources, ssrc)
	}
	sm.mu.Unlock()

	if ok {
		sm.logger.Debug("источник удален",
			slog.String("ssrc", fmt.Sprintf("%08x", ssrc)),
			slog.String("reason", reason))
		sm.fireRemoved(ssrc, reason)
	}
}

// Stop останавливает фоновую очистку. Блокируется до ее завершения.
func (sm *SourceManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopCleanup)
	})
	<-sm.cleanupDone
}

func (sm *SourceManager) cleanupLoop() {
	defer close(sm.cleanupDone)

	ticker := time.NewTicker(sm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopCleanup:
			return
		case <-ticker.C:
			sm.removeStale()
		}
	}
}

func (sm *SourceManager) removeStale() {
	now := sm.now()

	var removed []uint32
	sm.mu.Lock()
	for ssrc, src := range sm.sources {
		if now.Sub(src.LastSeen) > sm.config.SourceTimeout {
			delete(sm.sources, ssrc)
			removed = append(removed, ssrc)
		}
	}
	sm.mu.Unlock()

	for _, ssrc := range removed {
		sm.logger.Debug("источник удален по таймауту",
			slog.String("ssrc", fmt.Sprintf("%08x", ssrc)))
		sm.fireRemoved(ssrc, "timeout")
	}
}

func (sm *SourceManager) fireAdded(ssrc uint32) {
	cb := sm.config.OnSourceAdded
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("паника в обработчике нового источника",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	cb(ssrc)
}

func (sm *SourceManager) fireRemoved(ssrc uint32, reason string) {
	cb := sm.config.OnSourceRemoved
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("паника в обработчике удаления источника",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	cb(ssrc, reason)
}
