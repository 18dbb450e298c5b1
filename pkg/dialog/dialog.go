package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// Имена состояний FSM
const (
	fsmStateInitial    = "initial"
	fsmStateEarly      = "early"
	fsmStateConfirmed  = "confirmed"
	fsmStateRecovering = "recovering"
	fsmStateTerminated = "terminated"
)

// Имена событий FSM
const (
	fsmEventEarly     = "early"
	fsmEventConfirm   = "confirm"
	fsmEventRecover   = "recover"
	fsmEventRecovered = "recovered"
	fsmEventTerminate = "terminate"
)

// DialogConfig параметры создания диалога.
//
// Пустые CallID и LocalTag генерируются автоматически. RemoteTag
// опционален: для UAC он появляется позже из ответов через
// SetRemoteTag/ApplyResponse.
type DialogConfig struct {
	// CallID идентификатор вызова, пустой - сгенерировать
	CallID string
	// LocalURI адрес локальной стороны
	LocalURI sip.Uri
	// RemoteURI адрес удаленной стороны
	RemoteURI sip.Uri
	// LocalTag локальный тег, пустой - сгенерировать
	LocalTag string
	// RemoteTag удаленный тег, если уже известен (UAS)
	RemoteTag string
	// RemoteTarget Contact удаленной стороны
	RemoteTarget sip.Uri
	// RouteSet начальный маршрут in-dialog запросов
	RouteSet []sip.Uri
	// IsInitiator true для UAC (инициатор вызова)
	IsInitiator bool
	// Logger структурированный logger, nil - JSON logger по умолчанию
	Logger StructuredLogger
	// Metrics сборщик метрик, nil отключает сбор
	Metrics *Metrics
}

// Dialog представляет SIP диалог между двумя User Agent.
//
// Диалог - это одноранговые SIP отношения, идентифицируемые комбинацией
// Call-ID и двух тегов, независимые от отдельных транзакций. Dialog
// отвечает за дисциплину CSeq, переходы состояний по наблюдаемым кодам
// ответов и учет восстановления. Все методы потокобезопасны.
type Dialog struct {
	callID    string
	localTag  string
	remoteTag string

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.Uri

	// Нумерация запросов: localSeq растет только в CreateRequestTemplate
	// (кроме ACK), remoteSeq присваивается из наблюдаемых запросов
	localSeq  uint32
	remoteSeq uint32

	// Роль в диалоге
	isInitiator bool

	createdAt    time.Time
	lastActivity time.Time

	terminateReason string
	terminateOnce   sync.Once

	// Учет восстановления
	recoveryAttempts  uint32
	recoveryReason    string
	recoveryStartedAt time.Time
	recoveredAt       time.Time

	// FSM для управления состояниями
	stateMachine *fsm.FSM

	// Обработчики изменения состояния
	stateCallbacks []StateChangeHandler

	log     StructuredLogger
	metrics *Metrics

	// Мьютекс для синхронизации полей; события FSM всегда
	// запускаются без удержания mu
	mu sync.RWMutex
}

// New создает новый диалог в состоянии Initial
func New(config DialogConfig) *Dialog {
	if config.CallID == "" {
		config.CallID = generateCallID()
	}
	if config.LocalTag == "" {
		config.LocalTag = generateTag()
	}
	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}

	d := &Dialog{
		callID:       config.CallID,
		localTag:     config.LocalTag,
		remoteTag:    config.RemoteTag,
		localURI:     config.LocalURI,
		remoteURI:    config.RemoteURI,
		remoteTarget: config.RemoteTarget,
		routeSet:     append([]sip.Uri(nil), config.RouteSet...),
		isInitiator:  config.IsInitiator,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		metrics:      config.Metrics,
	}
	d.log = logger.WithComponent("dialog").WithFields(
		String("call_id", d.callID),
		String("local_tag", d.localTag),
		Bool("is_initiator", d.isInitiator),
	)
	d.initStateMachine()

	return d
}

// initStateMachine инициализирует конечный автомат состояний.
// Recovering достижим только из Confirmed, Terminated поглощающее.
func (d *Dialog) initStateMachine() {
	d.stateMachine = fsm.NewFSM(
		fsmStateInitial,
		fsm.Events{
			// Предварительный ответ 101-199
			{Name: fsmEventEarly, Src: []string{fsmStateInitial}, Dst: fsmStateEarly},
			// Подтверждение 2xx, возможно минуя early
			{Name: fsmEventConfirm, Src: []string{fsmStateInitial, fsmStateEarly}, Dst: fsmStateConfirmed},
			// Вход в режим восстановления
			{Name: fsmEventRecover, Src: []string{fsmStateConfirmed}, Dst: fsmStateRecovering},
			// Успешное восстановление
			{Name: fsmEventRecovered, Src: []string{fsmStateRecovering}, Dst: fsmStateConfirmed},
			// Завершение из любого нетерминального состояния
			{Name: fsmEventTerminate, Src: []string{fsmStateInitial, fsmStateEarly, fsmStateConfirmed, fsmStateRecovering}, Dst: fsmStateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				d.handleStateChange(e)
			},
		},
	)
}

// handleStateChange обрабатывает изменение состояния
func (d *Dialog) handleStateChange(e *fsm.Event) {
	oldState := stringToDialogState(e.Src)
	newState := stringToDialogState(e.Dst)
	if oldState == newState {
		return
	}

	d.metrics.StateTransition(oldState, newState)
	d.log.Debug(context.Background(), "переход состояния диалога",
		String("from_state", oldState.String()),
		String("to_state", newState.String()),
	)

	d.mu.RLock()
	handlers := make([]StateChangeHandler, len(d.stateCallbacks))
	copy(handlers, d.stateCallbacks)
	d.mu.RUnlock()

	for _, handler := range handlers {
		handler(oldState, newState)
	}
}

// stringToDialogState преобразует строку FSM в DialogState
func stringToDialogState(state string) DialogState {
	switch state {
	case fsmStateInitial:
		return StateInitial
	case fsmStateEarly:
		return StateEarly
	case fsmStateConfirmed:
		return StateConfirmed
	case fsmStateRecovering:
		return StateRecovering
	case fsmStateTerminated:
		return StateTerminated
	default:
		return StateInitial
	}
}

// fireEvent запускает событие FSM, считая недопустимый переход no-op.
// Гонки между проверкой состояния и запуском события разрешает
// внутренняя блокировка FSM: проигравшая сторона получает ошибку
// перехода и ничего не меняет.
func (d *Dialog) fireEvent(name string) bool {
	return d.stateMachine.Event(context.Background(), name) == nil
}

// State возвращает текущее состояние диалога
func (d *Dialog) State() DialogState {
	return stringToDialogState(d.stateMachine.Current())
}

// IsTerminated сообщает, завершен ли диалог
func (d *Dialog) IsTerminated() bool {
	return d.State() == StateTerminated
}

// CallID возвращает идентификатор вызова
func (d *Dialog) CallID() string {
	return d.callID
}

// LocalTag возвращает локальный тег диалога
func (d *Dialog) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag возвращает удаленный тег диалога, пустая строка если не установлен
func (d *Dialog) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// LocalURI возвращает адрес локальной стороны
func (d *Dialog) LocalURI() sip.Uri {
	return d.localURI
}

// RemoteURI возвращает адрес удаленной стороны
func (d *Dialog) RemoteURI() sip.Uri {
	return d.remoteURI
}

// RemoteTarget возвращает актуальный Contact удаленной стороны
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// SetRemoteTarget обновляет Contact удаленной стороны
func (d *Dialog) SetRemoteTarget(target sip.Uri) {
	d.mu.Lock()
	d.remoteTarget = target
	d.mu.Unlock()
}

// RouteSet возвращает копию маршрута in-dialog запросов
func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]sip.Uri(nil), d.routeSet...)
}

// LocalSeq возвращает текущий локальный CSeq
func (d *Dialog) LocalSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localSeq
}

// RemoteSeq возвращает последний наблюдавшийся удаленный CSeq
func (d *Dialog) RemoteSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSeq
}

// IsInitiator возвращает true для UAC стороны диалога
func (d *Dialog) IsInitiator() bool {
	return d.isInitiator
}

// CreatedAt возвращает время создания диалога
func (d *Dialog) CreatedAt() time.Time {
	return d.createdAt
}

// LastActivity возвращает время последней активности диалога
func (d *Dialog) LastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastActivity
}

// TerminationReason возвращает причину завершения, пустая строка
// пока диалог не завершен
func (d *Dialog) TerminationReason() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.terminateReason
}

// Key возвращает ключ диалога. Второе значение false, пока не
// установлены оба тега: неполный ключ не пригоден для таблицы диалогов.
func (d *Dialog) Key() (DialogKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.localTag == "" || d.remoteTag == "" {
		return DialogKey{}, false
	}
	return DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}, true
}

// OnStateChange подписывает обработчик на изменения состояния.
// Обработчики вызываются синхронно вне блокировки диалога.
func (d *Dialog) OnStateChange(handler StateChangeHandler) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	d.stateCallbacks = append(d.stateCallbacks, handler)
	d.mu.Unlock()
}

// SetRemoteTag устанавливает удаленный тег. Допустим в любой момент до
// завершения диалога и сам по себе не меняет состояние: переходы
// управляются кодами ответов, а не появлением тега.
func (d *Dialog) SetRemoteTag(tag string) {
	if tag == "" || d.IsTerminated() {
		return
	}
	d.mu.Lock()
	d.remoteTag = tag
	d.mu.Unlock()
}

// CreateRequestTemplate выдает шаблон для построения in-dialog запроса.
// Увеличивает локальный CSeq для всех методов кроме ACK: ACK несет CSeq
// подтверждаемого INVITE. На завершенном диалоге возвращает ошибку,
// завершенный диалог не воскрешается.
func (d *Dialog) CreateRequestTemplate(method sip.RequestMethod) (RequestTemplate, error) {
	if d.IsTerminated() {
		key, _ := d.Key()
		return RequestTemplate{}, ErrOperationOnTerminated(key, "create_request_template")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if method != sip.ACK {
		d.localSeq++
	}
	d.lastActivity = time.Now()

	return RequestTemplate{
		Method:       method,
		CallID:       d.callID,
		CSeq:         d.localSeq,
		LocalTag:     d.localTag,
		RemoteTag:    d.remoteTag,
		LocalURI:     d.localURI,
		RemoteURI:    d.remoteURI,
		RemoteTarget: d.remoteTarget,
		RouteSet:     append([]sip.Uri(nil), d.routeSet...),
	}, nil
}

// IncrementLocalSeq увеличивает локальный CSeq вне шаблона запроса
// и возвращает новое значение
func (d *Dialog) IncrementLocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localSeq++
	return d.localSeq
}

// ApplyResponse применяет наблюдаемый код ответа к состоянию диалога.
//
// Правила переходов (управляются только кодами, не тегами):
//   - 101-199: Initial -> Early
//   - 2xx:     Initial/Early -> Confirmed
//   - >=300:   Initial/Early -> Terminated с причиной
//
// Код 100 и повторные ответы в уже достигнутом состоянии игнорируются.
// Отказ re-INVITE (>=300 в Confirmed/Recovering) не завершает
// установленный диалог. Непустой remoteTag сохраняется до применения кода.
func (d *Dialog) ApplyResponse(statusCode int, remoteTag string) error {
	if d.IsTerminated() {
		key, _ := d.Key()
		return ErrOperationOnTerminated(key, "apply_response")
	}

	if remoteTag != "" {
		d.SetRemoteTag(remoteTag)
	}

	switch {
	case statusCode >= 101 && statusCode < 200:
		if d.State() == StateInitial {
			d.fireEvent(fsmEventEarly)
		}
	case statusCode >= 200 && statusCode < 300:
		if s := d.State(); s == StateInitial || s == StateEarly {
			d.fireEvent(fsmEventConfirm)
		}
	case statusCode >= 300:
		if s := d.State(); s == StateInitial || s == StateEarly {
			d.terminate(fmt.Sprintf("rejected: %d", statusCode))
		}
	}

	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()

	return nil
}

// ApplyRequest применяет наблюдаемый in-dialog запрос: фиксирует
// удаленный CSeq и завершает диалог при BYE.
func (d *Dialog) ApplyRequest(method sip.RequestMethod, cseq uint32) error {
	if d.IsTerminated() {
		key, _ := d.Key()
		return ErrOperationOnTerminated(key, "apply_request")
	}

	d.mu.Lock()
	d.remoteSeq = cseq
	d.lastActivity = time.Now()
	d.mu.Unlock()

	if method == sip.BYE {
		d.terminate("remote bye")
	}

	return nil
}

// EnterRecovery переводит диалог в режим восстановления.
//
// Допустимо только из Confirmed: вход в восстановление из другого
// состояния маскировал бы реальное завершение, поэтому возвращается
// ошибка. Фиксирует причину, увеличивает счетчик попыток.
func (d *Dialog) EnterRecovery(reason string) error {
	if err := d.stateMachine.Event(context.Background(), fsmEventRecover); err != nil {
		return ErrRecoveryNotAllowed(d.State())
	}

	d.mu.Lock()
	d.recoveryAttempts++
	d.recoveryReason = reason
	d.recoveryStartedAt = time.Now()
	attempt := d.recoveryAttempts
	d.mu.Unlock()

	d.metrics.RecoveryStarted()
	d.log.Info(context.Background(), "диалог вошел в режим восстановления",
		String("reason", reason),
		Uint32("attempt", attempt),
	)

	return nil
}

// CompleteRecovery завершает восстановление, возвращая диалог в
// Confirmed. Возвращает false, если диалог не находился в Recovering.
func (d *Dialog) CompleteRecovery() bool {
	if err := d.stateMachine.Event(context.Background(), fsmEventRecovered); err != nil {
		return false
	}

	d.mu.Lock()
	d.recoveredAt = time.Now()
	elapsed := d.recoveredAt.Sub(d.recoveryStartedAt)
	d.mu.Unlock()

	d.metrics.RecoveryCompleted()
	d.log.Info(context.Background(), "восстановление диалога завершено",
		Duration("elapsed", elapsed),
	)

	return true
}

// RecoveryInfo возвращает учет восстановления диалога
func (d *Dialog) RecoveryInfo() RecoveryInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return RecoveryInfo{
		Attempts:    d.recoveryAttempts,
		Reason:      d.recoveryReason,
		StartedAt:   d.recoveryStartedAt,
		RecoveredAt: d.recoveredAt,
	}
}

// Terminate завершает диалог из любого нетерминального состояния.
// Идемпотентен: фиксируется причина первого вызова.
func (d *Dialog) Terminate(reason string) {
	d.terminate(reason)
}

// terminate однократно фиксирует причину и запускает событие FSM.
// Причина записывается до события, чтобы обработчики состояния уже
// видели ее через TerminationReason.
func (d *Dialog) terminate(reason string) {
	d.terminateOnce.Do(func() {
		d.mu.Lock()
		d.terminateReason = reason
		d.mu.Unlock()

		d.stateMachine.Event(context.Background(), fsmEventTerminate)

		d.log.Debug(context.Background(), "диалог завершен", String("reason", reason))
	})
}
