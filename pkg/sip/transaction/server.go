package transaction

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// serverTransaction implements ServerTransaction
type serverTransaction struct {
	// Identity
	id     string
	key    Key
	branch string
	method sip.RequestMethod

	// Messages
	request      *sip.Request
	lastResponse *sip.Response

	// Transport
	transport  Transport
	isReliable bool

	// State
	state          int32 // atomic
	stateMutex     sync.RWMutex
	stateCallbacks []func(State)

	// processing serializes responses, retransmits and timer events
	processing sync.Mutex

	// Channels
	ackChan   chan *sip.Request // INVITE only
	done      chan struct{}
	closeOnce sync.Once

	// Timers
	engine      *TimerEngine
	timerEvents chan TimerEvent
	timers      TransactionTimers

	// Retransmission
	retransmitCount int32 // atomic

	log *slog.Logger
}

// NewServerTransaction creates a new server transaction from an incoming request.
// INVITE transactions start in Proceeding, all others in Trying.
func NewServerTransaction(request *sip.Request, transport Transport, engine *TimerEngine, timers TransactionTimers, log *slog.Logger) (*serverTransaction, error) {
	if request == nil || transport == nil || engine == nil {
		return nil, ErrInvalidRequest
	}
	if log == nil {
		log = slog.Default()
	}

	key, err := RequestKey(request, true)
	if err != nil {
		return nil, err
	}

	initial := StateTrying
	if request.Method == sip.INVITE {
		initial = StateProceeding
	}

	tx := &serverTransaction{
		id:          key.String(),
		key:         key,
		branch:      key.Branch,
		method:      request.Method,
		request:     request,
		transport:   transport,
		isReliable:  transport.IsReliable(),
		state:       int32(initial),
		done:        make(chan struct{}),
		engine:      engine,
		timerEvents: make(chan TimerEvent, 16),
		timers:      timers,
		log:         log,
	}

	if tx.IsInvite() {
		tx.ackChan = make(chan *sip.Request, 1)
	}

	engine.Register(tx.id, tx.timerEvents)
	go tx.run()

	return tx, nil
}

// ID returns transaction ID
func (tx *serverTransaction) ID() string {
	return tx.id
}

// Key returns the matching key
func (tx *serverTransaction) Key() Key {
	return tx.key
}

// Branch returns branch parameter
func (tx *serverTransaction) Branch() string {
	return tx.branch
}

// State returns current state
func (tx *serverTransaction) State() State {
	return State(atomic.LoadInt32(&tx.state))
}

// Request returns the original request
func (tx *serverTransaction) Request() *sip.Request {
	return tx.request
}

// IsClient returns false
func (tx *serverTransaction) IsClient() bool {
	return false
}

// IsInvite returns true for INVITE transactions
func (tx *serverTransaction) IsInvite() bool {
	return tx.method == sip.INVITE
}

// RetransmitCount returns the number of response retransmissions so far
func (tx *serverTransaction) RetransmitCount() int {
	return int(atomic.LoadInt32(&tx.retransmitCount))
}

// ACK returns the ACK delivery channel (nil for non-INVITE)
func (tx *serverTransaction) ACK() <-chan *sip.Request {
	return tx.ackChan
}

// Done returns a channel closed on termination
func (tx *serverTransaction) Done() <-chan struct{} {
	return tx.done
}

// OnStateChange registers state change callback
func (tx *serverTransaction) OnStateChange(callback func(State)) {
	tx.stateMutex.Lock()
	tx.stateCallbacks = append(tx.stateCallbacks, callback)
	tx.stateMutex.Unlock()
}

// Terminate terminates the transaction
func (tx *serverTransaction) Terminate() {
	tx.processing.Lock()
	defer tx.processing.Unlock()
	tx.terminate()
}

// SendResponse sends a TU response and advances the state machine
func (tx *serverTransaction) SendResponse(response *sip.Response) error {
	if response == nil {
		return ErrInvalidResponse
	}

	tx.processing.Lock()
	defer tx.processing.Unlock()

	state := tx.State()
	if state == StateTerminated {
		return ErrTerminated
	}

	if tx.IsInvite() {
		return tx.sendInviteResponse(response, state)
	}
	return tx.sendNonInviteResponse(response, state)
}

// sendInviteResponse handles TU responses for an INVITE server transaction
func (tx *serverTransaction) sendInviteResponse(response *sip.Response, state State) error {
	if state != StateProceeding {
		return ErrInvalidState
	}

	tx.lastResponse = response
	if err := tx.transport.Send(response); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	code := int(response.StatusCode)
	switch {
	case code < 200:
		// Provisional, stay in Proceeding

	case code < 300:
		// 2xx retransmissions are the dialog layer's duty
		tx.terminate()

	default:
		tx.setState(StateCompleted)
		if !tx.isReliable {
			_ = tx.engine.ScheduleBackoff(tx.id, TimerG, tx.timers.T1, tx.timers.T2)
		}
		_ = tx.engine.Schedule(tx.id, TimerH, tx.timers.TimerH)
	}
	return nil
}

// sendNonInviteResponse handles TU responses for a non-INVITE server transaction
func (tx *serverTransaction) sendNonInviteResponse(response *sip.Response, state State) error {
	if state != StateTrying && state != StateProceeding {
		return ErrInvalidState
	}

	tx.lastResponse = response
	if err := tx.transport.Send(response); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	code := int(response.StatusCode)
	if code < 200 {
		if state == StateTrying {
			tx.setState(StateProceeding)
		}
		return nil
	}

	tx.setState(StateCompleted)
	timerJ := tx.timers.TimerJ
	if tx.isReliable {
		timerJ = 0
	}
	if timerJ > 0 {
		_ = tx.engine.Schedule(tx.id, TimerJ, timerJ)
	} else {
		tx.terminate()
	}
	return nil
}

// HandleRequest processes a retransmitted request or an ACK
func (tx *serverTransaction) HandleRequest(request *sip.Request) error {
	if request == nil {
		return ErrInvalidRequest
	}

	tx.processing.Lock()
	defer tx.processing.Unlock()

	if request.Method == sip.ACK {
		tx.handleACK(request)
		return nil
	}

	state := tx.State()
	switch state {
	case StateTrying:
		// No response sent yet, absorb

	case StateProceeding, StateCompleted:
		// Request retransmission, resend the last response
		if tx.lastResponse != nil {
			if err := tx.transport.Send(tx.lastResponse); err != nil {
				tx.log.Warn("failed to resend response",
					slog.String("transaction", tx.id), slog.Any("error", err))
			}
		}

	case StateTerminated:
		tx.log.Debug("request on terminated transaction", slog.String("transaction", tx.id))
	}
	return nil
}

// handleACK processes ACK for a non-2xx final response
func (tx *serverTransaction) handleACK(ack *sip.Request) {
	if !tx.IsInvite() {
		return
	}

	state := tx.State()
	if state != StateCompleted {
		// Confirmed absorbs ACK retransmissions silently
		return
	}

	select {
	case tx.ackChan <- ack:
	default:
	}

	tx.setState(StateConfirmed)
	tx.engine.Cancel(tx.id, TimerG)
	tx.engine.Cancel(tx.id, TimerH)

	timerI := tx.timers.TimerI
	if tx.isReliable {
		timerI = 0
	}
	if timerI > 0 {
		_ = tx.engine.Schedule(tx.id, TimerI, timerI)
	} else {
		tx.terminate()
	}
}

// run consumes timer events until termination
func (tx *serverTransaction) run() {
	for {
		select {
		case <-tx.done:
			return

		case ev := <-tx.timerEvents:
			tx.handleTimerEvent(ev)
		}
	}
}

// handleTimerEvent applies a fired timer to the state machine
func (tx *serverTransaction) handleTimerEvent(ev TimerEvent) {
	tx.processing.Lock()
	defer tx.processing.Unlock()

	state := tx.State()
	if state == StateTerminated {
		return
	}

	switch ev.Timer {
	case TimerG:
		if state == StateCompleted && tx.lastResponse != nil {
			atomic.AddInt32(&tx.retransmitCount, 1)
			if err := tx.transport.Send(tx.lastResponse); err != nil {
				tx.log.Warn("failed to retransmit response",
					slog.String("transaction", tx.id), slog.Any("error", err))
			}
		}

	case TimerH:
		// No ACK arrived for the final response
		tx.log.Debug("ACK wait timed out", slog.String("transaction", tx.id))
		tx.terminate()

	case TimerI, TimerJ:
		tx.terminate()
	}
}

// setState updates transaction state; returns false if unchanged or terminated
func (tx *serverTransaction) setState(state State) bool {
	for {
		old := atomic.LoadInt32(&tx.state)
		if State(old) == state || State(old) == StateTerminated {
			return false
		}
		if atomic.CompareAndSwapInt32(&tx.state, old, int32(state)) {
			break
		}
	}

	tx.stateMutex.RLock()
	callbacks := make([]func(State), len(tx.stateCallbacks))
	copy(callbacks, tx.stateCallbacks)
	tx.stateMutex.RUnlock()

	for _, cb := range callbacks {
		cb(state)
	}
	return true
}

// terminate reaches the terminal state exactly once
func (tx *serverTransaction) terminate() {
	if !tx.setState(StateTerminated) {
		return
	}

	tx.engine.Unregister(tx.id)
	tx.closeOnce.Do(func() {
		close(tx.done)
		if tx.ackChan != nil {
			close(tx.ackChan)
		}
	})
}
