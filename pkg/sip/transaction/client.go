package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// clientTransaction implements ClientTransaction
type clientTransaction struct {
	// Identity
	id     string
	key    Key
	branch string
	method sip.RequestMethod

	// Message
	request *sip.Request

	// Transport
	transport  Transport
	isReliable bool

	// State
	state          int32 // atomic
	stateMutex     sync.RWMutex
	stateCallbacks []func(State)

	// processing serializes response and timer handling
	processing sync.Mutex

	// Channels
	responses chan *sip.Response
	errors    chan error
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

// NewClientTransaction creates a new client transaction for the request.
// The request must carry a top Via header with an RFC 3261 branch.
func NewClientTransaction(request *sip.Request, transport Transport, engine *TimerEngine, timers TransactionTimers, log *slog.Logger) (*clientTransaction, error) {
	if request == nil || transport == nil || engine == nil {
		return nil, ErrInvalidRequest
	}
	if log == nil {
		log = slog.Default()
	}

	key, err := RequestKey(request, false)
	if err != nil {
		return nil, err
	}

	initial := StateTrying
	if request.Method == sip.INVITE {
		initial = StateCalling
	}

	tx := &clientTransaction{
		id:          key.String(),
		key:         key,
		branch:      key.Branch,
		method:      request.Method,
		request:     request,
		transport:   transport,
		isReliable:  transport.IsReliable(),
		state:       int32(initial),
		responses:   make(chan *sip.Response, 10),
		errors:      make(chan error, 1),
		done:        make(chan struct{}),
		engine:      engine,
		timerEvents: make(chan TimerEvent, 16),
		timers:      timers,
		log:         log,
	}

	engine.Register(tx.id, tx.timerEvents)

	return tx, nil
}

// ID returns transaction ID
func (tx *clientTransaction) ID() string {
	return tx.id
}

// Key returns the matching key
func (tx *clientTransaction) Key() Key {
	return tx.key
}

// Branch returns branch parameter
func (tx *clientTransaction) Branch() string {
	return tx.branch
}

// State returns current state
func (tx *clientTransaction) State() State {
	return State(atomic.LoadInt32(&tx.state))
}

// Request returns the original request
func (tx *clientTransaction) Request() *sip.Request {
	return tx.request
}

// IsClient returns true
func (tx *clientTransaction) IsClient() bool {
	return true
}

// IsInvite returns true for INVITE transactions
func (tx *clientTransaction) IsInvite() bool {
	return tx.method == sip.INVITE
}

// RetransmitCount returns the number of request retransmissions so far
func (tx *clientTransaction) RetransmitCount() int {
	return int(atomic.LoadInt32(&tx.retransmitCount))
}

// SendRequest sends the request and arms Timer A/B (INVITE) or E/F (non-INVITE)
func (tx *clientTransaction) SendRequest(ctx context.Context) error {
	state := tx.State()
	if state != StateCalling && state != StateTrying {
		return ErrInvalidState
	}

	if err := tx.transport.Send(tx.request); err != nil {
		tx.processing.Lock()
		tx.terminate()
		tx.processing.Unlock()
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	if tx.IsInvite() {
		if !tx.isReliable {
			_ = tx.engine.ScheduleBackoff(tx.id, TimerA, tx.timers.T1, tx.timers.T2)
		}
		_ = tx.engine.Schedule(tx.id, TimerB, tx.timers.TimerB)
	} else {
		if !tx.isReliable {
			_ = tx.engine.ScheduleBackoff(tx.id, TimerE, tx.timers.T1, tx.timers.T2)
		}
		_ = tx.engine.Schedule(tx.id, TimerF, tx.timers.TimerF)
	}

	go tx.run(ctx)

	return nil
}

// Responses returns response channel
func (tx *clientTransaction) Responses() <-chan *sip.Response {
	return tx.responses
}

// Errors returns error channel
func (tx *clientTransaction) Errors() <-chan error {
	return tx.errors
}

// Done returns a channel closed on termination
func (tx *clientTransaction) Done() <-chan struct{} {
	return tx.done
}

// OnStateChange registers state change callback
func (tx *clientTransaction) OnStateChange(callback func(State)) {
	tx.stateMutex.Lock()
	tx.stateCallbacks = append(tx.stateCallbacks, callback)
	tx.stateMutex.Unlock()
}

// Terminate terminates the transaction
func (tx *clientTransaction) Terminate() {
	tx.processing.Lock()
	defer tx.processing.Unlock()
	tx.terminate()
}

// run consumes timer events until termination
func (tx *clientTransaction) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			return

		case <-tx.done:
			return

		case ev := <-tx.timerEvents:
			tx.handleTimerEvent(ev)
		}
	}
}

// handleTimerEvent applies a fired timer to the state machine
func (tx *clientTransaction) handleTimerEvent(ev TimerEvent) {
	tx.processing.Lock()
	defer tx.processing.Unlock()

	state := tx.State()
	if state == StateTerminated {
		tx.log.Debug("timer fired on terminated transaction",
			slog.String("transaction", tx.id), slog.String("timer", string(ev.Timer)))
		return
	}

	switch ev.Timer {
	case TimerA:
		if state == StateCalling {
			tx.retransmit()
		}

	case TimerE:
		if state == StateTrying {
			tx.retransmit()
		}

	case TimerB, TimerF:
		// Absolute transaction timeout
		select {
		case tx.errors <- ErrTimeout:
		default:
		}
		tx.terminate()

	case TimerD, TimerK:
		// Late-retransmit absorption finished
		tx.terminate()
	}
}

// HandleResponse processes a correlated response according to current state
func (tx *clientTransaction) HandleResponse(response *sip.Response) error {
	if response == nil {
		return ErrInvalidResponse
	}

	tx.processing.Lock()
	defer tx.processing.Unlock()

	state := tx.State()
	if state == StateTerminated {
		tx.log.Debug("response on terminated transaction",
			slog.String("transaction", tx.id), slog.Int("status", int(response.StatusCode)))
		return nil
	}

	if tx.IsInvite() {
		tx.processInviteResponse(response, state)
	} else {
		tx.processNonInviteResponse(response, state)
	}
	return nil
}

// processInviteResponse handles INVITE transaction response
func (tx *clientTransaction) processInviteResponse(response *sip.Response, state State) {
	code := int(response.StatusCode)

	switch state {
	case StateCalling:
		if code >= 100 && code < 200 {
			// Provisional: stop retransmissions, keep Timer B
			tx.engine.Cancel(tx.id, TimerA)
			tx.setState(StateProceeding)
			tx.deliverResponse(response)
		} else if code >= 200 {
			tx.completeInvite(response)
		}

	case StateProceeding:
		if code >= 100 && code < 200 {
			tx.deliverResponse(response)
		} else if code >= 200 {
			tx.completeInvite(response)
		}

	case StateCompleted:
		// Retransmitted final response: resend ACK for non-2xx, do not redeliver
		if code >= 300 {
			tx.sendAck(response)
		}
	}
}

// completeInvite moves the INVITE transaction to Completed and arms Timer D
func (tx *clientTransaction) completeInvite(response *sip.Response) {
	tx.engine.Cancel(tx.id, TimerA)
	tx.engine.Cancel(tx.id, TimerB)
	tx.setState(StateCompleted)

	// ACK for non-2xx finals is a transaction-layer duty; 2xx ACK belongs
	// to the dialog layer end to end
	if response.StatusCode >= 300 {
		tx.sendAck(response)
	}

	tx.deliverResponse(response)

	timerD := tx.timers.TimerD
	if tx.isReliable {
		timerD = 0
	}
	if timerD > 0 {
		_ = tx.engine.Schedule(tx.id, TimerD, timerD)
	} else {
		tx.terminate()
	}
}

// processNonInviteResponse handles non-INVITE transaction response
func (tx *clientTransaction) processNonInviteResponse(response *sip.Response, state State) {
	code := int(response.StatusCode)

	switch state {
	case StateTrying:
		if code >= 100 && code < 200 {
			tx.engine.Cancel(tx.id, TimerE)
			tx.setState(StateProceeding)
			tx.deliverResponse(response)
		} else if code >= 200 {
			tx.completeNonInvite(response)
		}

	case StateProceeding:
		if code >= 100 && code < 200 {
			tx.deliverResponse(response)
		} else if code >= 200 {
			tx.completeNonInvite(response)
		}

	case StateCompleted:
		// Retransmissions are absorbed silently
	}
}

// completeNonInvite moves the transaction to Completed and arms Timer K
func (tx *clientTransaction) completeNonInvite(response *sip.Response) {
	tx.engine.Cancel(tx.id, TimerE)
	tx.engine.Cancel(tx.id, TimerF)
	tx.setState(StateCompleted)
	tx.deliverResponse(response)

	timerK := tx.timers.TimerK
	if tx.isReliable {
		timerK = 0
	}
	if timerK > 0 {
		_ = tx.engine.Schedule(tx.id, TimerK, timerK)
	} else {
		tx.terminate()
	}
}

// deliverResponse forwards the response to the consumer channel
func (tx *clientTransaction) deliverResponse(response *sip.Response) {
	select {
	case tx.responses <- response:
	default:
		tx.log.Warn("response channel full, response dropped",
			slog.String("transaction", tx.id), slog.Int("status", int(response.StatusCode)))
	}
}

// retransmit resends the original request
func (tx *clientTransaction) retransmit() {
	atomic.AddInt32(&tx.retransmitCount, 1)
	if err := tx.transport.Send(tx.request); err != nil {
		select {
		case tx.errors <- fmt.Errorf("%w: %v", ErrTransportFailure, err):
		default:
		}
		tx.terminate()
	}
}

// sendAck sends ACK for a non-2xx final response (RFC 3261 17.1.1.3)
func (tx *clientTransaction) sendAck(response *sip.Response) {
	ack := sip.NewRequest(sip.ACK, tx.request.Recipient)
	ack.SipVersion = tx.request.SipVersion

	if via := tx.request.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", tx.request, ack)

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	if h := tx.request.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so the remote tag is carried
	if h := response.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := tx.request.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := tx.request.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.ACK
		ack.AppendHeader(cseq)
	}

	if err := tx.transport.Send(ack); err != nil {
		tx.log.Warn("failed to send ACK", slog.String("transaction", tx.id), slog.Any("error", err))
	}
}

// setState updates transaction state; returns false if unchanged or terminated
func (tx *clientTransaction) setState(state State) bool {
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
func (tx *clientTransaction) terminate() {
	if !tx.setState(StateTerminated) {
		return
	}

	tx.engine.Unregister(tx.id)
	tx.closeOnce.Do(func() {
		close(tx.done)
	})
}
