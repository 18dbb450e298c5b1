package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// State represents transaction state
type State int

const (
	// Client transaction states
	StateCalling State = iota
	StateProceeding
	StateCompleted
	StateTerminated

	// Server transaction specific states
	StateTrying
	StateConfirmed
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateTerminated:
		return "Terminated"
	case StateTrying:
		return "Trying"
	case StateConfirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// Transport is the sending side of the message transport. Parsing and
// serialization live outside this package; transactions only need to
// hand a constructed message to the wire.
type Transport interface {
	// Send sends the message to its destination
	Send(msg sip.Message) error

	// IsReliable returns true for stream transports (TCP/TLS)
	IsReliable() bool
}

// Transaction is the common interface for client and server transactions
type Transaction interface {
	// ID returns the transaction ID
	ID() string

	// Key returns the matching key (branch, method, role)
	Key() Key

	// Branch returns the branch parameter
	Branch() string

	// State returns current state
	State() State

	// Request returns the original request
	Request() *sip.Request

	// IsClient returns true for client transactions
	IsClient() bool

	// IsInvite returns true for INVITE transactions
	IsInvite() bool

	// OnStateChange registers a state change callback; one call per transition
	OnStateChange(func(State))

	// Done returns a channel closed when the transaction terminates
	Done() <-chan struct{}

	// Terminate terminates the transaction
	Terminate()
}

// ClientTransaction represents a client transaction
type ClientTransaction interface {
	Transaction

	// SendRequest sends the request and arms the retransmit/timeout timers
	SendRequest(ctx context.Context) error

	// HandleResponse feeds a correlated response into the state machine
	HandleResponse(resp *sip.Response) error

	// Responses returns channel for responses
	Responses() <-chan *sip.Response

	// Errors returns channel for errors (timeouts, transport failures)
	Errors() <-chan error
}

// ServerTransaction represents a server transaction
type ServerTransaction interface {
	Transaction

	// SendResponse sends a response, caching it for retransmissions
	SendResponse(resp *sip.Response) error

	// HandleRequest feeds a retransmitted request or ACK into the state machine
	HandleRequest(req *sip.Request) error

	// ACK returns channel delivering the ACK (INVITE only, nil otherwise)
	ACK() <-chan *sip.Request
}
