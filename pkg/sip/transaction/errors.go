package transaction

import "errors"

var (
	// ErrInvalidRequest is returned for invalid requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidResponse is returned for invalid responses
	ErrInvalidResponse = errors.New("invalid response")

	// ErrInvalidState is returned when operation is invalid for current state
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrTransactionNotFound is returned when transaction is not found
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionExists is returned when transaction already exists
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrUnknownTransaction is returned when scheduling timers for an unregistered id
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrTimeout is returned when transaction times out
	ErrTimeout = errors.New("transaction timeout")

	// ErrTerminated is returned when operation is attempted on terminated transaction
	ErrTerminated = errors.New("transaction terminated")

	// ErrTransportFailure is returned for transport errors
	ErrTransportFailure = errors.New("transport failure")

	// ErrMissingVia is returned when a message lacks a Via header with branch
	ErrMissingVia = errors.New("missing Via header with branch parameter")
)
