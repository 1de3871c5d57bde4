package engine

import "errors"

var (
	// ErrShutdown is returned by scheduling calls after Shutdown.
	ErrShutdown = errors.New("task engine shut down")
	// ErrAlreadyShutdown is returned by a second Shutdown.
	ErrAlreadyShutdown = errors.New("task engine already shut down")
	// ErrNestedUnbounded is returned by RunUnboundedTask inside an active transaction.
	ErrNestedUnbounded = errors.New("unbounded task cannot run inside an active transaction")
	// ErrInterrupted wraps the cancellation that stopped a running attempt.
	// The task is dropped, not rescheduled.
	ErrInterrupted = errors.New("task interrupted")
)
