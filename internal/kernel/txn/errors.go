package txn

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotActive is returned when an operation needs an active transaction.
	ErrNotActive = errors.New("txn: transaction not active")
	// ErrIllegalState marks a protocol step invoked from the wrong state.
	ErrIllegalState = errors.New("txn: illegal state")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("txn: transaction timed out")
	// ErrAborted is the cause recorded when Abort is called without one.
	ErrAborted = errors.New("txn: transaction aborted")
)

// AbortedError reports that the transaction was aborted, carrying the cause.
// It matches ErrNotActive and unwraps to the cause.
type AbortedError struct {
	ID    uint64
	Cause error
}

func (e *AbortedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("txn: transaction %d aborted", e.ID)
	}
	return fmt.Sprintf("txn: transaction %d aborted: %v", e.ID, e.Cause)
}

func (e *AbortedError) Unwrap() error { return e.Cause }

func (e *AbortedError) Is(target error) bool { return target == ErrNotActive }

// TimeoutError is raised by CheckTimeout once the deadline has passed.
type TimeoutError struct {
	ID      uint64
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("txn: transaction %d timed out after %s (timeout %s)", e.ID, e.Elapsed, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func illegalState(id uint64, op string, s State) error {
	return fmt.Errorf("%w: %s on transaction %d in state %s", ErrIllegalState, op, id, s)
}

func notActive(id uint64, s State) error {
	return fmt.Errorf("%w: transaction %d is %s", ErrNotActive, id, s)
}
