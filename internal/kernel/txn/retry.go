package txn

import "errors"

// Disposition classifies a failure for the retry loop.
type Disposition uint8

const (
	// Fatal failures end the attempt sequence.
	Fatal Disposition = iota
	// Retryable failures are retried immediately with a fresh transaction.
	Retryable
)

func (d Disposition) String() string {
	if d == Retryable {
		return "retryable"
	}
	return "fatal"
}

type classifiedError struct {
	err         error
	disposition Disposition
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Retry tags err as safe to retry.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, disposition: Retryable}
}

// NoRetry tags err as fatal, overriding any Retry tag deeper in the chain.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, disposition: Fatal}
}

// Classify returns the disposition of err. A transaction timeout anywhere in
// the chain is Fatal regardless of tags. Otherwise the outermost tag wins and
// untagged errors are Fatal.
func Classify(err error) Disposition {
	if errors.Is(err, ErrTimeout) {
		return Fatal
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.disposition
	}
	return Fatal
}

// IsRetryable is shorthand for Classify(err) == Retryable.
func IsRetryable(err error) bool { return Classify(err) == Retryable }
