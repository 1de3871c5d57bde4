// Package txn implements the in-process two-phase-commit transaction used to
// execute every task attempt.
//
// A Transaction is driven by exactly one goroutine (the holder of its Handle).
// Participants join while the transaction is Active and are then walked
// through prepare/commit or abort. Read-only participants drop out after
// prepare. The current transaction travels in a context.Context; see
// WithTransaction and FromContext.
package txn
