package txn

import "context"

type txnKey struct{}

// WithTransaction returns a child context carrying tx as the current transaction.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txnKey{}, tx)
}

// FromContext returns the current transaction, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txnKey{}).(*Transaction)
	return tx, ok && tx != nil
}

// IsActive reports whether ctx carries a transaction that is still Active.
func IsActive(ctx context.Context) bool {
	tx, ok := FromContext(ctx)
	return ok && tx.State() == Active
}

// Current returns the current transaction or ErrNotActive.
func Current(ctx context.Context) (*Transaction, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNotActive
	}
	return tx, nil
}
