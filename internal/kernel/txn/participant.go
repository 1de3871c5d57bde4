package txn

import (
	"context"
	"time"
)

// Participant is a resource manager taking part in a transaction.
//
// Participants are compared by identity, so implementations should be
// pointer types. Prepare returns readOnly=true when the participant made no
// change; it then receives no further calls. Calling a method from the wrong
// participant state is a protocol fault and must fail with ErrIllegalState.
type Participant interface {
	Prepare(ctx context.Context, tx *Transaction) (readOnly bool, err error)
	Commit(ctx context.Context, tx *Transaction) error
	PrepareAndCommit(ctx context.Context, tx *Transaction) error
	Abort(ctx context.Context, tx *Transaction) error
	TypeName() string
}

// Listener is notified around transaction completion.
type Listener interface {
	// BeforeCompletion runs before participants are prepared. An error aborts
	// the transaction.
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, committed bool)
	TypeName() string
}

// ParticipantDetail records how one participant went through the protocol.
type ParticipantDetail struct {
	Name              string        `json:"name"`
	Prepared          bool          `json:"prepared"`
	ReadOnly          bool          `json:"read_only"`
	CommittedDirectly bool          `json:"committed_directly"`
	Committed         bool          `json:"committed"`
	Aborted           bool          `json:"aborted"`
	PrepareTime       time.Duration `json:"prepare_time"`
	CommitTime        time.Duration `json:"commit_time"`
	AbortTime         time.Duration `json:"abort_time"`
}

// Observer receives per-participant details once a transaction is terminal.
type Observer interface {
	TransactionCompleted(tx *Transaction, committed bool, details []ParticipantDetail)
}
