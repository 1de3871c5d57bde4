package profile

import (
	"sync"

	"txkernel/internal/kernel/txn"
)

// Recorder accumulates one attempt's report. It implements txn.Observer so
// it can be attached to the attempt's transaction. A nil Recorder is a no-op.
type Recorder struct {
	c *Collector

	mu       sync.Mutex
	report   Report
	finished bool
}

// NoteTransactional marks the attempt as running inside transaction id.
func (r *Recorder) NoteTransactional(id uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.report.Transactional = true
	r.report.TxnID = id
	r.mu.Unlock()
}

// TransactionCompleted implements txn.Observer.
func (r *Recorder) TransactionCompleted(tx *txn.Transaction, committed bool, details []txn.ParticipantDetail) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.report.Participants = append(r.report.Participants, details...)
	r.mu.Unlock()
}

// Finish closes the report. Only the first call has an effect.
func (r *Recorder) Finish(tryCount int, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.report.TryCount = tryCount
	r.report.Succeeded = err == nil
	if err != nil {
		r.report.Error = err.Error()
	}
	r.report.Duration = r.c.clock.Since(r.report.Started)
	rep := r.report
	r.mu.Unlock()

	r.c.finish(rep)
}
