package datastore

import (
	"context"
	"fmt"

	"txkernel/internal/kernel/txn"
	logx "txkernel/pkg/logx"
)

type pstate int

const (
	stateActive pstate = iota
	statePrepared
	stateCommitted
	stateAborted
)

func (s pstate) String() string {
	switch s {
	case stateActive:
		return "active"
	case statePrepared:
		return "prepared"
	case stateCommitted:
		return "committed"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type write struct {
	value   []byte
	deleted bool
}

// participant holds one transaction's view of the store.
type participant struct {
	s    *Store
	txID uint64

	// guarded by s.mu
	state  pstate
	locked map[string]struct{}
	writes map[string]write
}

var _ txn.Participant = (*participant)(nil)

func (p *participant) TypeName() string { return "datastore" }

func (p *participant) Prepare(ctx context.Context, tx *txn.Transaction) (bool, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != stateActive {
		return false, p.illegal("prepare")
	}
	if len(p.writes) == 0 {
		// Read-only: nothing to hold; the coordinator will not call back.
		p.state = stateCommitted
		s.releaseLocked(p)
		s.readOnly.Add(1)
		return true, nil
	}
	p.state = statePrepared
	return false, nil
}

func (p *participant) Commit(ctx context.Context, tx *txn.Transaction) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != statePrepared {
		return p.illegal("commit")
	}
	p.applyLocked()
	return nil
}

func (p *participant) PrepareAndCommit(ctx context.Context, tx *txn.Transaction) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != stateActive {
		return p.illegal("prepareAndCommit")
	}
	if len(p.writes) == 0 {
		p.state = stateCommitted
		s.releaseLocked(p)
		s.readOnly.Add(1)
		return nil
	}
	p.applyLocked()
	return nil
}

func (p *participant) Abort(ctx context.Context, tx *txn.Transaction) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.state {
	case stateAborted:
		return nil
	case stateCommitted:
		// Read-only participants are gone after prepare; nothing to undo.
		if len(p.writes) == 0 {
			return nil
		}
		return p.illegal("abort")
	}
	n := len(p.writes)
	p.state = stateAborted
	s.releaseLocked(p)
	p.writes = nil
	s.aborts.Add(1)
	s.log.Trace("discarded writes", logx.Txn(p.txID), logx.Int("writes", n))
	return nil
}

func (p *participant) applyLocked() {
	s := p.s
	for k, w := range p.writes {
		if w.deleted {
			delete(s.data, k)
			continue
		}
		s.data[k] = w.value
	}
	p.state = stateCommitted
	s.releaseLocked(p)
	s.commits.Add(1)
}

func (p *participant) illegal(op string) error {
	return fmt.Errorf("%w: datastore %s for txn %d in state %s", txn.ErrIllegalState, op, p.txID, p.state)
}
