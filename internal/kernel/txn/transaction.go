package txn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"

	logx "txkernel/pkg/logx"
)

// Transaction is one unit of atomic work. Only the goroutine holding its
// Handle drives prepare/commit; Join, Abort and CheckTimeout may be called by
// code running inside the transaction.
type Transaction struct {
	id       uint64
	created  time.Time
	timeout  time.Duration
	clock    clock.Clock
	log      logx.Logger
	optimize bool
	observer Observer

	mu           sync.Mutex
	state        State
	abortCause   error
	participants []Participant
	joined       []Participant
	details      map[Participant]*ParticipantDetail
	listeners    []Listener
	secondary    error
}

func (t *Transaction) ID() uint64 { return t.id }

// IDBytes returns the id as 8 big-endian bytes, usable as a lock token.
func (t *Transaction) IDBytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, t.id)
	return b
}

func (t *Transaction) CreationTime() time.Time { return t.created }
func (t *Transaction) Timeout() time.Duration  { return t.timeout }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsAborted reports whether the transaction is aborting or aborted.
func (t *Transaction) IsAborted() bool {
	s := t.State()
	return s == Aborting || s == Aborted
}

// AbortCause returns the error passed to Abort, or nil.
func (t *Transaction) AbortCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortCause
}

// SecondaryErrors returns participant failures swallowed during the commit or
// abort fan-out.
func (t *Transaction) SecondaryErrors() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secondary
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn[id:%d created:%s timeout:%s state:%s]",
		t.id, t.created.Format(time.RFC3339Nano), t.timeout, t.State())
}

// Join adds p to the transaction. Joining twice is a no-op.
func (t *Transaction) Join(p Participant) error {
	if p == nil {
		return errors.New("txn: nil participant")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Aborted {
		return &AbortedError{ID: t.id, Cause: t.abortCause}
	}
	if t.state != Active {
		return notActive(t.id, t.state)
	}
	if _, ok := t.details[p]; ok {
		return nil
	}
	t.participants = append(t.participants, p)
	t.joined = append(t.joined, p)
	t.details[p] = &ParticipantDetail{Name: p.TypeName()}
	t.log.Trace("participant joined", logx.Txn(t.id), logx.String("participant", p.TypeName()))
	return nil
}

// RegisterListener adds l. Registering twice is a no-op.
func (t *Transaction) RegisterListener(l Listener) error {
	if l == nil {
		return errors.New("txn: nil listener")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Aborted {
		return &AbortedError{ID: t.id, Cause: t.abortCause}
	}
	if t.state != Active {
		return notActive(t.id, t.state)
	}
	for _, have := range t.listeners {
		if have == l {
			return nil
		}
	}
	t.listeners = append(t.listeners, l)
	return nil
}

// CheckTimeout aborts the transaction with a *TimeoutError once its timeout
// has elapsed. It is a no-op while committing or aborting and fails with
// ErrNotActive on a terminal transaction.
func (t *Transaction) CheckTimeout(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case Aborted, Committed:
		s := t.state
		t.mu.Unlock()
		return notActive(t.id, s)
	case Aborting, Committing:
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	elapsed := t.clock.Since(t.created)
	if elapsed <= t.timeout {
		return nil
	}
	err := &TimeoutError{ID: t.id, Elapsed: elapsed, Timeout: t.timeout}
	if aerr := t.Abort(ctx, err); aerr != nil && !errors.Is(aerr, ErrNotActive) {
		return aerr
	}
	return err
}

// Abort rolls the transaction back, calling Abort on every joined
// participant. A call while already aborting is a no-op; a call on an aborted
// transaction fails with ErrNotActive.
func (t *Transaction) Abort(ctx context.Context, cause error) error {
	if cause == nil {
		cause = ErrAborted
	}
	t.mu.Lock()
	switch {
	case t.state == Aborting:
		t.mu.Unlock()
		return nil
	case t.state == Aborted:
		err := &AbortedError{ID: t.id, Cause: t.abortCause}
		t.mu.Unlock()
		return err
	case !t.state.abortable():
		err := illegalState(t.id, "abort", t.state)
		t.mu.Unlock()
		return err
	}
	t.state = Aborting
	t.abortCause = cause
	parts := append([]Participant(nil), t.participants...)
	t.mu.Unlock()

	t.log.Debug("aborting transaction", logx.Txn(t.id), logx.Err(cause))

	// Participants must see the abort even if the caller's context is gone.
	actx := context.WithoutCancel(ctx)
	for _, p := range parts {
		start := t.clock.Now()
		err := p.Abort(actx, t)
		d := t.clock.Since(start)
		if err != nil {
			t.log.Warn("participant abort failed", logx.Txn(t.id), logx.String("participant", p.TypeName()), logx.Err(err))
		}
		t.mu.Lock()
		t.secondary = multierr.Append(t.secondary, wrapSecondary("abort", p, err))
		if det := t.details[p]; det != nil {
			det.Aborted = true
			det.AbortTime = d
		}
		t.mu.Unlock()
	}

	t.finish(actx, Aborted)
	return nil
}

// prepare runs the listeners' before-completion hooks and the prepare phase.
// It reports whether every participant was read-only.
func (t *Transaction) prepare(ctx context.Context) (bool, error) {
	if err := t.expect(Active, "prepare"); err != nil {
		return false, err
	}
	if err := t.beforeCompletion(ctx); err != nil {
		return false, err
	}
	if err := t.transition(Active, Preparing, "prepare"); err != nil {
		return false, err
	}
	allReadOnly, err := t.prepareAll(ctx, t.snapshotParticipants())
	if err != nil {
		return false, err
	}
	if err := t.transition(Preparing, Prepared, "prepare"); err != nil {
		return false, err
	}
	return allReadOnly, nil
}

// commit completes the transaction from Active or Prepared.
func (t *Transaction) commit(ctx context.Context) error {
	t.mu.Lock()
	s := t.state
	t.mu.Unlock()

	switch s {
	case Prepared:
	case Active:
		if !t.optimize {
			if _, err := t.prepare(ctx); err != nil {
				return err
			}
			break
		}
		if err := t.beforeCompletion(ctx); err != nil {
			return err
		}
		if err := t.transition(Active, Preparing, "commit"); err != nil {
			return err
		}
		parts := t.snapshotParticipants()
		if len(parts) > 0 {
			last := parts[len(parts)-1]
			othersReadOnly, err := t.prepareAll(ctx, parts[:len(parts)-1])
			if err != nil {
				return err
			}
			if othersReadOnly {
				// The last participant is the only one that may write.
				return t.prepareAndCommit(ctx, last)
			}
			if _, err := t.prepareAll(ctx, parts[len(parts)-1:]); err != nil {
				return err
			}
		}
		if err := t.transition(Preparing, Prepared, "commit"); err != nil {
			return err
		}
	case Aborted:
		return t.abortedErr()
	default:
		return illegalState(t.id, "commit", s)
	}

	if err := t.transition(Prepared, Committing, "commit"); err != nil {
		return err
	}
	// Past this point every participant must see its commit call, even if the
	// caller has been cancelled.
	cctx := context.WithoutCancel(ctx)
	for _, p := range t.snapshotParticipants() {
		start := t.clock.Now()
		err := p.Commit(cctx, t)
		d := t.clock.Since(start)
		if err != nil {
			t.log.Warn("participant commit failed", logx.Txn(t.id), logx.String("participant", p.TypeName()), logx.Err(err))
		}
		t.mu.Lock()
		t.secondary = multierr.Append(t.secondary, wrapSecondary("commit", p, err))
		if det := t.details[p]; det != nil && err == nil {
			det.Committed = true
			det.CommitTime = d
		}
		t.mu.Unlock()
	}
	t.finish(cctx, Committed)
	return nil
}

func (t *Transaction) prepareAndCommit(ctx context.Context, p Participant) error {
	cctx := context.WithoutCancel(ctx)
	start := t.clock.Now()
	if err := p.PrepareAndCommit(cctx, t); err != nil {
		t.log.Debug("participant prepareAndCommit failed", logx.Txn(t.id), logx.String("participant", p.TypeName()), logx.Err(err))
		t.abortIfNeeded(cctx, err)
		return err
	}
	d := t.clock.Since(start)

	t.mu.Lock()
	if det := t.details[p]; det != nil {
		det.CommittedDirectly = true
		det.CommitTime = d
	}
	t.removeLocked(p)
	t.mu.Unlock()

	if err := t.abortedErr(); err != nil {
		return err
	}
	if err := t.transition(Preparing, Committing, "commit"); err != nil {
		return err
	}
	t.finish(cctx, Committed)
	return nil
}

// prepareAll prepares parts in order, dropping read-only participants.
func (t *Transaction) prepareAll(ctx context.Context, parts []Participant) (bool, error) {
	allReadOnly := true
	for _, p := range parts {
		start := t.clock.Now()
		readOnly, err := p.Prepare(ctx, t)
		d := t.clock.Since(start)
		if err != nil {
			t.log.Debug("participant prepare failed", logx.Txn(t.id), logx.String("participant", p.TypeName()), logx.Err(err))
			t.abortIfNeeded(ctx, err)
			return false, err
		}
		t.mu.Lock()
		if det := t.details[p]; det != nil {
			det.Prepared = true
			det.ReadOnly = readOnly
			det.PrepareTime = d
		}
		if readOnly {
			t.removeLocked(p)
		}
		t.mu.Unlock()
		allReadOnly = allReadOnly && readOnly

		// A participant may abort the transaction without failing.
		if err := t.abortedErr(); err != nil {
			return false, err
		}
	}
	return allReadOnly, nil
}

func (t *Transaction) beforeCompletion(ctx context.Context) error {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		if err := l.BeforeCompletion(ctx); err != nil {
			t.log.Debug("listener beforeCompletion failed", logx.Txn(t.id), logx.String("listener", l.TypeName()), logx.Err(err))
			t.abortIfNeeded(ctx, err)
			return err
		}
		if err := t.abortedErr(); err != nil {
			return err
		}
	}
	return nil
}

// finish moves to the terminal state and notifies listeners and the observer.
func (t *Transaction) finish(ctx context.Context, final State) {
	t.mu.Lock()
	t.state = final
	listeners := append([]Listener(nil), t.listeners...)
	var details []ParticipantDetail
	if t.observer != nil {
		details = make([]ParticipantDetail, 0, len(t.details))
		for _, p := range t.joined {
			details = append(details, *t.details[p])
		}
	}
	t.mu.Unlock()

	committed := final == Committed
	for _, l := range listeners {
		l.AfterCompletion(ctx, committed)
	}
	if t.observer != nil {
		t.observer.TransactionCompleted(t, committed, details)
	}
	t.log.Trace("transaction finished", logx.Txn(t.id), logx.String("state", final.String()))
}

func (t *Transaction) abortIfNeeded(ctx context.Context, cause error) {
	t.mu.Lock()
	s := t.state
	t.mu.Unlock()
	if s.abortable() {
		_ = t.Abort(ctx, cause)
	}
}

// abortedErr returns an *AbortedError if Abort has started.
func (t *Transaction) abortedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Aborting || t.state == Aborted {
		return &AbortedError{ID: t.id, Cause: t.abortCause}
	}
	return nil
}

func (t *Transaction) expect(s State, op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == s {
		return nil
	}
	if t.state == Aborted || t.state == Aborting {
		return &AbortedError{ID: t.id, Cause: t.abortCause}
	}
	return illegalState(t.id, op, t.state)
}

func (t *Transaction) transition(from, to State, op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		if t.state == Aborted || t.state == Aborting {
			return &AbortedError{ID: t.id, Cause: t.abortCause}
		}
		return illegalState(t.id, op, t.state)
	}
	t.state = to
	return nil
}

func (t *Transaction) snapshotParticipants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Participant(nil), t.participants...)
}

func (t *Transaction) removeLocked(p Participant) {
	for i, have := range t.participants {
		if have == p {
			t.participants = append(t.participants[:i], t.participants[i+1:]...)
			return
		}
	}
}

func wrapSecondary(op string, p Participant, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, p.TypeName(), err)
}
