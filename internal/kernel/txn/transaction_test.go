package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeParticipant struct {
	name       string
	rec        *recorder
	readOnly   bool
	prepareErr error
	commitErr  error
	abortErr   error
	onPrepare  func(tx *Transaction)
	// honorCtx makes the commit calls fail once ctx is cancelled.
	honorCtx bool
}

func (p *fakeParticipant) Prepare(ctx context.Context, tx *Transaction) (bool, error) {
	p.rec.add(p.name + ".prepare")
	if p.onPrepare != nil {
		p.onPrepare(tx)
	}
	return p.readOnly, p.prepareErr
}

func (p *fakeParticipant) Commit(ctx context.Context, tx *Transaction) error {
	p.rec.add(p.name + ".commit")
	if p.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	return p.commitErr
}

func (p *fakeParticipant) PrepareAndCommit(ctx context.Context, tx *Transaction) error {
	p.rec.add(p.name + ".prepareAndCommit")
	if p.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	return p.prepareErr
}

func (p *fakeParticipant) Abort(ctx context.Context, tx *Transaction) error {
	p.rec.add(p.name + ".abort")
	return p.abortErr
}

func (p *fakeParticipant) TypeName() string { return p.name }

type fakeListener struct {
	rec       *recorder
	beforeErr error
}

func (l *fakeListener) BeforeCompletion(ctx context.Context) error {
	l.rec.add("before")
	return l.beforeErr
}

func (l *fakeListener) AfterCompletion(ctx context.Context, committed bool) {
	l.rec.add(fmt.Sprintf("after:%t", committed))
}

func (l *fakeListener) TypeName() string { return "listener" }

func newCoord(t *testing.T, opt bool) *Coordinator {
	t.Helper()
	return NewCoordinator(Config{DisablePrepareAndCommitOpt: !opt})
}

func TestCommitNoParticipantsFiresListenersOnce(t *testing.T) {
	for _, opt := range []bool{true, false} {
		t.Run(fmt.Sprintf("opt=%t", opt), func(t *testing.T) {
			rec := &recorder{}
			h := newCoord(t, opt).CreateTransaction(false)
			l := &fakeListener{rec: rec}
			require.NoError(t, h.Transaction().RegisterListener(l))
			require.NoError(t, h.Transaction().RegisterListener(l))

			require.NoError(t, h.Commit(context.Background()))
			require.Equal(t, Committed, h.Transaction().State())
			require.Equal(t, []string{"before", "after:true"}, rec.snapshot())
		})
	}
}

func TestCommitTwoPhases(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, false).CreateTransaction(false)
	tx := h.Transaction()
	a := &fakeParticipant{name: "a", rec: rec}
	b := &fakeParticipant{name: "b", rec: rec}
	require.NoError(t, tx.Join(a))
	require.NoError(t, tx.Join(b))
	require.NoError(t, tx.Join(a))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"a.prepare", "b.prepare", "a.commit", "b.commit"}, rec.snapshot())
	require.Equal(t, Committed, tx.State())
}

func TestAllReadOnlySkipsCommit(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, false).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec, readOnly: true}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "b", rec: rec, readOnly: true}))

	allRO, err := h.Prepare(context.Background())
	require.NoError(t, err)
	require.True(t, allRO)
	require.Equal(t, Prepared, tx.State())

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"a.prepare", "b.prepare"}, rec.snapshot())
	require.Equal(t, Committed, tx.State())
}

func TestPrepareAndCommitForSingleWriter(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "ro", rec: rec, readOnly: true}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "w", rec: rec}))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"ro.prepare", "w.prepareAndCommit"}, rec.snapshot())
	require.Equal(t, Committed, tx.State())
}

func TestOptimizationFallsBackWithTwoWriters(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "b", rec: rec}))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"a.prepare", "b.prepare", "a.commit", "b.commit"}, rec.snapshot())
}

func TestCommitPhaseIgnoresCallerCancellation(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, false).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec, honorCtx: true}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "b", rec: rec, honorCtx: true}))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.Prepare(ctx)
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Commit(ctx))
	require.Equal(t, Committed, tx.State())
	require.NoError(t, tx.SecondaryErrors())
	require.Equal(t, []string{"a.prepare", "b.prepare", "a.commit", "b.commit"}, rec.snapshot())
}

func TestPrepareAndCommitIgnoresCallerCancellation(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "w", rec: rec, honorCtx: true}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.Commit(ctx))
	require.Equal(t, Committed, tx.State())
	require.Equal(t, []string{"w.prepareAndCommit"}, rec.snapshot())
}

func TestPrepareFailureAbortsEveryParticipant(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	h := newCoord(t, false).CreateTransaction(false)
	tx := h.Transaction()
	l := &fakeListener{rec: rec}
	require.NoError(t, tx.RegisterListener(l))
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec, prepareErr: boom}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "b", rec: rec}))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, Aborted, tx.State())
	require.ErrorIs(t, tx.AbortCause(), boom)
	require.Equal(t, []string{"before", "a.prepare", "a.abort", "b.abort", "after:false"}, rec.snapshot())
}

func TestParticipantAbortsDuringPrepare(t *testing.T) {
	rec := &recorder{}
	cause := errors.New("conflict")
	h := newCoord(t, false).CreateTransaction(false)
	tx := h.Transaction()
	a := &fakeParticipant{name: "a", rec: rec, onPrepare: func(tx *Transaction) {
		_ = tx.Abort(context.Background(), cause)
	}}
	require.NoError(t, tx.Join(a))

	err := h.Commit(context.Background())
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestListenerFailureAborts(t *testing.T) {
	rec := &recorder{}
	veto := errors.New("veto")
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.RegisterListener(&fakeListener{rec: rec, beforeErr: veto}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec}))

	require.ErrorIs(t, h.Commit(context.Background()), veto)
	require.Equal(t, []string{"before", "a.abort", "after:false"}, rec.snapshot())
}

func TestAbortSemantics(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec, abortErr: errors.New("secondary")}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "b", rec: rec}))

	require.NoError(t, tx.Abort(context.Background(), nil))
	require.True(t, tx.IsAborted())
	require.ErrorIs(t, tx.AbortCause(), ErrAborted)
	require.Equal(t, []string{"a.abort", "b.abort"}, rec.snapshot())
	require.Error(t, tx.SecondaryErrors())

	require.ErrorIs(t, tx.Abort(context.Background(), nil), ErrNotActive)
	require.ErrorIs(t, tx.Join(&fakeParticipant{name: "c", rec: rec}), ErrNotActive)
	require.ErrorIs(t, h.Commit(context.Background()), ErrNotActive)
	require.Len(t, rec.snapshot(), 2)
}

func TestAbortDuringAbortIsNoop(t *testing.T) {
	rec := &recorder{}
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	reentrant := &reentrantAborter{rec: rec}
	require.NoError(t, tx.Join(reentrant))
	require.NoError(t, tx.Abort(context.Background(), errors.New("x")))
	require.NoError(t, reentrant.nestedErr)
	require.Equal(t, []string{"abort"}, rec.snapshot())
}

type reentrantAborter struct {
	fakeParticipant
	rec       *recorder
	nestedErr error
}

func (r *reentrantAborter) Abort(ctx context.Context, tx *Transaction) error {
	r.rec.add("abort")
	r.nestedErr = tx.Abort(ctx, errors.New("again"))
	return nil
}

func TestCommittedTransactionRejectsAbortAndJoin(t *testing.T) {
	h := newCoord(t, true).CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, h.Commit(context.Background()))
	require.ErrorIs(t, tx.Abort(context.Background(), nil), ErrIllegalState)
	require.ErrorIs(t, tx.Join(&fakeParticipant{name: "a", rec: &recorder{}}), ErrNotActive)
	require.ErrorIs(t, h.Commit(context.Background()), ErrIllegalState)
	require.ErrorIs(t, tx.CheckTimeout(context.Background()), ErrNotActive)
}

func TestCheckTimeout(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoordinator(Config{BoundedTimeout: 50 * time.Millisecond}, WithClock(mock))
	rec := &recorder{}
	h := c.CreateTransaction(false)
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "a", rec: rec}))

	require.NoError(t, tx.CheckTimeout(context.Background()))
	mock.Add(51 * time.Millisecond)

	err := tx.CheckTimeout(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, Aborted, tx.State())
	require.Equal(t, []string{"a.abort"}, rec.snapshot())
	require.ErrorIs(t, tx.CheckTimeout(context.Background()), ErrNotActive)

	unbounded := c.CreateTransaction(true).Transaction()
	mock.Add(time.Hour)
	require.NoError(t, unbounded.CheckTimeout(context.Background()))
}

type detailObserver struct {
	committed bool
	details   []ParticipantDetail
}

func (o *detailObserver) TransactionCompleted(tx *Transaction, committed bool, details []ParticipantDetail) {
	o.committed = committed
	o.details = details
}

func TestObserverReceivesDetails(t *testing.T) {
	rec := &recorder{}
	obs := &detailObserver{}
	h := newCoord(t, true).CreateTransaction(false, WithObserver(obs))
	tx := h.Transaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "ro", rec: rec, readOnly: true}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "w", rec: rec}))
	require.NoError(t, h.Commit(context.Background()))

	require.True(t, obs.committed)
	require.Len(t, obs.details, 2)
	require.Equal(t, "ro", obs.details[0].Name)
	require.True(t, obs.details[0].Prepared)
	require.True(t, obs.details[0].ReadOnly)
	require.Equal(t, "w", obs.details[1].Name)
	require.True(t, obs.details[1].CommittedDirectly)
}

func TestIDsAreMonotonic(t *testing.T) {
	c := newCoord(t, true)
	a := c.CreateTransaction(false).Transaction()
	b := c.CreateTransaction(false).Transaction()
	require.Greater(t, b.ID(), a.ID())
	require.Len(t, a.IDBytes(), 8)
	require.Equal(t, DefaultBoundedTimeout, c.DefaultTimeout())
	require.Equal(t, DefaultBoundedTimeout, a.Timeout())
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	require.False(t, IsActive(ctx))
	_, err := Current(ctx)
	require.ErrorIs(t, err, ErrNotActive)

	h := newCoord(t, true).CreateTransaction(false)
	ctx = WithTransaction(ctx, h.Transaction())
	require.True(t, IsActive(ctx))
	require.NoError(t, h.Commit(ctx))
	require.False(t, IsActive(ctx))
}
