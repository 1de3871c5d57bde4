package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"txkernel/internal/kernel/identity"
	"txkernel/internal/task"
)

var owner = identity.Owner{Identity: identity.New("tester")}

func scheduled(name string, p task.Priority, start time.Time) *task.ScheduledTask {
	return task.NewScheduled(task.New(name, nil), owner, p, start)
}

func drain(t *testing.T, q Queue) []string {
	t.Helper()
	var got []string
	for {
		st, err := q.Next(context.Background(), false)
		require.NoError(t, err)
		if st == nil {
			return got
		}
		got = append(got, st.BaseType())
	}
}

func TestFIFOPreservesSubmissionOrder(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})
	now := mock.Now()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, q.Add(scheduled(n, task.PriorityNormal, now)))
	}
	require.Equal(t, 3, q.ReadyCount())
	require.Equal(t, []string{"a", "b", "c"}, drain(t, q))
}

func TestFIFOTiesBrokenByPriority(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})
	now := mock.Now()
	require.NoError(t, q.Add(scheduled("early", task.PriorityLow, now.Add(-time.Second))))
	require.NoError(t, q.Add(scheduled("low", task.PriorityLow, now)))
	require.NoError(t, q.Add(scheduled("high", task.PriorityHigh, now)))
	require.Equal(t, []string{"early", "high", "low"}, drain(t, q))
}

func TestPriorityPolicy(t *testing.T) {
	mock := clock.NewMock()
	q, err := New("priority", Options{Clock: mock})
	require.NoError(t, err)
	now := mock.Now()
	require.NoError(t, q.Add(scheduled("low", task.PriorityLow, now.Add(-time.Second))))
	require.NoError(t, q.Add(scheduled("n1", task.PriorityNormal, now)))
	require.NoError(t, q.Add(scheduled("high", task.PriorityHigh, now)))
	require.NoError(t, q.Add(scheduled("n2", task.PriorityNormal, now)))
	require.Equal(t, []string{"high", "n1", "n2", "low"}, drain(t, q))
}

func TestUnknownImplementation(t *testing.T) {
	_, err := New("lifo", Options{})
	require.ErrorIs(t, err, ErrUnknownQueue)
	q, err := New("", Options{})
	require.NoError(t, err)
	require.Equal(t, FIFO, q.(*HeapQueue).Name())
}

func TestDelayedTaskBecomesReady(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})
	require.NoError(t, q.Add(scheduled("later", task.PriorityNormal, mock.Now().Add(time.Minute))))

	st, err := q.Next(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, st)
	require.Equal(t, 0, q.ReadyCount())

	mock.Add(time.Minute)
	require.Equal(t, 1, q.ReadyCount())
	require.Equal(t, []string{"later"}, drain(t, q))
}

func TestNextBlocksUntilAdd(t *testing.T) {
	q := NewFIFO(Options{})
	got := make(chan *task.ScheduledTask, 1)
	go func() {
		st, _ := q.Next(context.Background(), true)
		got <- st
	}()

	select {
	case <-got:
		t.Fatalf("Next returned before anything was added")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, q.Add(scheduled("x", task.PriorityNormal, time.Now())))
	select {
	case st := <-got:
		require.Equal(t, "x", st.BaseType())
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not wake up")
	}
}

func TestNextWaitsForDelayedStart(t *testing.T) {
	q := NewFIFO(Options{})
	start := time.Now().Add(30 * time.Millisecond)
	require.NoError(t, q.Add(scheduled("soon", task.PriorityNormal, start)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := q.Next(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "soon", st.BaseType())
	require.False(t, time.Now().Before(start))
}

func TestShutdownUnblocksAndRejects(t *testing.T) {
	q := NewFIFO(Options{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background(), true)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Shutdown()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not return after shutdown")
	}
	require.ErrorIs(t, q.Add(scheduled("late", task.PriorityNormal, time.Now())), ErrRejected)
	_, err := q.Reserve(scheduled("late", task.PriorityNormal, time.Now()))
	require.ErrorIs(t, err, ErrRejected)
}

func TestNextHonoursContext(t *testing.T) {
	q := NewFIFO(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Next(ctx, true)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestNotifyCancelledSkipsTask(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})
	a := scheduled("a", task.PriorityNormal, mock.Now())
	b := scheduled("b", task.PriorityNormal, mock.Now())
	require.NoError(t, q.Add(a))
	require.NoError(t, q.Add(b))

	require.True(t, a.Cancel())
	q.NotifyCancelled(a)
	require.Equal(t, 1, q.ReadyCount())
	require.Equal(t, []string{"b"}, drain(t, q))
}

type testLane uint64

func (l testLane) LaneID() uint64 { return uint64(l) }

func TestCancelUpdatesReadyCount(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})
	a := scheduled("a", task.PriorityNormal, mock.Now())
	b := scheduled("b", task.PriorityNormal, mock.Now())
	laned := scheduled("laned", task.PriorityNormal, mock.Now())
	laned.BindLane(testLane(1))
	later := scheduled("later", task.PriorityNormal, mock.Now().Add(time.Minute))
	for _, st := range []*task.ScheduledTask{a, b, laned, later} {
		require.NoError(t, q.Add(st))
	}
	require.Equal(t, 3, q.ReadyCount())

	require.True(t, a.Cancel())
	require.True(t, laned.Cancel())
	require.True(t, later.TryCancel())
	require.Equal(t, 1, q.ReadyCount())

	// The cancelled lane member is still handed out so its lane can move on.
	require.Equal(t, []string{"b", "laned"}, drain(t, q))
	require.Equal(t, 0, q.ReadyCount())

	mock.Add(2 * time.Minute)
	require.Equal(t, 0, q.ReadyCount())
	require.Empty(t, drain(t, q))
}

func TestReservation(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})

	used, err := q.Reserve(scheduled("used", task.PriorityNormal, mock.Now()))
	require.NoError(t, err)
	require.NoError(t, used.Use())
	require.ErrorIs(t, used.Use(), ErrIllegalState)
	require.ErrorIs(t, used.Cancel(), ErrIllegalState)

	dropped, err := q.Reserve(scheduled("dropped", task.PriorityNormal, mock.Now()))
	require.NoError(t, err)
	require.NoError(t, dropped.Cancel())
	require.ErrorIs(t, dropped.Use(), ErrIllegalState)
	require.Equal(t, task.StatusCancelled, dropped.Task().Status())

	require.Equal(t, []string{"used"}, drain(t, q))
}

func TestRecurringHandle(t *testing.T) {
	mock := clock.NewMock()
	q := NewFIFO(Options{Clock: mock})
	first := task.NewRecurring(task.New("tick", nil), owner, task.PriorityNormal, mock.Now(), task.Period(time.Second))

	_, err := q.AddRecurring(scheduled("one-shot", task.PriorityNormal, mock.Now()))
	require.ErrorIs(t, err, ErrRejected)

	h, err := q.AddRecurring(first)
	require.NoError(t, err)
	require.Equal(t, 0, q.ReadyCount())
	require.NoError(t, h.Start())
	require.ErrorIs(t, h.Start(), ErrIllegalState)
	require.Equal(t, 1, q.ReadyCount())

	require.NoError(t, h.Cancel())
	require.ErrorIs(t, h.Cancel(), ErrIllegalState)
	require.Equal(t, 0, q.ReadyCount())
	require.Nil(t, first.Next())
}

func TestRecurringHandleCancelBeforeStart(t *testing.T) {
	q := NewFIFO(Options{})
	first := task.NewRecurring(task.New("tick", nil), owner, task.PriorityNormal, time.Now(), task.Period(time.Second))
	h, err := q.AddRecurring(first)
	require.NoError(t, err)
	require.NoError(t, h.Cancel())
	require.ErrorIs(t, h.Start(), ErrIllegalState)
}
