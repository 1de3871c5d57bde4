package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"txkernel/internal/kernel/identity"
)

var testOwner = identity.Owner{Identity: identity.New("tester"), App: identity.NewAppContext("test")}

func newTestTask() *ScheduledTask {
	return NewScheduled(New("noop", nil), testOwner, PriorityNormal, time.Unix(100, 0))
}

func TestCancelSettledTaskReturnsFalse(t *testing.T) {
	st := newTestTask()
	if !st.MarkDone(nil) {
		t.Fatalf("MarkDone should settle a pending task")
	}
	if st.Cancel() {
		t.Fatalf("Cancel on a done task must return false")
	}
	if st.Status() != StatusSucceeded {
		t.Fatalf("status=%s", st.Status())
	}
	if err := st.Wait(context.Background()); err != nil {
		t.Fatalf("Wait=%v", err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	st := newTestTask()
	if !st.Cancel() {
		t.Fatalf("Cancel on a pending task must succeed")
	}
	if st.Cancel() {
		t.Fatalf("second Cancel must return false")
	}
	if st.MarkRunning() {
		t.Fatalf("cancelled task must not start")
	}
	if st.MarkDone(nil) {
		t.Fatalf("cancelled task must not become done")
	}
	if err := st.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait=%v want ErrCancelled", err)
	}
}

func TestCancelBlocksWhileRunning(t *testing.T) {
	tests := []struct {
		name   string
		finish func(st *ScheduledTask)
		want   bool
		status Status
	}{
		{"run succeeds", func(st *ScheduledTask) { st.MarkDone(nil) }, false, StatusSucceeded},
		{"run fails", func(st *ScheduledTask) { st.MarkDone(errors.New("x")) }, false, StatusFailed},
		{"attempt ends unsettled", func(st *ScheduledTask) { st.MarkIdle() }, true, StatusCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newTestTask()
			if !st.MarkRunning() {
				t.Fatalf("MarkRunning failed")
			}
			res := make(chan bool, 1)
			go func() { res <- st.Cancel() }()

			select {
			case <-res:
				t.Fatalf("Cancel returned while the task was running")
			case <-time.After(30 * time.Millisecond):
			}
			if st.TryCancel() {
				t.Fatalf("TryCancel must not cancel a running task")
			}

			tc.finish(st)
			select {
			case got := <-res:
				if got != tc.want {
					t.Fatalf("Cancel=%t want %t", got, tc.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("Cancel did not return after the run ended")
			}
			if st.Status() != tc.status {
				t.Fatalf("status=%s want %s", st.Status(), tc.status)
			}
		})
	}
}

func TestWaitHonoursContext(t *testing.T) {
	st := newTestTask()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := st.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait=%v", err)
	}
}

func TestTryCount(t *testing.T) {
	st := newTestTask()
	for i := 1; i <= 3; i++ {
		if got := st.IncrementTryCount(); got != i {
			t.Fatalf("IncrementTryCount=%d want %d", got, i)
		}
	}
	if st.TryCount() != 3 {
		t.Fatalf("TryCount=%d", st.TryCount())
	}
}

func TestRecurringNext(t *testing.T) {
	start := time.Unix(1000, 0)
	st := NewRecurring(New("tick", nil), testOwner, PriorityHigh, start, Period(time.Second))
	if !st.IsRecurring() || st.Series().Current() != st {
		t.Fatalf("first occurrence should be current")
	}

	next := st.Next()
	if next == nil {
		t.Fatalf("expected a next occurrence")
	}
	if !next.StartTime().Equal(start.Add(time.Second)) {
		t.Fatalf("next start=%s", next.StartTime())
	}
	if next.ID() == st.ID() || next.TryCount() != 0 || next.Priority() != PriorityHigh {
		t.Fatalf("next occurrence must be a fresh task: %s", next)
	}
	if st.Series().Current() != next {
		t.Fatalf("series should track the latest occurrence")
	}

	cur, ok := st.Series().Cancel()
	if !ok || cur != next {
		t.Fatalf("Cancel=%v,%t", cur, ok)
	}
	if _, ok := st.Series().Cancel(); ok {
		t.Fatalf("second series Cancel must report false")
	}
	if next.Next() != nil {
		t.Fatalf("cancelled series must not produce occurrences")
	}
	if newTestTask().Next() != nil {
		t.Fatalf("one-shot task must not recur")
	}
}

func TestParseRecurrence(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		spec    string
		want    time.Time
		wantErr bool
	}{
		{spec: "250ms", want: base.Add(250 * time.Millisecond)},
		{spec: "*/15 * * * *", want: base.Add(15 * time.Minute)},
		{spec: "@hourly", want: base.Add(time.Hour)},
		{spec: "-1s", wantErr: true},
		{spec: "", wantErr: true},
		{spec: "not a schedule", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			r, err := ParseRecurrence(tc.spec)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecurrence: %v", err)
			}
			if got := r.Next(base); !got.Equal(tc.want) {
				t.Fatalf("Next=%s want %s", got, tc.want)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	if p, ok := ParsePriority("HIGH"); !ok || p != PriorityHigh {
		t.Fatalf("ParsePriority(HIGH)=%v,%t", p, ok)
	}
	if _, ok := ParsePriority("urgent"); ok {
		t.Fatalf("unknown priority should not parse")
	}
}
