package profile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raulk/clock"

	"txkernel/internal/eventbus"
	"txkernel/internal/kernel/identity"
	"txkernel/internal/kernel/txn"
	"txkernel/internal/storage"
	"txkernel/internal/task"
	logx "txkernel/pkg/logx"
)

func newTask(name string) *task.ScheduledTask {
	owner := identity.Owner{Identity: identity.New("alice"), App: identity.NewAppContext("game")}
	return task.NewScheduled(task.New(name, nil), owner, task.PriorityNormal, time.Unix(10, 0))
}

func TestRecorderLifecycle(t *testing.T) {
	mock := clock.NewMock()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	c := New(Config{HistorySize: 2}, logx.Nop(), bus, nil, WithClock(mock))
	c.ThreadAdded()
	c.ThreadAdded()
	c.ThreadRemoved()
	if c.Threads() != 1 {
		t.Fatalf("threads=%d", c.Threads())
	}

	rec := c.StartTask(newTask("transfer"), 4)
	rec.NoteTransactional(7)
	rec.TransactionCompleted(nil, true, []txn.ParticipantDetail{{Name: "kv", Prepared: true, Committed: true}})
	mock.Add(3 * time.Millisecond)
	rec.Finish(2, nil)
	rec.Finish(3, errors.New("ignored"))

	hist := c.History()
	if len(hist) != 1 {
		t.Fatalf("history=%d", len(hist))
	}
	rep := hist[0]
	if !rep.Succeeded || rep.TryCount != 2 || rep.TxnID != 7 || !rep.Transactional || rep.ReadyDepth != 4 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Duration != 3*time.Millisecond || rep.Owner != "alice@game" || len(rep.Participants) != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	if got := testutil.ToFloat64(c.metrics.tasks.WithLabelValues("transfer", "succeeded")); got != 1 {
		t.Fatalf("tasks metric=%v", got)
	}
	if got := testutil.ToFloat64(c.metrics.participants.WithLabelValues("kv", "committed")); got != 1 {
		t.Fatalf("participant metric=%v", got)
	}
	if got := testutil.ToFloat64(c.metrics.consumers); got != 1 {
		t.Fatalf("consumers gauge=%v", got)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.TaskStarted || types[1] != eventbus.TaskFinished {
		t.Fatalf("events=%v", types)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	c := New(Config{HistorySize: 2}, logx.Nop(), nil, nil)
	for _, name := range []string{"a", "b", "c"} {
		c.StartTask(newTask(name), 0).Finish(1, nil)
	}
	hist := c.History()
	if len(hist) != 2 || hist[0].BaseType != "b" || hist[1].BaseType != "c" {
		t.Fatalf("history=%+v", hist)
	}
	if c.Snapshot().Reports != 3 {
		t.Fatalf("reports=%d", c.Snapshot().Reports)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ThreadAdded()
	c.NoteRetry("x")
	rec := c.StartTask(newTask("x"), 0)
	rec.NoteTransactional(1)
	rec.Finish(1, nil)
	if c.History() != nil || c.Threads() != 0 {
		t.Fatalf("nil collector should report nothing")
	}
}

func TestPersistence(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "reports")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	c := New(Config{Persist: true}, logx.Nop(), nil, st)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	rec := c.StartTask(newTask("persisted"), 0)
	rec.TransactionCompleted(nil, false, []txn.ParticipantDetail{{Name: "kv", Aborted: true}})
	rec.Finish(1, errors.New("boom"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		reps, err := st.RecentReports(context.Background(), 1)
		if err != nil {
			t.Fatalf("RecentReports: %v", err)
		}
		if len(reps) == 1 {
			if reps[0].Succeeded || reps[0].Error != "boom" || reps[0].DetailsJSON == "" {
				t.Fatalf("unexpected stored report: %+v", reps[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("report was not persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
