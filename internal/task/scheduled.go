package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"txkernel/internal/kernel/identity"
)

// Status is the lifecycle position of a ScheduledTask.
type Status uint8

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Settled reports whether the status is terminal.
func (s Status) Settled() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Lane identifies the serialization lane a task belongs to.
type Lane interface {
	LaneID() uint64
}

// ScheduledTask is a Task plus its scheduling metadata. It doubles as the
// completion future: Done, Wait and Cancel observe its terminal state.
//
// Done (success or failure) and cancelled are mutually exclusive and, once
// reached, never change.
type ScheduledTask struct {
	id       uuid.UUID
	task     Task
	owner    identity.Owner
	priority Priority
	series   *Series
	lane     Lane

	mu        sync.Mutex
	startTime time.Time
	tryCount  int
	status    Status
	err       error
	done      chan struct{}
	idle      chan struct{}
	onCancel  func(*ScheduledTask)
}

func newScheduled(t Task, owner identity.Owner, priority Priority, start time.Time) *ScheduledTask {
	idle := make(chan struct{})
	close(idle)
	return &ScheduledTask{
		id:        uuid.New(),
		task:      t,
		owner:     owner,
		priority:  priority,
		startTime: start,
		done:      make(chan struct{}),
		idle:      idle,
	}
}

// NewScheduled wraps t for one-shot execution at start.
func NewScheduled(t Task, owner identity.Owner, priority Priority, start time.Time) *ScheduledTask {
	return newScheduled(t, owner, priority, start)
}

// NewRecurring wraps t as the first occurrence of a recurring series.
func NewRecurring(t Task, owner identity.Owner, priority Priority, start time.Time, r Recurrence) *ScheduledTask {
	st := newScheduled(t, owner, priority, start)
	st.series = &Series{recurrence: r, current: st}
	return st
}

func (t *ScheduledTask) ID() uuid.UUID         { return t.id }
func (t *ScheduledTask) Task() Task            { return t.task }
func (t *ScheduledTask) Owner() identity.Owner { return t.owner }
func (t *ScheduledTask) Priority() Priority    { return t.priority }
func (t *ScheduledTask) Series() *Series       { return t.series }
func (t *ScheduledTask) IsRecurring() bool     { return t.series != nil }
func (t *ScheduledTask) Lane() Lane            { return t.lane }
func (t *ScheduledTask) Done() <-chan struct{} { return t.done }
func (t *ScheduledTask) BaseType() string      { return t.task.BaseType() }
func (t *ScheduledTask) Recurrence() Recurrence {
	if t.series == nil {
		return nil
	}
	return t.series.recurrence
}

// BindLane sets queue affinity. It must be called before submission.
func (t *ScheduledTask) BindLane(l Lane) { t.lane = l }

// OnCancel registers fn to run, outside the task's lock, after a successful
// Cancel or TryCancel. The queue holding the task uses it to stop counting
// the task as ready.
func (t *ScheduledTask) OnCancel(fn func(*ScheduledTask)) {
	t.mu.Lock()
	t.onCancel = fn
	t.mu.Unlock()
}

func (t *ScheduledTask) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// ResetStartTime moves the requested start to now.
func (t *ScheduledTask) ResetStartTime(now time.Time) {
	t.mu.Lock()
	t.startTime = now
	t.mu.Unlock()
}

func (t *ScheduledTask) TryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tryCount
}

// IncrementTryCount records the start of another attempt and returns the new count.
func (t *ScheduledTask) IncrementTryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tryCount++
	return t.tryCount
}

func (t *ScheduledTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the failure once the task has settled as failed or cancelled.
func (t *ScheduledTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// MarkRunning claims the task for an attempt. It fails once the task has settled.
func (t *ScheduledTask) MarkRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Settled() {
		return false
	}
	if t.status != StatusRunning {
		t.status = StatusRunning
		t.idle = make(chan struct{})
	}
	return true
}

// MarkIdle ends an attempt that did not settle the task, waking a blocked Cancel.
func (t *ScheduledTask) MarkIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	t.status = StatusPending
	close(t.idle)
}

// MarkDone settles the task as succeeded (err == nil) or failed.
// It reports false if the task had already settled.
func (t *ScheduledTask) MarkDone(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Settled() {
		return false
	}
	wasRunning := t.status == StatusRunning
	if err == nil {
		t.status = StatusSucceeded
	} else {
		t.status = StatusFailed
		t.err = err
	}
	close(t.done)
	if wasRunning {
		close(t.idle)
	}
	return true
}

// Cancel settles the task as cancelled. If an attempt is running it blocks
// until that attempt ends; it never interrupts it. It returns false if the
// task was already settled, or settled during the attempt it waited for.
func (t *ScheduledTask) Cancel() bool {
	t.mu.Lock()
	for t.status == StatusRunning {
		idle := t.idle
		t.mu.Unlock()
		<-idle
		t.mu.Lock()
	}
	return t.cancelAndUnlock()
}

// TryCancel cancels the task only if no attempt is running.
func (t *ScheduledTask) TryCancel() bool {
	t.mu.Lock()
	if t.status == StatusRunning {
		t.mu.Unlock()
		return false
	}
	return t.cancelAndUnlock()
}

// cancelAndUnlock must be entered with t.mu held.
func (t *ScheduledTask) cancelAndUnlock() bool {
	if t.status.Settled() {
		t.mu.Unlock()
		return false
	}
	t.status = StatusCancelled
	t.err = ErrCancelled
	close(t.done)
	hook := t.onCancel
	t.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return true
}

// Wait blocks until the task settles or ctx is done. It returns nil on
// success, the failure on a failed task and ErrCancelled on a cancelled one.
func (t *ScheduledTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Next returns the following occurrence of a recurring task, or nil if the
// task does not recur or its series was cancelled.
func (t *ScheduledTask) Next() *ScheduledTask {
	if t.series == nil {
		return nil
	}
	n := t.series.next(t)
	if n != nil {
		n.lane = t.lane
	}
	return n
}

func (t *ScheduledTask) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("task[id:%s type:%s owner:%s priority:%s start:%s tries:%d status:%s]",
		t.id, t.task.BaseType(), t.owner, t.priority, t.startTime.Format(time.RFC3339Nano), t.tryCount, t.status)
}
