package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zyedidia/generic/queue"

	"txkernel/internal/kernel/identity"
	"txkernel/internal/task"
	logx "txkernel/pkg/logx"
)

// TaskQueue serializes its members: at most one of them is in the scheduler
// at a time, and the next is released only once the previous finished.
// Different TaskQueues run concurrently.
type TaskQueue struct {
	s  *Service
	id uint64

	mu       sync.Mutex
	pending  *queue.Queue[*task.ScheduledTask]
	waiting  int
	inFlight bool
}

func newTaskQueue(s *Service, id uint64) *TaskQueue {
	return &TaskQueue{s: s, id: id, pending: queue.New[*task.ScheduledTask]()}
}

// LaneID implements task.Lane.
func (q *TaskQueue) LaneID() uint64 { return q.id }

// Len returns the number of members waiting behind the in-flight one.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}

// Add appends t to the lane. It is scheduled immediately when the lane is
// idle, otherwise when every earlier member has finished.
func (q *TaskQueue) Add(t task.Task, owner identity.Owner) (*task.ScheduledTask, error) {
	if t == nil {
		return nil, errors.New("task is nil")
	}
	if q.s.isShutdown() {
		return nil, ErrShutdown
	}
	st := task.NewScheduled(t, owner, task.PriorityNormal, q.s.clock.Now())
	st.BindLane(q)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight {
		q.pending.Enqueue(st)
		q.waiting++
		q.s.dependencyCount.Add(1)
		return st, nil
	}
	if err := q.s.queue.Add(st); err != nil {
		return nil, fmt.Errorf("task queue %d: %w", q.id, err)
	}
	q.inFlight = true
	return st, nil
}

// advance releases the next waiting member, if any. Its start time is reset
// so it is not treated as overdue.
func (q *TaskQueue) advance() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.pending.Empty() {
		st := q.pending.Dequeue()
		q.waiting--
		q.s.dependencyCount.Add(-1)
		st.ResetStartTime(q.s.clock.Now())
		err := q.s.queue.Add(st)
		if err == nil {
			return
		}
		q.s.log.Warn("task queue could not release member",
			logx.Uint64("lane", q.id),
			logx.String("task", st.String()),
			logx.Err(err),
		)
		st.MarkDone(err)
	}
	q.inFlight = false
}
