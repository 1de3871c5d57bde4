package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/zyedidia/generic/heap"

	"txkernel/internal/task"
	logx "txkernel/pkg/logx"
)

type entry struct {
	t       *task.ScheduledTask
	seq     uint64
	start   time.Time
	ready   bool
	removed bool

	// uncounted entries stay queued but no longer count toward live.
	uncounted bool
}

// HeapQueue keeps not-yet-due tasks in a start-time heap and ready tasks in
// a heap ordered by the policy comparator.
type HeapQueue struct {
	name  string
	clock clock.Clock
	log   logx.Logger

	mu       sync.Mutex
	delayed  *heap.Heap[*entry]
	ready    *heap.Heap[*entry]
	byTask   map[*task.ScheduledTask]*entry
	live     int
	seq      uint64
	wake     chan struct{}
	shutdown bool
}

func byStart(a, b *entry) bool {
	if !a.start.Equal(b.start) {
		return a.start.Before(b.start)
	}
	return a.seq < b.seq
}

// fifoLess: earliest readiness first, ties by priority then arrival.
func fifoLess(a, b *entry) bool {
	if !a.start.Equal(b.start) {
		return a.start.Before(b.start)
	}
	if a.t.Priority() != b.t.Priority() {
		return a.t.Priority() > b.t.Priority()
	}
	return a.seq < b.seq
}

// priorityLess: highest priority first, then FIFO.
func priorityLess(a, b *entry) bool {
	if a.t.Priority() != b.t.Priority() {
		return a.t.Priority() > b.t.Priority()
	}
	return fifoLess(a, b)
}

// NewFIFO returns the default arrival-order queue.
func NewFIFO(opts Options) *HeapQueue { return newHeapQueue(FIFO, fifoLess, opts) }

// NewPriority returns a queue releasing higher priorities first.
func NewPriority(opts Options) *HeapQueue { return newHeapQueue(Priority, priorityLess, opts) }

func newHeapQueue(name string, less func(a, b *entry) bool, opts Options) *HeapQueue {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &HeapQueue{
		name:    name,
		clock:   clk,
		log:     opts.Log.With(logx.Comp("schedule"), logx.String("queue", name)),
		delayed: heap.New[*entry](byStart),
		ready:   heap.New[*entry](less),
		byTask:  map[*task.ScheduledTask]*entry{},
		wake:    make(chan struct{}),
	}
}

func (q *HeapQueue) Name() string { return q.name }

func (q *HeapQueue) Reserve(t *task.ScheduledTask) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return nil, ErrRejected
	}
	return &Reservation{q: q, t: t}, nil
}

func (q *HeapQueue) Add(t *task.ScheduledTask) error {
	if t == nil {
		return ErrRejected
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return ErrRejected
	}
	q.seq++
	e := &entry{t: t, seq: q.seq, start: t.StartTime()}
	q.byTask[t] = e
	t.OnCancel(q.NotifyCancelled)
	if e.start.After(q.clock.Now()) {
		q.delayed.Push(e)
	} else {
		e.ready = true
		q.ready.Push(e)
		q.live++
	}
	q.broadcastLocked()
	return nil
}

func (q *HeapQueue) AddRecurring(t *task.ScheduledTask) (*RecurringHandle, error) {
	if t == nil || !t.IsRecurring() {
		return nil, ErrRejected
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return nil, ErrRejected
	}
	return &RecurringHandle{q: q, first: t}, nil
}

func (q *HeapQueue) Next(ctx context.Context, wait bool) (*task.ScheduledTask, error) {
	for {
		q.mu.Lock()
		if q.shutdown {
			q.mu.Unlock()
			return nil, ErrShutdown
		}
		now := q.clock.Now()
		q.promoteLocked(now)
		if t := q.popReadyLocked(); t != nil {
			q.mu.Unlock()
			return t, nil
		}
		if !wait {
			q.mu.Unlock()
			return nil, nil
		}

		var timer *clock.Timer
		var due <-chan time.Time
		if e, ok := q.delayed.Peek(); ok {
			timer = q.clock.Timer(e.start.Sub(now))
			due = timer.C
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// ReadyCount returns the number of due, not cancelled tasks.
func (q *HeapQueue) ReadyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(q.clock.Now())
	return q.live
}

func (q *HeapQueue) NotifyCancelled(t *task.ScheduledTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.byTask[t]
	if e == nil || e.removed || e.uncounted {
		return
	}
	if e.ready {
		q.live--
	}
	// A lane member is still handed out so its lane can advance.
	if t.Lane() != nil {
		e.uncounted = true
		return
	}
	e.removed = true
	delete(q.byTask, t)
	q.log.Debug("task removed", logx.String("task", t.ID().String()))
}

func (q *HeapQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.shutdown = true
	q.broadcastLocked()
	q.log.Debug("queue shut down", logx.Int("ready", q.live))
}

func (q *HeapQueue) promoteLocked(now time.Time) {
	for {
		e, ok := q.delayed.Peek()
		if !ok || e.start.After(now) {
			return
		}
		q.delayed.Pop()
		if e.removed {
			continue
		}
		e.ready = true
		q.ready.Push(e)
		if !e.uncounted {
			q.live++
		}
	}
}

func (q *HeapQueue) popReadyLocked() *task.ScheduledTask {
	for {
		e, ok := q.ready.Pop()
		if !ok {
			return nil
		}
		if e.removed {
			continue
		}
		if !e.uncounted {
			q.live--
		}
		delete(q.byTask, e.t)
		// Lane members are still handed out so their lane can advance.
		if e.t.Status().Settled() && e.t.Lane() == nil {
			continue
		}
		return e.t
	}
}

func (q *HeapQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
