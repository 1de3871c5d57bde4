package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/raulk/clock"

	"txkernel/internal/task"
	logx "txkernel/pkg/logx"
)

var (
	// ErrShutdown is returned by Next once the queue has shut down.
	ErrShutdown = errors.New("schedule: queue shut down")
	// ErrRejected is returned when a task cannot be accepted.
	ErrRejected = errors.New("schedule: task rejected")
	// ErrIllegalState reports misuse of a reservation or recurring handle.
	ErrIllegalState = errors.New("schedule: illegal state")
	ErrUnknownQueue = errors.New("schedule: unknown queue implementation")
)

// Queue is the ordering policy between submitters and consumers.
type Queue interface {
	// Reserve sets aside room for t without making it ready.
	Reserve(t *task.ScheduledTask) (*Reservation, error)
	Add(t *task.ScheduledTask) error
	// AddRecurring returns a handle that must be started before the first
	// occurrence becomes ready.
	AddRecurring(t *task.ScheduledTask) (*RecurringHandle, error)
	// Next returns the next ready task. With wait it blocks until one is
	// ready, ctx is done or the queue shuts down; without wait it returns
	// (nil, nil) when nothing is ready.
	Next(ctx context.Context, wait bool) (*task.ScheduledTask, error)
	ReadyCount() int
	// NotifyCancelled drops a cancelled task from the queue.
	NotifyCancelled(t *task.ScheduledTask)
	Shutdown()
}

const (
	FIFO     = "fifo"
	Priority = "priority"
)

// Options configures a queue implementation.
type Options struct {
	Clock clock.Clock
	Log   logx.Logger
}

// Names lists the selectable implementations.
func Names() []string {
	names := []string{FIFO, Priority}
	sort.Strings(names)
	return names
}

// New builds the implementation registered under name. An empty name selects FIFO.
func New(name string, opts Options) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FIFO:
		return NewFIFO(opts), nil
	case Priority:
		return NewPriority(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownQueue, name, strings.Join(Names(), ", "))
	}
}

// Reservation holds a task that is added to its queue on Use. Use and
// Cancel are mutually exclusive and may each succeed once.
type Reservation struct {
	q Queue
	t *task.ScheduledTask

	mu   sync.Mutex
	done bool
}

func (r *Reservation) Task() *task.ScheduledTask { return r.t }

// Use submits the reserved task.
func (r *Reservation) Use() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return fmt.Errorf("%w: reservation already used or cancelled", ErrIllegalState)
	}
	r.done = true
	r.mu.Unlock()
	return r.q.Add(r.t)
}

// Cancel releases the reservation and cancels its task.
func (r *Reservation) Cancel() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return fmt.Errorf("%w: reservation already used or cancelled", ErrIllegalState)
	}
	r.done = true
	r.mu.Unlock()
	r.t.TryCancel()
	return nil
}

// RecurringHandle controls a recurring series.
type RecurringHandle struct {
	q     Queue
	first *task.ScheduledTask

	mu      sync.Mutex
	started bool
}

func (h *RecurringHandle) Series() *task.Series { return h.first.Series() }

// Start makes the first occurrence ready. It may be called once and not
// after Cancel.
func (h *RecurringHandle) Start() error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("%w: recurring task already started", ErrIllegalState)
	}
	if h.first.Series().Cancelled() {
		h.mu.Unlock()
		return fmt.Errorf("%w: recurring task cancelled", ErrIllegalState)
	}
	h.started = true
	h.mu.Unlock()
	return h.q.Add(h.first)
}

// Cancel stops future occurrences. A running occurrence finishes; a waiting
// one is dropped.
func (h *RecurringHandle) Cancel() error {
	cur, ok := h.first.Series().Cancel()
	if !ok {
		return fmt.Errorf("%w: recurring task already cancelled", ErrIllegalState)
	}
	if cur != nil && cur.TryCancel() {
		h.q.NotifyCancelled(cur)
	}
	return nil
}
