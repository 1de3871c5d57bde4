package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	"txkernel/internal/eventbus"
	"txkernel/internal/kernel/identity"
	"txkernel/internal/kernel/txn"
	"txkernel/internal/profile"
	rtsup "txkernel/internal/runtime/supervisor"
	"txkernel/internal/task"
	"txkernel/internal/task/schedule"
	logx "txkernel/pkg/logx"
)

// Service is the transaction scheduler: a pool of consumers that run every
// task attempt inside a fresh transaction.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	coord *txn.Coordinator
	queue schedule.Queue
	prof  *profile.Collector
	clock clock.Clock

	sup      *rtsup.Supervisor
	shutdown bool
	closed   atomic.Bool

	consumers       atomic.Int64
	dependencyCount atomic.Int64
	laneSeq         atomic.Uint64

	attempts  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64

	dropWarn *logx.Throttle
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }

// WithCollector attaches a profile collector to every attempt.
func WithCollector(c *profile.Collector) Option { return func(s *Service) { s.prof = c } }

func New(cfg Config, coord *txn.Coordinator, queue schedule.Queue, opts ...Option) *Service {
	if cfg.ConsumerThreads <= 0 {
		cfg.ConsumerThreads = DefaultConsumerThreads
	}
	s := &Service{
		cfg:      cfg,
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		coord:    coord,
		queue:    queue,
		clock:    coord.Clock(),
		dropWarn: logx.NewThrottle(5, 20),
	}
	for _, o := range opts {
		o(s)
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	s.log = s.log.With(logx.Comp("engine"))
	return s
}

// Supervisor returns the consumer supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the consumer pool. Consumers stop when ctx is cancelled or
// on Shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithClock(s.clock),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	n := s.cfg.ConsumerThreads
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("consumer.%d", idx), func(c context.Context) error {
			return s.consume(c, idx)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("consumers", n))
	return nil
}

// Shutdown rejects new work, stops the queue and cancels the consumers.
// Running attempts finish; it waits for consumers until ctx is done. A
// second call fails with ErrAlreadyShutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrAlreadyShutdown
	}
	s.shutdown = true
	s.closed.Store(true)
	sup := s.sup
	s.mu.Unlock()

	s.queue.Shutdown()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			s.log.Warn("task engine shutdown timed out", logx.Err(err))
			return err
		}
		s.log.Debug("consumer reported error before shutdown", logx.Err(err))
	}
	s.log.Info("task engine stopped")
	return nil
}

func (s *Service) isShutdown() bool { return s.closed.Load() }

func (s *Service) newScheduled(t task.Task, owner identity.Owner, opts []ScheduleOption) (*task.ScheduledTask, error) {
	if t == nil {
		return nil, errors.New("task is nil")
	}
	o := scheduleOpts{priority: task.PriorityNormal}
	for _, fn := range opts {
		fn(&o)
	}
	start := o.start
	if start.IsZero() {
		start = s.clock.Now()
	}
	if o.delay > 0 {
		start = start.Add(o.delay)
	}
	return task.NewScheduled(t, owner, o.priority, start), nil
}

// ScheduleTask submits t to run once in its own transaction. The returned
// task doubles as the completion future.
func (s *Service) ScheduleTask(t task.Task, owner identity.Owner, opts ...ScheduleOption) (*task.ScheduledTask, error) {
	if s.isShutdown() {
		return nil, ErrShutdown
	}
	st, err := s.newScheduled(t, owner, opts)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Add(st); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", t.BaseType(), err)
	}
	return st, nil
}

// ReserveTask sets t aside; it runs only once the reservation is used.
func (s *Service) ReserveTask(t task.Task, owner identity.Owner, opts ...ScheduleOption) (*schedule.Reservation, error) {
	if s.isShutdown() {
		return nil, ErrShutdown
	}
	st, err := s.newScheduled(t, owner, opts)
	if err != nil {
		return nil, err
	}
	return s.queue.Reserve(st)
}

// ScheduleRecurringTask runs t at start and then every period after the
// previous start. Nothing runs until the handle is started.
func (s *Service) ScheduleRecurringTask(t task.Task, owner identity.Owner, start time.Time, period time.Duration) (*schedule.RecurringHandle, error) {
	if period <= 0 {
		return nil, fmt.Errorf("recurring period must be > 0, got %s", period)
	}
	return s.scheduleRecurring(t, owner, start, task.Period(period), task.PriorityNormal)
}

// ScheduleCronTask runs t on a recurrence spec (cron expression or Go
// duration). Nothing runs until the handle is started. Only WithPriority is
// honoured; the first run is the spec's next fire time.
func (s *Service) ScheduleCronTask(t task.Task, owner identity.Owner, spec string, opts ...ScheduleOption) (*schedule.RecurringHandle, error) {
	r, err := task.ParseRecurrence(spec)
	if err != nil {
		return nil, err
	}
	o := scheduleOpts{priority: task.PriorityNormal}
	for _, fn := range opts {
		fn(&o)
	}
	return s.scheduleRecurring(t, owner, r.Next(s.clock.Now()), r, o.priority)
}

func (s *Service) scheduleRecurring(t task.Task, owner identity.Owner, start time.Time, r task.Recurrence, p task.Priority) (*schedule.RecurringHandle, error) {
	if s.isShutdown() {
		return nil, ErrShutdown
	}
	if t == nil {
		return nil, errors.New("task is nil")
	}
	if start.IsZero() {
		start = s.clock.Now()
	}
	return s.queue.AddRecurring(task.NewRecurring(t, owner, p, start, r))
}

// RunTask runs t on the calling goroutine and returns its permanent outcome.
// Inside an active transaction the body runs inline, joining that
// transaction. Retryable failures are retried before RunTask returns.
func (s *Service) RunTask(ctx context.Context, t task.Task, owner identity.Owner) error {
	if s.isShutdown() {
		return ErrShutdown
	}
	if t == nil {
		return errors.New("task is nil")
	}
	if txn.IsActive(ctx) {
		return t.Run(ctx)
	}
	return s.waitForTask(ctx, task.NewScheduled(t, owner, task.PriorityNormal, s.clock.Now()), false)
}

// RunUnboundedTask is RunTask with the unbounded transaction timeout. It may
// not be called from inside an active transaction.
func (s *Service) RunUnboundedTask(ctx context.Context, t task.Task, owner identity.Owner) error {
	if s.isShutdown() {
		return ErrShutdown
	}
	if t == nil {
		return errors.New("task is nil")
	}
	if txn.IsActive(ctx) {
		return ErrNestedUnbounded
	}
	return s.waitForTask(ctx, task.NewScheduled(t, owner, task.PriorityNormal, s.clock.Now()), true)
}

func (s *Service) waitForTask(ctx context.Context, st *task.ScheduledTask, unbounded bool) error {
	if err := s.executeTask(ctx, st, unbounded, true); err != nil {
		return err
	}
	// nil, or ErrCancelled when cancelled before an attempt claimed it.
	return st.Err()
}

// CreateTaskQueue returns a new serialization lane.
func (s *Service) CreateTaskQueue() (*TaskQueue, error) {
	if s.isShutdown() {
		return nil, ErrShutdown
	}
	return newTaskQueue(s, s.laneSeq.Add(1)), nil
}

// Coordinator exposes the transaction coordinator used for every attempt.
func (s *Service) Coordinator() *txn.Coordinator { return s.coord }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	sup := s.sup
	shutdown := s.shutdown
	n := s.cfg.ConsumerThreads
	s.mu.Unlock()

	return Snapshot{
		ConsumerThreads: n,
		Consumers:       s.consumers.Load(),
		Shutdown:        shutdown,
		ReadyCount:      s.queue.ReadyCount(),
		DependencyCount: s.dependencyCount.Load(),
		TaskQueues:      s.laneSeq.Load(),
		Attempts:        s.attempts.Load(),
		Succeeded:       s.succeeded.Load(),
		Failed:          s.failed.Load(),
		Retried:         s.retried.Load(),
		Dropped:         s.dropped.Load(),
		Supervisor:      sup.Snapshot(),
	}
}
