// Package profile records per-attempt task reports.
//
// A Collector is created once by the app and passed to the engine. Each
// attempt gets a Recorder; finished reports feed a history ring, Prometheus
// metrics, the event bus and, optionally, storage.
package profile

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"

	"txkernel/internal/eventbus"
	"txkernel/internal/kernel/txn"
	"txkernel/internal/storage"
	"txkernel/internal/task"
	logx "txkernel/pkg/logx"
)

type Config struct {
	HistorySize int
	// Persist writes finished reports to the store asynchronously.
	Persist      bool
	PersistQueue int
}

// Report is the outcome of one task attempt.
type Report struct {
	ID             string                  `json:"id"`
	TaskID         string                  `json:"task_id"`
	BaseType       string                  `json:"base_type"`
	Owner          string                  `json:"owner"`
	Priority       string                  `json:"priority"`
	ScheduledStart time.Time               `json:"scheduled_start"`
	Started        time.Time               `json:"started"`
	ReadyDepth     int                     `json:"ready_depth"`
	Transactional  bool                    `json:"transactional"`
	TxnID          uint64                  `json:"txn_id,omitempty"`
	TryCount       int                     `json:"try_count"`
	Succeeded      bool                    `json:"succeeded"`
	Error          string                  `json:"error,omitempty"`
	Duration       time.Duration           `json:"duration"`
	Participants   []txn.ParticipantDetail `json:"participants,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Threads        int64    `json:"threads"`
	Reports        uint64   `json:"reports"`
	PersistDropped uint64   `json:"persist_dropped"`
	History        []Report `json:"history"`
}

type Collector struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock

	reg     *prometheus.Registry
	metrics *metrics

	threads atomic.Int64
	reports atomic.Uint64
	dropped atomic.Uint64

	persistCh chan storage.Report

	hmu     sync.Mutex
	history []Report
}

type Option func(*Collector)

func WithClock(c clock.Clock) Option {
	return func(co *Collector) {
		if c != nil {
			co.clock = c
		}
	}
}

// New builds a collector. bus and store may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Collector {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = 1024
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	c := &Collector{
		cfg:   cfg,
		log:   log.With(logx.Comp("profile")),
		bus:   bus,
		store: store,
		clock: clock.New(),
		reg:   prometheus.NewRegistry(),
	}
	for _, o := range opts {
		o(c)
	}
	c.metrics = newMetrics(c.reg)
	if cfg.Persist && store != nil {
		c.persistCh = make(chan storage.Report, cfg.PersistQueue)
	}
	return c
}

// Registry exposes the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ThreadAdded records a consumer joining the pool.
func (c *Collector) ThreadAdded() {
	if c == nil {
		return
	}
	c.metrics.consumers.Set(float64(c.threads.Add(1)))
}

// ThreadRemoved records a consumer leaving the pool.
func (c *Collector) ThreadRemoved() {
	if c == nil {
		return
	}
	c.metrics.consumers.Set(float64(c.threads.Add(-1)))
}

func (c *Collector) Threads() int64 {
	if c == nil {
		return 0
	}
	return c.threads.Load()
}

// StartTask opens a report for one attempt of st.
func (c *Collector) StartTask(st *task.ScheduledTask, readyDepth int) *Recorder {
	if c == nil {
		return nil
	}
	c.metrics.readyDepth.Set(float64(readyDepth))
	r := &Recorder{
		c: c,
		report: Report{
			ID:             uuid.NewString(),
			TaskID:         st.ID().String(),
			BaseType:       st.BaseType(),
			Owner:          st.Owner().String(),
			Priority:       st.Priority().String(),
			ScheduledStart: st.StartTime(),
			Started:        c.clock.Now(),
			ReadyDepth:     readyDepth,
		},
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: r.report})
	return r
}

func (c *Collector) finish(rep Report) {
	c.reports.Add(1)
	outcome := "succeeded"
	if !rep.Succeeded {
		outcome = "failed"
	}
	c.metrics.tasks.WithLabelValues(rep.BaseType, outcome).Inc()
	c.metrics.duration.WithLabelValues(rep.BaseType).Observe(rep.Duration.Seconds())
	for _, d := range rep.Participants {
		c.metrics.participants.WithLabelValues(d.Name, participantOutcome(d)).Inc()
	}

	c.hmu.Lock()
	c.history = append(c.history, rep)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
	c.hmu.Unlock()

	typ := eventbus.TaskFinished
	if !rep.Succeeded {
		typ = eventbus.TaskFailed
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: rep})

	if c.persistCh != nil {
		select {
		case c.persistCh <- toStorage(rep):
		default:
			c.dropped.Add(1)
		}
	}
}

// NoteRetry counts a retryable failure that is about to be retried.
func (c *Collector) NoteRetry(baseType string) {
	if c == nil {
		return
	}
	c.metrics.retries.WithLabelValues(baseType).Inc()
}

// NoteDropped counts a task dropped after a fatal failure or cancellation.
func (c *Collector) NoteDropped(baseType, reason string) {
	if c == nil {
		return
	}
	c.metrics.dropped.WithLabelValues(baseType, reason).Inc()
}

// History returns finished reports, oldest first.
func (c *Collector) History() []Report {
	if c == nil {
		return nil
	}
	c.hmu.Lock()
	defer c.hmu.Unlock()
	return append([]Report(nil), c.history...)
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Threads:        c.threads.Load(),
		Reports:        c.reports.Load(),
		PersistDropped: c.dropped.Load(),
		History:        c.History(),
	}
}

// Run drains the persistence queue until ctx is done. It returns
// immediately when persistence is disabled.
func (c *Collector) Run(ctx context.Context) error {
	if c == nil || c.persistCh == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return nil
		case rep := <-c.persistCh:
			c.persist(ctx, rep)
		}
	}
}

func (c *Collector) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rep := <-c.persistCh:
			c.persist(ctx, rep)
		default:
			return
		}
	}
}

func (c *Collector) persist(ctx context.Context, rep storage.Report) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.store.AppendReport(wctx, rep); err != nil {
		c.log.Warn("persist report failed", logx.String("task", rep.TaskID), logx.Err(err))
	}
}

func toStorage(rep Report) storage.Report {
	out := storage.Report{
		ID:             rep.ID,
		TaskID:         rep.TaskID,
		BaseType:       rep.BaseType,
		Owner:          rep.Owner,
		Priority:       rep.Priority,
		TryCount:       rep.TryCount,
		TxnID:          rep.TxnID,
		Transactional:  rep.Transactional,
		Succeeded:      rep.Succeeded,
		Error:          rep.Error,
		ScheduledStart: rep.ScheduledStart,
		Started:        rep.Started,
		ReadyDepth:     rep.ReadyDepth,
		Duration:       rep.Duration,
	}
	if len(rep.Participants) > 0 {
		if b, err := json.Marshal(rep.Participants); err == nil {
			out.DetailsJSON = string(b)
		}
	}
	return out
}

func participantOutcome(d txn.ParticipantDetail) string {
	switch {
	case d.CommittedDirectly:
		return "committed_directly"
	case d.Committed:
		return "committed"
	case d.Aborted:
		return "aborted"
	case d.ReadOnly:
		return "read_only"
	default:
		return "prepared"
	}
}
