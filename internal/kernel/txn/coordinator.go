package txn

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	logx "txkernel/pkg/logx"
)

const (
	// DefaultBoundedTimeout applies to ordinary task attempts.
	DefaultBoundedTimeout = 100 * time.Millisecond
	// DefaultUnboundedTimeout is effectively unlimited.
	DefaultUnboundedTimeout = time.Duration(math.MaxInt64)
)

// Config configures a Coordinator.
type Config struct {
	BoundedTimeout   time.Duration
	UnboundedTimeout time.Duration
	// DisablePrepareAndCommitOpt turns off the single-writer commit shortcut.
	DisablePrepareAndCommitOpt bool
}

// Coordinator creates transactions.
type Coordinator struct {
	cfg    Config
	clock  clock.Clock
	log    logx.Logger
	nextID atomic.Uint64
}

type CoordinatorOption func(*Coordinator)

// WithClock overrides the wall clock used for creation times and timeouts.
func WithClock(c clock.Clock) CoordinatorOption {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

func WithLogger(log logx.Logger) CoordinatorOption {
	return func(co *Coordinator) { co.log = log }
}

func NewCoordinator(cfg Config, opts ...CoordinatorOption) *Coordinator {
	if cfg.BoundedTimeout <= 0 {
		cfg.BoundedTimeout = DefaultBoundedTimeout
	}
	if cfg.UnboundedTimeout <= 0 {
		cfg.UnboundedTimeout = DefaultUnboundedTimeout
	}
	c := &Coordinator{cfg: cfg, clock: clock.New(), log: logx.Nop()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.Comp("txn"))
	return c
}

// DefaultTimeout returns the bounded transaction timeout.
func (c *Coordinator) DefaultTimeout() time.Duration { return c.cfg.BoundedTimeout }

// UnboundedTimeout returns the timeout used for unbounded transactions.
func (c *Coordinator) UnboundedTimeout() time.Duration { return c.cfg.UnboundedTimeout }

// Clock returns the clock transactions are timed against.
func (c *Coordinator) Clock() clock.Clock { return c.clock }

// CreateOption customises a single transaction.
type CreateOption func(*Transaction)

// WithObserver reports participant details of the transaction to o.
func WithObserver(o Observer) CreateOption {
	return func(t *Transaction) { t.observer = o }
}

// CreateTransaction starts a fresh Active transaction.
func (c *Coordinator) CreateTransaction(unbounded bool, opts ...CreateOption) *Handle {
	timeout := c.cfg.BoundedTimeout
	if unbounded {
		timeout = c.cfg.UnboundedTimeout
	}
	t := &Transaction{
		id:       c.nextID.Add(1),
		created:  c.clock.Now(),
		timeout:  timeout,
		clock:    c.clock,
		log:      c.log,
		optimize: !c.cfg.DisablePrepareAndCommitOpt,
		state:    Active,
		details:  map[Participant]*ParticipantDetail{},
	}
	for _, o := range opts {
		o(t)
	}
	return &Handle{tx: t}
}

// Handle is the commit capability for a transaction. Only its holder may
// prepare or commit.
type Handle struct {
	tx *Transaction
}

func (h *Handle) Transaction() *Transaction { return h.tx }

// Prepare runs the prepare phase, reporting whether every participant was
// read-only. Commit must still be called to complete the transaction.
func (h *Handle) Prepare(ctx context.Context) (bool, error) { return h.tx.prepare(ctx) }

// Commit commits the transaction, preparing it first when still Active.
// Participant failures during the commit phase are logged, not returned.
func (h *Handle) Commit(ctx context.Context) error { return h.tx.commit(ctx) }
