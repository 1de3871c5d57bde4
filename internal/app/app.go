// Package app wires the kernel services into a runnable daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"txkernel/internal/config"
	"txkernel/internal/datastore"
	"txkernel/internal/eventbus"
	"txkernel/internal/kernel/identity"
	"txkernel/internal/kernel/txn"
	"txkernel/internal/observability/admin"
	"txkernel/internal/profile"
	rtsup "txkernel/internal/runtime/supervisor"
	"txkernel/internal/storage"
	"txkernel/internal/task"
	"txkernel/internal/task/engine"
	"txkernel/internal/task/schedule"
	logx "txkernel/pkg/logx"
)

// HeartbeatKey is the datastore counter bumped by the heartbeat task.
const HeartbeatKey = "kernel.heartbeat"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	base  logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	prof   *profile.Collector
	coord  *txn.Coordinator
	queue  schedule.Queue
	engine *engine.Service
	data   *datastore.Store
	admin  *admin.Service

	kernel    kernelSettings
	heartbeat *schedule.RecurringHandle
}

// Snapshot is the document served at /kernel/snapshot.
type Snapshot struct {
	Engine     engine.Snapshot   `json:"engine"`
	Profile    profile.Snapshot  `json:"profile"`
	Datastore  datastore.Stats   `json:"datastore"`
	Supervisor *rtsup.Snapshot   `json:"supervisor,omitempty"`
	Heartbeats int64             `json:"heartbeats"`
	Config     map[string]string `json:"config"`
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLoggingConfig(cfg))
	log := base.With(logx.Comp("app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, base)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	txCfg, _ := mapTransactionConfig(cfg)
	kcfg, _ := mapKernelConfig(cfg)
	pcfg, _ := mapProfileConfig(cfg)
	acfg, _ := mapAdminConfig(cfg)

	coord := txn.NewCoordinator(txCfg, txn.WithLogger(base))
	prof := profile.New(pcfg, base, bus, store, profile.WithClock(coord.Clock()))

	queue, err := schedule.New(kcfg.queue, schedule.Options{
		Clock: coord.Clock(),
		Log:   base,
	})
	if err != nil {
		return nil, err
	}

	eng := engine.New(kcfg.engine, coord, queue,
		engine.WithLogger(base),
		engine.WithBus(bus),
		engine.WithCollector(prof),
	)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		base:   base,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		prof:   prof,
		coord:  coord,
		queue:  queue,
		engine: eng,
		data:   datastore.New(base),
		kernel: kcfg,
	}
	a.admin = admin.New(acfg, admin.Sources{
		Gatherer: prof.Registry(),
		Snapshot: func() any { return a.Snapshot() },
		Reports:  a.reports,
	}, base)
	return a, nil
}

func (a *App) Engine() *engine.Service     { return a.engine }
func (a *App) Datastore() *datastore.Store { return a.data }
func (a *App) Admin() *admin.Service       { return a.admin }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.base.With(logx.Comp("config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sup.Go("profile.persist", a.prof.Run)

	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	if err := a.startHeartbeat(a.kernel.heartbeat, a.kernel.heartbeatPrio); err != nil {
		return err
	}

	// Debug-level event tap; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.log.Info("app started",
		logx.Int("consumer_threads", a.kernel.engine.ConsumerThreads),
		logx.String("scheduler_queue", a.kernel.queue),
	)
	return nil
}

// applyConfig applies the live-reloadable sections. Kernel, transaction,
// profile and storage changes only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	acfg, err := mapAdminConfig(next)
	if err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, acfg)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// startHeartbeat schedules the built-in recurring task that bumps a counter
// in the datastore. An empty spec disables it.
func (a *App) startHeartbeat(spec string, prio task.Priority) error {
	if spec == "" {
		return nil
	}
	t := task.New("kernel.heartbeat", func(ctx context.Context) error {
		return bumpCounter(ctx, a.data, HeartbeatKey)
	})
	h, err := a.engine.ScheduleCronTask(t, identity.System, spec, engine.WithPriority(prio))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if err := h.Start(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	a.heartbeat = h
	a.log.Info("heartbeat scheduled", logx.String("spec", spec), logx.String("priority", prio.String()))
	return nil
}

// bumpCounter increments the decimal counter stored at key inside the
// caller's transaction.
func bumpCounter(ctx context.Context, ds *datastore.Store, key string) error {
	raw, ok, err := ds.Get(ctx, key)
	if err != nil {
		return err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return txn.NoRetry(fmt.Errorf("counter %q: %w", key, err))
		}
	}
	return ds.Set(ctx, key, []byte(strconv.FormatInt(n+1, 10)))
}

func (a *App) heartbeats() int64 {
	raw, ok := a.data.Committed(HeartbeatKey)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n
}

func (a *App) Snapshot() Snapshot {
	out := Snapshot{
		Engine:     a.engine.Snapshot(),
		Profile:    a.prof.Snapshot(),
		Datastore:  a.data.Stats(),
		Heartbeats: a.heartbeats(),
		Config: map[string]string{
			"path":            a.cfgm.Path(),
			"scheduler_queue": a.kernel.queue,
			"heartbeat":       a.kernel.heartbeat,
			"tx_timeout":      a.coord.DefaultTimeout().String(),
		},
	}
	if a.sup != nil {
		s := a.sup.Snapshot()
		out.Supervisor = &s
	}
	return out
}

// reports prefers the persistent store and falls back to in-memory history.
func (a *App) reports(ctx context.Context, limit int) (any, error) {
	if a.store != nil {
		return a.store.RecentReports(ctx, limit)
	}
	hist := a.prof.History()
	out := make([]profile.Report, 0, min(limit, len(hist)))
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("heartbeat", 0, func(context.Context) error {
		if a.heartbeat == nil {
			return nil
		}
		if err := a.heartbeat.Cancel(); err != nil && !errors.Is(err, schedule.ErrIllegalState) {
			return err
		}
		return nil
	})
	step("engine", a.kernel.shutdownTimeout, func(c context.Context) error {
		if err := a.engine.Shutdown(c); err != nil && !errors.Is(err, engine.ErrAlreadyShutdown) {
			return err
		}
		return nil
	})

	// Background loops unwind once the engine is quiet; profile.persist flushes here.
	a.sup.Cancel()

	step("admin", 1*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Int64("heartbeats", a.heartbeats()))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
