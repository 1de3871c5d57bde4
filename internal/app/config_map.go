package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"txkernel/internal/config"
	"txkernel/internal/kernel/txn"
	"txkernel/internal/observability/admin"
	"txkernel/internal/profile"
	"txkernel/internal/storage"
	"txkernel/internal/task"
	"txkernel/internal/task/engine"
	"txkernel/internal/task/schedule"
	logx "txkernel/pkg/logx"
)

const defaultShutdownTimeout = 5 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTransactionConfig(cfg *config.Config) (txn.Config, error) {
	bounded, err := config.ParseDurationOrDefault("transaction.timeout", cfg.Transaction.Timeout, txn.DefaultBoundedTimeout)
	if err != nil {
		return txn.Config{}, err
	}
	unbounded, err := config.ParseDurationOrDefault("transaction.unbounded_timeout", cfg.Transaction.UnboundedTimeout, txn.DefaultUnboundedTimeout)
	if err != nil {
		return txn.Config{}, err
	}
	if unbounded < bounded {
		return txn.Config{}, fmt.Errorf("transaction.unbounded_timeout (%s) must be >= transaction.timeout (%s)", unbounded, bounded)
	}
	return txn.Config{
		BoundedTimeout:             bounded,
		UnboundedTimeout:           unbounded,
		DisablePrepareAndCommitOpt: cfg.Transaction.DisablePrepareAndCommitOpt,
	}, nil
}

// kernelSettings is the resolved kernel section.
type kernelSettings struct {
	engine          engine.Config
	queue           string
	heartbeat       string
	heartbeatPrio   task.Priority
	shutdownTimeout time.Duration
}

func mapKernelConfig(cfg *config.Config) (kernelSettings, error) {
	k := cfg.Kernel
	if err := config.NonNegative("kernel.consumer_threads", k.ConsumerThreads); err != nil {
		return kernelSettings{}, err
	}
	threads := k.ConsumerThreads
	if threads == 0 {
		threads = engine.DefaultConsumerThreads
	}

	queue := strings.ToLower(strings.TrimSpace(k.SchedulerQueue))
	if queue == "" {
		queue = schedule.FIFO
	}
	known := false
	for _, n := range schedule.Names() {
		if n == queue {
			known = true
		}
	}
	if !known {
		return kernelSettings{}, fmt.Errorf("kernel.scheduler_queue: unknown %q (want one of %s)", k.SchedulerQueue, strings.Join(schedule.Names(), ", "))
	}

	out := kernelSettings{
		engine: engine.Config{ConsumerThreads: threads},
		queue:  queue,
	}
	if spec := strings.TrimSpace(k.Heartbeat); spec != "" {
		if _, err := task.ParseRecurrence(spec); err != nil {
			return kernelSettings{}, fmt.Errorf("kernel.heartbeat: %w", err)
		}
		out.heartbeat = spec
	}
	prio, ok := task.ParsePriority(k.HeartbeatPriority)
	if !ok {
		return kernelSettings{}, fmt.Errorf("kernel.heartbeat_priority: unknown %q (want low, normal or high)", k.HeartbeatPriority)
	}
	out.heartbeatPrio = prio
	stop, err := config.ParseDurationOrDefault("kernel.shutdown_timeout", k.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return kernelSettings{}, err
	}
	out.shutdownTimeout = stop
	return out, nil
}

func mapProfileConfig(cfg *config.Config) (profile.Config, error) {
	p := cfg.Profile
	if err := config.NonNegative("profile.history_size", p.HistorySize); err != nil {
		return profile.Config{}, err
	}
	if err := config.NonNegative("profile.persist_queue", p.PersistQueue); err != nil {
		return profile.Config{}, err
	}
	return profile.Config{HistorySize: p.HistorySize, Persist: p.Persist, PersistQueue: p.PersistQueue}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if err := config.NonNegative("storage.retain", sc.Retain); err != nil {
		return storage.Config{}, false, err
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retain: sc.Retain}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	read, err := config.ParseDurationField("admin.read_timeout", a.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationField("admin.write_timeout", a.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationField("admin.idle_timeout", a.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:              a.Enabled,
		Addr:                 strings.TrimSpace(a.Addr),
		PprofPrefix:          a.PprofPrefix,
		Token:                strings.TrimSpace(a.Token),
		AllowInsecure:        a.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
		MemProfileRate:       a.MemProfileRate,
	}, nil
}

// validateConfig rejects configs that would fail to map. It is used at load
// time and as the hot-reload validator.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapTransactionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapKernelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProfileConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}
