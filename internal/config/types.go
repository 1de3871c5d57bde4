package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "100ms", "10s", "1m").
// ${NAME} references are expanded from the environment before decoding.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Kernel      KernelConfig      `json:"kernel"`
	Transaction TransactionConfig `json:"transaction"`
	Profile     ProfileConfig     `json:"profile"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Admin       AdminConfig       `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format of the console sink: "text" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// KernelConfig controls the transaction scheduler.
//
// Defaults (when fields are omitted/zero):
//   - consumer_threads: 4
//   - scheduler_queue: "fifo"
//   - heartbeat: "" (disabled)
//   - heartbeat_priority: "normal"
//   - shutdown_timeout: "5s"
type KernelConfig struct {
	ConsumerThreads int `json:"consumer_threads,omitempty"`

	// SchedulerQueue selects the ready-queue policy ("fifo" or "priority").
	SchedulerQueue string `json:"scheduler_queue,omitempty"`

	// Heartbeat is a recurrence ("30s" or a cron spec such as "@every 1m")
	// for a built-in task that bumps a counter in the datastore.
	Heartbeat string `json:"heartbeat,omitempty"`

	// HeartbeatPriority is "low", "normal" or "high".
	HeartbeatPriority string `json:"heartbeat_priority,omitempty"`

	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// TransactionConfig controls the coordinator.
//
// Defaults:
//   - timeout: "100ms"
//   - unbounded_timeout: "" (unlimited)
type TransactionConfig struct {
	Timeout          string `json:"timeout,omitempty"`
	UnboundedTimeout string `json:"unbounded_timeout,omitempty"`

	DisablePrepareAndCommitOpt bool `json:"disable_prepare_and_commit_opt,omitempty"`
}

// ProfileConfig controls per-attempt reports.
type ProfileConfig struct {
	HistorySize int `json:"history_size,omitempty"` // default 200
	// Persist writes reports to storage when storage is enabled.
	Persist      bool `json:"persist,omitempty"`
	PersistQueue int  `json:"persist_queue,omitempty"` // default 1024
}

// StorageConfig controls the optional report store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./txkernel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retain      int    `json:"retain,omitempty"`
}

// AdminConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (which can take 30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
