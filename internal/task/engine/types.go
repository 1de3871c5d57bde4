package engine

import (
	"time"

	rtsup "txkernel/internal/runtime/supervisor"
	"txkernel/internal/task"
)

// Config controls the execution engine.
type Config struct {
	// ConsumerThreads is the number of goroutines pulling ready tasks.
	ConsumerThreads int
}

const DefaultConsumerThreads = 4

// ScheduleOption customises a submitted task.
type ScheduleOption func(*scheduleOpts)

type scheduleOpts struct {
	priority task.Priority
	start    time.Time
	delay    time.Duration
}

// WithPriority sets the task priority. Default is task.PriorityNormal.
func WithPriority(p task.Priority) ScheduleOption {
	return func(o *scheduleOpts) { o.priority = p }
}

// WithStartTime requests that the task not run before at.
func WithStartTime(at time.Time) ScheduleOption {
	return func(o *scheduleOpts) { o.start = at }
}

// WithDelay requests that the task not run before now+d.
func WithDelay(d time.Duration) ScheduleOption {
	return func(o *scheduleOpts) { o.delay = d }
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	ConsumerThreads int    `json:"consumer_threads"`
	Consumers       int64  `json:"consumers"`
	Shutdown        bool   `json:"shutdown"`
	ReadyCount      int    `json:"ready_count"`
	DependencyCount int64  `json:"dependency_count"`
	TaskQueues      uint64 `json:"task_queues"`

	Attempts  uint64 `json:"attempts"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`

	Supervisor rtsup.Snapshot `json:"supervisor"`
}
