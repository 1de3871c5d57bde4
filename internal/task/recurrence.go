package task

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence computes the start time of the next occurrence from the
// start time of the previous one.
type Recurrence = cron.Schedule

// Period recurs at a fixed interval measured from the previous start time.
type Period time.Duration

func (p Period) Next(t time.Time) time.Time { return t.Add(time.Duration(p)) }

// Series is the state shared by every occurrence of a recurring task.
type Series struct {
	recurrence Recurrence

	mu        sync.Mutex
	cancelled bool
	current   *ScheduledTask
}

func (s *Series) Recurrence() Recurrence { return s.recurrence }

func (s *Series) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Current returns the latest occurrence produced by the series.
func (s *Series) Current() *ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Cancel stops the series and returns the occurrence that was current.
// It reports false if the series was already cancelled.
func (s *Series) Cancel() (*ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil, false
	}
	s.cancelled = true
	return s.current, true
}

// next builds the occurrence after prev, or nil once cancelled.
func (s *Series) next(prev *ScheduledTask) *ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil
	}
	n := newScheduled(prev.task, prev.owner, prev.priority, s.recurrence.Next(prev.StartTime()))
	n.series = s
	s.current = n
	return n
}
