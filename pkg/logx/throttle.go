package logx

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle limits how often a repeated message reaches the log.
// Suppressed events are counted and reported on the next emitted line.
type Throttle struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	dropped atomic.Uint64
}

// NewThrottle allows perSec events per second with the given burst.
func NewThrottle(perSec float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Warn logs msg at warn level unless the throttle is exhausted.
func (t *Throttle) Warn(l Logger, msg string, fields ...Field) bool {
	if t == nil {
		l.Warn(msg, fields...)
		return true
	}
	t.mu.Lock()
	ok := t.lim.Allow()
	t.mu.Unlock()
	if !ok {
		t.dropped.Add(1)
		return false
	}
	if n := t.dropped.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	l.Warn(msg, fields...)
	return true
}

// Suppressed returns the number of events dropped since the last emitted one.
func (t *Throttle) Suppressed() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}
