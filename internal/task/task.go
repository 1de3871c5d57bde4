// Package task defines the unit of work the kernel executes and the
// scheduling state wrapped around it.
package task

import (
	"context"
	"errors"
	"strings"
)

// ErrCancelled is reported by Wait for a task cancelled before it settled.
var ErrCancelled = errors.New("task: cancelled")

// Task is a unit of work. Run executes inside a transaction carried by ctx.
type Task interface {
	Run(ctx context.Context) error
	// BaseType is a human-readable type tag used in logs and profiles.
	BaseType() string
}

type funcTask struct {
	baseType string
	fn       func(ctx context.Context) error
}

func (f funcTask) Run(ctx context.Context) error { return f.fn(ctx) }
func (f funcTask) BaseType() string              { return f.baseType }

// New adapts fn to a Task.
func New(baseType string, fn func(ctx context.Context) error) Task {
	baseType = strings.TrimSpace(baseType)
	if baseType == "" {
		baseType = "func"
	}
	if fn == nil {
		fn = func(context.Context) error { return nil }
	}
	return funcTask{baseType: baseType, fn: fn}
}

// Priority orders ready tasks under the priority policy and breaks ties
// under FIFO.
type Priority int8

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "custom"
	}
}

// ParsePriority maps low/normal/high to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "", "normal", "default":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	default:
		return PriorityNormal, false
	}
}
