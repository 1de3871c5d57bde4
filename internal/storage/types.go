package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds how many reports the file backend keeps in memory.
	Retain int
}

// Report is the persisted outcome of one task attempt.
// Keep it compact and schema-stable.
type Report struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	BaseType       string        `json:"base_type"`
	Owner          string        `json:"owner"`
	Priority       string        `json:"priority"`
	TryCount       int           `json:"try_count"`
	TxnID          uint64        `json:"txn_id,omitempty"`
	Transactional  bool          `json:"transactional"`
	Succeeded      bool          `json:"succeeded"`
	Error          string        `json:"error,omitempty"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	Started        time.Time     `json:"started"`
	ReadyDepth     int           `json:"ready_depth"`
	Duration       time.Duration `json:"duration"`
	// DetailsJSON holds the per-participant breakdown, encoded by the producer.
	DetailsJSON string `json:"details,omitempty"`
}
