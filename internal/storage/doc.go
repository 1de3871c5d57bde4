// Package storage persists task execution reports.
//
// Two backends are available: "file" (JSON Lines) and "sqlite" (modernc.org/sqlite).
package storage
