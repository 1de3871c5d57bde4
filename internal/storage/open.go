package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "txkernel/pkg/logx"
)

// Store is the persistence API used by the profile collector and admin endpoints.
type Store interface {
	AppendReport(ctx context.Context, r Report) error
	// RecentReports returns up to limit reports, newest first.
	RecentReports(ctx context.Context, limit int) ([]Report, error)
	Close() error
}

var ErrUnknownDriver = errors.New("storage: unknown driver")

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store named by cfg.Driver, or (nil, nil) when the driver
// is empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.Comp("storage"), logx.String("driver", name)))
}
