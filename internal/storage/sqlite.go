package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "txkernel/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
	retain     int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	retain := cfg.Retain
	if retain <= 0 {
		retain = 10000
	}
	st := &sqliteStore{db: db, log: log, pruneEvery: 500, retain: retain}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendReport(ctx context.Context, r Report) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_reports(id, task_id, base_type, owner, priority, try_count, txn_id, transactional,
		   succeeded, err, scheduled_start, started, ready_depth, duration_ns, details)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, r.BaseType, r.Owner, r.Priority, r.TryCount, int64(r.TxnID), boolInt(r.Transactional),
		boolInt(r.Succeeded), nullStr(r.Error), r.ScheduledStart.Format(time.RFC3339Nano), r.Started.Format(time.RFC3339Nano),
		r.ReadyDepth, int64(r.Duration), nullStr(r.DetailsJSON),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("report prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentReports(ctx context.Context, limit int) ([]Report, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, base_type, owner, priority, try_count, txn_id, transactional, succeeded,
		        err, scheduled_start, started, ready_depth, duration_ns, details
		   FROM task_reports ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r                Report
			txnID, dur       int64
			txnl, ok         int
			errStr, details  sql.NullString
			schedAt, started string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.BaseType, &r.Owner, &r.Priority, &r.TryCount, &txnID, &txnl, &ok,
			&errStr, &schedAt, &started, &r.ReadyDepth, &dur, &details); err != nil {
			return nil, err
		}
		r.TxnID = uint64(txnID)
		r.Transactional = txnl != 0
		r.Succeeded = ok != 0
		r.Error = errStr.String
		r.DetailsJSON = details.String
		r.Duration = time.Duration(dur)
		r.ScheduledStart, _ = time.Parse(time.RFC3339Nano, schedAt)
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_reports WHERE seq <= (SELECT MAX(seq) FROM task_reports) - ?`, s.retain)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
