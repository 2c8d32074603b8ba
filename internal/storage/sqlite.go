package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "taskwarden/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	writes     atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, retain: cfg.retain(), pruneEvery: 100}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r = normalize(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, task, worker, started, finished, ok, err) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Task, nullStr(r.Worker), r.Started.UnixNano(), r.Finished.UnixNano(), boolInt(r.OK), nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("run journal prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > s.retain {
		limit = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, worker, started, finished, ok, err FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			r                 RunRecord
			worker, errText   sql.NullString
			started, finished int64
			ok                int
		)
		if err := rows.Scan(&r.ID, &r.Task, &worker, &started, &finished, &ok, &errText); err != nil {
			return nil, err
		}
		r.Worker = worker.String
		r.Error = errText.String
		r.Started = time.Unix(0, started)
		r.Finished = time.Unix(0, finished)
		r.OK = ok != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT seq FROM runs ORDER BY seq DESC LIMIT 1 OFFSET ?)`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
