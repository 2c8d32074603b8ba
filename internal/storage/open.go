package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "taskwarden/pkg/logx"
)

// Store is the run journal.
type Store interface {
	// AppendRun stores r. An empty ID gets a fresh UUID.
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func normalize(r RunRecord) RunRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	if r.Started.IsZero() {
		r.Started = r.Finished
	}
	return r
}
