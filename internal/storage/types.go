package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

const defaultRetain = 1000

// Config configures the run journal.
//
// Driver values:
//   - "file": JSON Lines file, no extra dependencies
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // runs kept; 0 means 1000
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return defaultRetain
	}
	return c.Retain
}

// RunRecord is one finished task execution.
type RunRecord struct {
	ID       string    `json:"id"`
	Task     string    `json:"task"`
	Worker   string    `json:"worker,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
}

func (r RunRecord) Duration() time.Duration { return r.Finished.Sub(r.Started) }
