package config

import (
	"encoding/json"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	Status  StatusConfig  `json:"status"`

	// Storage is optional; nil or driver "none" disables the run journal.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Timezone (IANA, e.g. "Europe/Berlin") used for cron schedules. Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the worker pool.
//
// Durations are Go duration strings (e.g. "500ms", "10s").
//
// Defaults (when omitted/zero):
//   - worker_threads: 2
//   - shutdown_timeout: "5s"
//   - startup_spread: "0s" (disabled)
type EngineConfig struct {
	// WorkerThreads is fixed for the process lifetime; changing it needs a restart.
	WorkerThreads   int    `json:"worker_threads"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// StartupSpread delays the first run of interval tasks by a stable per-task
	// offset below this value.
	StartupSpread string `json:"startup_spread,omitempty"`
}

// StorageConfig controls the run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskwarden.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatusConfig controls the HTTP status server.
//
// Prefer binding to localhost; the server has no authentication.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TaskConfig declares one scheduled task. Exactly one of Command or Unit is set.
type TaskConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	// Enabled is a pointer so an omitted field defaults to true.
	Enabled *bool `json:"enabled,omitempty"`

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`

	Unit   string `json:"unit,omitempty"`
	Action string `json:"action,omitempty"` // start | stop | restart | reload (default restart)

	Timeout   string `json:"timeout,omitempty"`
	NotBefore string `json:"not_before,omitempty"` // RFC3339
	MaxRuns   int    `json:"max_runs,omitempty"`
}

func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

func (t TaskConfig) UnitAction() string {
	a := strings.ToLower(strings.TrimSpace(t.Action))
	if a == "" {
		return "restart"
	}
	return a
}

// Fingerprint identifies the task definition; any field change yields a new value.
func (t TaskConfig) Fingerprint() uint64 {
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (c *Config) StorageDriver() string {
	if c == nil || c.Storage == nil {
		return "none"
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "" {
		return "none"
	}
	return d
}

func hashBytes(b []byte) uint64 { return xxhash.Sum64(b) }
