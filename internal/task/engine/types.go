package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
//
// Workers is fixed for the lifetime of a started Manager.
type Config struct {
	Workers int

	// ShutdownTimeout bounds how long Stop waits for workers whose task ignores
	// cancellation. Workers still running after it are abandoned.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Task is a unit of work owned by the caller. The engine only holds a
// reference; identity is reference equality, so implementations should be
// pointer types.
type Task interface {
	Name() string

	// Run executes the task synchronously. ctx is canceled on engine shutdown.
	Run(ctx context.Context) error

	// Progress returns a best-effort estimate in [0,100]. ok is false when unknown.
	Progress() (pct int, ok bool)

	// Disposing is closed exactly once when the owner permanently retires the task.
	// A nil channel means the task is never disposed.
	Disposing() <-chan struct{}
}

// Recurrence decides when a task is due and whether it runs again.
//
// Implementations must be safe for concurrent use.
type Recurrence interface {
	// DueDate orders runnable tasks (earliest first).
	DueDate() time.Time
	// StartDate is the time before which the task must not run.
	StartDate() time.Time
	// RecordRun advances internal state after a run finished at the given time.
	RecordRun(at time.Time)
	// Executable turns false once the policy has no more runs.
	Executable() bool
}

// TaskInfo is the caller-facing view of one schedule entry.
type TaskInfo struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Progress int    `json:"progress"` // -1 when unknown
	Worker   string `json:"worker,omitempty"`

	DueDate       time.Time `json:"due_date"`
	StartDate     time.Time `json:"start_date"`
	LastStarted   time.Time `json:"last_started,omitempty"`
	LastCompleted time.Time `json:"last_completed,omitempty"`
}

// Snapshot is a lightweight view for diagnostics and metrics.
type Snapshot struct {
	Started     bool
	Workers     int
	BusyWorkers int
	Entries     int
	Pending     int
	// ArmedAt is the deadline the scheduler timer is armed for (zero when disarmed).
	ArmedAt time.Time
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       int64         `json:"id,omitempty"`
	Name     string        `json:"name"`
	Worker   string        `json:"worker,omitempty"`
	At       time.Time     `json:"at"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Event types published by the engine.
const (
	EventScheduled  = "task.scheduled"
	EventDispatched = "task.dispatched"
	EventDeferred   = "task.deferred"
	EventCompleted  = "task.completed"
	EventFailed     = "task.failed"
	EventRemoved    = "task.removed"
)
