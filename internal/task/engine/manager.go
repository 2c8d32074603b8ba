package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskwarden/internal/eventbus"
	rtsup "taskwarden/internal/runtime/supervisor"
	logx "taskwarden/pkg/logx"
)

// Manager owns the worker pool and the scheduler and wires completions
// from the former into the latter.
type Manager struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	sched   *Scheduler
	started bool
	stopped bool

	// poolMu guards the busy flag of every worker.
	poolMu  sync.Mutex
	workers []*Worker

	completions chan completion
	warn        *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		warn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Start creates and starts the workers, the completion collector and the scheduler.
// Periodic execution begins only after Start returns.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}

	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		// a broken task must never take the engine down
		rtsup.WithCancelOnError(false),
	)
	m.completions = make(chan completion, m.cfg.Workers)

	m.poolMu.Lock()
	m.workers = make([]*Worker, 0, m.cfg.Workers)
	for i := 1; i <= m.cfg.Workers; i++ {
		m.workers = append(m.workers, newWorker(i, &m.poolMu, m.completions, m.log, m.bus))
	}
	workers := m.workers
	m.poolMu.Unlock()

	m.sched = NewScheduler(m.cfg.Workers, m, m.log.With(logx.String("comp", "scheduler")), m.bus)
	sched := m.sched

	for _, w := range workers {
		m.sup.Go0(w.Name(), w.run)
	}
	m.sup.Go0("completions", func(ctx context.Context) { m.collect(ctx, sched) })

	m.started = true
	m.log.Info("task engine started", logx.Int("workers", m.cfg.Workers))
	return nil
}

func (m *Manager) collect(ctx context.Context, sched *Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.completions:
			m.log.Trace("completion received", logx.String("task", c.task.Name()))
			err := sched.Completed(c.task, c.at)
			switch {
			case err == nil, errors.Is(err, ErrStopped):
			case errors.Is(err, ErrUnknownTask):
				m.log.Debug("completion for a task no longer scheduled", logx.String("task", c.task.Name()))
			default:
				m.log.Error("completion failed", logx.String("task", c.task.Name()), logx.Err(err))
			}
		}
	}
}

// Dispatch assigns t to the first idle worker. It returns nil when the pool is saturated.
func (m *Manager) Dispatch(t Task) *Worker {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, w := range m.workers {
		if w.busy {
			continue
		}
		if err := w.assignLocked(t); err != nil {
			continue
		}
		return w
	}
	if m.warn.Allow() {
		m.log.Warn("no idle worker", logx.String("task", t.Name()), logx.Int("workers", len(m.workers)))
	}
	return nil
}

// Schedule submits t with its recurrence policy.
func (m *Manager) Schedule(t Task, p Recurrence) (int64, error) {
	sched, err := m.scheduler()
	if err != nil {
		return 0, err
	}
	return sched.Schedule(t, p)
}

// Tasks lists the live schedule entries. It is empty before Start.
func (m *Manager) Tasks() []TaskInfo {
	sched, err := m.scheduler()
	if err != nil {
		return nil
	}
	return sched.Tasks()
}

func (m *Manager) WorkerThreads() int { return m.cfg.Workers }

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{Started: m.started && !m.stopped, Workers: m.cfg.Workers}
	sched := m.sched
	m.mu.Unlock()

	if sched != nil {
		snap.Entries, snap.Pending, snap.ArmedAt = sched.stats()
	}
	m.poolMu.Lock()
	for _, w := range m.workers {
		if w.busy {
			snap.BusyWorkers++
		}
	}
	m.poolMu.Unlock()
	return snap
}

// Stop cancels the shared context, closes the scheduler and waits for the
// workers up to ShutdownTimeout. Workers still running a task after that are
// abandoned; Go offers no way to terminate them.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sup, sched := m.sup, m.sched
	m.mu.Unlock()

	sup.Cancel()
	sched.Close()

	wctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()
	err := sup.Wait(wctx)
	if wctx.Err() != nil {
		names := make([]string, 0)
		for _, r := range sup.Running() {
			names = append(names, r.Name)
		}
		m.log.Warn("task engine stop timed out, abandoning workers", logx.Any("running", names), logx.Duration("timeout", m.cfg.ShutdownTimeout))
		return fmt.Errorf("task engine stop: %w", wctx.Err())
	}
	if err != nil {
		m.log.Warn("task engine goroutine failed", logx.Err(err))
	}
	m.log.Info("task engine stopped")
	return nil
}

func (m *Manager) scheduler() (*Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.sched, nil
}
