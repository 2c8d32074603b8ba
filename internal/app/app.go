package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/metrics"
	rtsup "taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/status"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	"taskwarden/internal/task/job"
	logx "taskwarden/pkg/logx"
	"taskwarden/pkg/systemdmanager"
)

type Option func(*App)

// WithVersion sets the version reported by the status server.
func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// WithClock replaces time.Now when building schedules.
func WithClock(now func() time.Time) Option { return func(a *App) { a.now = now } }

// WithUnitController drives unit tasks through ctl instead of connecting to D-Bus.
func WithUnitController(ctl job.UnitController) Option {
	return func(a *App) { a.unitCtl = ctl }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine  *engine.Manager
	metrics *metrics.Collector

	statusMu sync.Mutex
	status   *status.Server

	units   *systemdmanager.Manager
	unitCtl job.UnitController

	version string
	now     func() time.Time

	tasksMu sync.Mutex
	tasks   map[string]registered
}

// New loads and validates the config and wires every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open run journal: %w", err)
		}
		store = st
		log.Info("run journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  eng,
		metrics: metrics.NewCollector(eng.Snapshot, bus, log.With(logx.String("comp", "metrics"))),
		version: "dev",
		now:     time.Now,
		tasks:   map[string]registered{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *App) Engine() *engine.Manager { return a.engine }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StatusAddr is the status server listen address, empty when it is off.
func (a *App) StatusAddr() string {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	a.connectUnits(ctx, cfg)

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(256, "task.")
	a.sup.Go0("metrics.collect", func(c context.Context) {
		defer unsub()
		a.metrics.Run(c, events)
	})

	if a.store != nil {
		j := &runJournal{store: a.store, log: a.log.With(logx.String("comp", "journal"))}
		runs, unsubRuns := a.bus.Subscribe(256, journalPrefixes...)
		a.sup.Go0("journal", func(c context.Context) {
			defer unsubRuns()
			j.run(c, runs)
		})
	}

	env, err := a.newTaskEnv(cfg, a.now())
	if err != nil {
		return err
	}
	a.registerTasks(cfg.Tasks, env)

	if err := a.applyStatus(a.sup.Context(), cfg); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("workers", a.engine.WorkerThreads()),
		logx.Int("tasks", len(a.TaskIDs())),
	)
	return nil
}

// validateReload rejects a reloaded config whose tasks cannot be built.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	env, err := a.newTaskEnv(cfg, a.now())
	if err != nil {
		return err
	}
	var errs []error
	for _, tc := range cfg.Tasks {
		if !tc.IsEnabled() {
			continue
		}
		if _, _, err := buildTask(tc, env); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyConfig brings the running app in line with newCfg.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changes := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg != nil && oldCfg.Engine.WorkerThreads != newCfg.Engine.WorkerThreads {
		a.log.Warn("engine.worker_threads changed; restart required for changes to take effect",
			logx.Int("running", a.engine.WorkerThreads()),
			logx.Int("configured", newCfg.Engine.WorkerThreads),
		)
	}
	if changed("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed("status") {
		if err := a.applyStatus(ctx, newCfg); err != nil {
			a.log.Warn("status server reconfigure failed", logx.Err(err))
		}
	}

	// schedule inputs shared by every task changed: rebuild them all
	if changed("timezone") || (oldCfg != nil && oldCfg.Engine.StartupSpread != newCfg.Engine.StartupSpread) {
		changes = config.TaskChanges{Changed: a.rebuildAll(newCfg, changes)}
	}
	a.reconcileTasks(newCfg, changes)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// rebuildAll returns every currently registered task, retiring the ones the
// new config dropped, so the caller reschedules the rest.
func (a *App) rebuildAll(newCfg *config.Config, changes config.TaskChanges) []string {
	for _, name := range changes.Removed {
		a.retireTask(name)
	}
	names := make([]string, 0, len(newCfg.Tasks))
	for _, tc := range newCfg.Tasks {
		names = append(names, strings.TrimSpace(tc.Name))
	}
	return names
}

// applyStatus starts, stops or restarts the status server to match cfg.
func (a *App) applyStatus(ctx context.Context, cfg *config.Config) error {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	if a.status != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		_ = a.status.Stop(stopCtx)
		cancel()
		a.status = nil
	}
	if !cfg.Status.Enabled {
		return nil
	}

	sc, err := mapStatusConfig(cfg)
	if err != nil {
		return err
	}
	opts := []status.Option{status.WithMetrics(a.metrics.Handler()), status.WithVersion(a.version)}
	if a.store != nil {
		opts = append(opts, status.WithRuns(a.store))
	}
	srv := status.New(sc, a.engine, a.log, opts...)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	a.status = srv
	return nil
}

// connectUnits opens the systemd bus when a task drives a unit. Without it
// unit tasks fall back to systemctl.
func (a *App) connectUnits(ctx context.Context, cfg *config.Config) {
	if a.unitCtl != nil {
		return
	}
	needed := false
	for _, tc := range cfg.Tasks {
		if strings.TrimSpace(tc.Unit) != "" {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	m, err := systemdmanager.Connect(cctx)
	if err != nil {
		a.log.Info("systemd bus unavailable; unit tasks use systemctl", logx.Err(err))
		return
	}
	a.units = m
	a.unitCtl = m
}

func (a *App) unitController() job.UnitController {
	return a.unitCtl
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// cancel the run context so background loops start unwinding immediately
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("status", time.Second, func(c context.Context) error {
		a.statusMu.Lock()
		srv := a.status
		a.status = nil
		a.statusMu.Unlock()
		if srv == nil {
			return nil
		}
		return srv.Stop(c)
	})
	// the engine bounds itself by engine.shutdown_timeout; leave headroom
	step("engine", a.engineStopBudget(), func(c context.Context) error { return a.engine.Stop(c) })
	step("units", time.Second, func(context.Context) error {
		if a.units != nil {
			return a.units.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) engineStopBudget() time.Duration {
	d, err := config.ParseDurationOrDefault("engine.shutdown_timeout", a.cfgm.Get().Engine.ShutdownTimeout, 5*time.Second)
	if err != nil {
		d = 5 * time.Second
	}
	return d + time.Second
}
