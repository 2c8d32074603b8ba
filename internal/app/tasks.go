package app

import (
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/task/engine"
	"taskwarden/internal/task/job"
	"taskwarden/internal/task/recurrence"
	logx "taskwarden/pkg/logx"
)

// disposableTask is a task the app can retire on reload.
type disposableTask interface {
	engine.Task
	Dispose()
}

type registered struct {
	id   int64
	task disposableTask
}

// taskEnv carries the config-wide inputs a task definition needs.
type taskEnv struct {
	now    time.Time
	loc    *time.Location
	spread time.Duration

	// units drives unit tasks over D-Bus; nil falls back to systemctl.
	units job.UnitController
}

func (a *App) newTaskEnv(cfg *config.Config, now time.Time) (taskEnv, error) {
	env := taskEnv{now: now, loc: time.Local, units: a.unitController()}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return env, fmt.Errorf("timezone: %w", err)
		}
		env.loc = loc
	}
	spread, err := config.ParseDurationField("engine.startup_spread", cfg.Engine.StartupSpread)
	if err != nil {
		return env, err
	}
	env.spread = spread
	return env, nil
}

// buildTask turns one config entry into a task and its recurrence policy.
func buildTask(tc config.TaskConfig, env taskEnv) (disposableTask, engine.Recurrence, error) {
	name := strings.TrimSpace(tc.Name)
	spec, err := recurrence.ParseSchedule(tc.Schedule)
	if err != nil {
		return nil, nil, fmt.Errorf("task %s: schedule: %w", name, err)
	}
	policy, err := spec.Policy(env.now, env.loc)
	if err != nil {
		return nil, nil, fmt.Errorf("task %s: schedule: %w", name, err)
	}

	if nb := strings.TrimSpace(tc.NotBefore); nb != "" {
		at, err := time.Parse(time.RFC3339, nb)
		if err != nil {
			return nil, nil, fmt.Errorf("task %s: not_before: %w", name, err)
		}
		policy = recurrence.WithNotBefore(policy, at)
	}
	if tc.MaxRuns > 0 {
		policy = recurrence.Times(policy, tc.MaxRuns)
	}
	if spec.Kind == recurrence.KindInterval && env.spread > 0 {
		policy = recurrence.WithSpread(policy, env.spread, name)
	}

	timeout, err := config.ParseDurationField("timeout", tc.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("task %s: %w", name, err)
	}
	opts := []job.CommandOption{job.WithTimeout(timeout)}
	if dir := strings.TrimSpace(tc.Dir); dir != "" {
		opts = append(opts, job.WithDir(dir))
	}

	unit := strings.TrimSpace(tc.Unit)
	switch {
	case unit != "" && env.units != nil:
		return job.UnitVia(name, tc.UnitAction(), unit, env.units, timeout), policy, nil
	case unit != "":
		return job.Unit(name, tc.UnitAction(), unit, opts...), policy, nil
	default:
		return job.Command(name, strings.TrimSpace(tc.Command), tc.Args, opts...), policy, nil
	}
}

// registerTasks schedules every enabled task in tcs. Failures are logged and
// skipped so one bad entry cannot block the rest.
func (a *App) registerTasks(tcs []config.TaskConfig, env taskEnv) {
	for _, tc := range tcs {
		a.registerTask(tc, env)
	}
}

func (a *App) registerTask(tc config.TaskConfig, env taskEnv) {
	name := strings.TrimSpace(tc.Name)
	if !tc.IsEnabled() {
		a.log.Debug("task disabled", logx.String("task", name))
		return
	}
	t, policy, err := buildTask(tc, env)
	if err != nil {
		a.log.Warn("task skipped", logx.String("task", name), logx.Err(err))
		return
	}
	id, err := a.engine.Schedule(t, policy)
	if err != nil {
		a.log.Warn("task schedule failed", logx.String("task", name), logx.Err(err))
		return
	}

	a.tasksMu.Lock()
	a.tasks[name] = registered{id: id, task: t}
	a.tasksMu.Unlock()

	a.log.Info("task registered",
		logx.String("task", name),
		logx.Int64("id", id),
		logx.String("schedule", tc.Schedule),
		logx.Time("start", policy.StartDate()),
	)
}

func (a *App) retireTask(name string) {
	a.tasksMu.Lock()
	r, ok := a.tasks[name]
	delete(a.tasks, name)
	a.tasksMu.Unlock()
	if !ok {
		return
	}
	r.task.Dispose()
	a.log.Info("task retired", logx.String("task", name), logx.Int64("id", r.id))
}

// reconcileTasks applies task-level config changes: removed and changed tasks
// are disposed, added and changed tasks are scheduled from the new definition.
func (a *App) reconcileTasks(newCfg *config.Config, changes config.TaskChanges) {
	if changes.Empty() {
		return
	}
	env, err := a.newTaskEnv(newCfg, a.now())
	if err != nil {
		a.log.Warn("task reconcile skipped", logx.Err(err))
		return
	}

	byName := make(map[string]config.TaskConfig, len(newCfg.Tasks))
	for _, tc := range newCfg.Tasks {
		byName[strings.TrimSpace(tc.Name)] = tc
	}

	for _, name := range changes.Removed {
		a.retireTask(name)
	}
	for _, name := range changes.Changed {
		a.retireTask(name)
		a.registerTask(byName[name], env)
	}
	for _, name := range changes.Added {
		a.registerTask(byName[name], env)
	}
}

// TaskIDs returns the engine id of every registered task by name.
func (a *App) TaskIDs() map[string]int64 {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	out := make(map[string]int64, len(a.tasks))
	for name, r := range a.tasks {
		out[name] = r.id
	}
	return out
}
