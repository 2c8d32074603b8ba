package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/task/recurrence"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks the whole document and reports every problem found.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Engine.WorkerThreads < 0 {
		add(fmt.Errorf("engine.worker_threads: must be >= 0"))
	}
	_, err := ParseDurationField("engine.shutdown_timeout", c.Engine.ShutdownTimeout)
	add(err)
	_, err = ParseDurationField("engine.startup_spread", c.Engine.StartupSpread)
	add(err)

	switch c.StorageDriver() {
	case "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", c.StorageDriver()))
		}
		_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
		add(err)
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q (use none, file or sqlite)", c.Storage.Driver))
	}

	for _, f := range []struct{ path, raw string }{
		{"status.read_timeout", c.Status.ReadTimeout},
		{"status.write_timeout", c.Status.WriteTimeout},
		{"status.idle_timeout", c.Status.IdleTimeout},
	} {
		_, err = ParseDurationField(f.path, f.raw)
		add(err)
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, t := range c.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("tasks[%s]", name)
			if seen[name] {
				add(fmt.Errorf("%s: duplicate task name", path))
			}
			seen[name] = true
		}
		add(validateTask(path, t))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateTask(path string, t TaskConfig) error {
	var errs []error
	if _, err := recurrence.ParseSchedule(t.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
	}

	hasCmd := strings.TrimSpace(t.Command) != ""
	hasUnit := strings.TrimSpace(t.Unit) != ""
	switch {
	case hasCmd == hasUnit:
		errs = append(errs, fmt.Errorf("%s: set exactly one of command or unit", path))
	case hasUnit:
		switch t.UnitAction() {
		case "start", "stop", "restart", "reload":
		default:
			errs = append(errs, fmt.Errorf("%s.action: unknown action %q", path, t.Action))
		}
	}

	if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
		errs = append(errs, err)
	}
	if nb := strings.TrimSpace(t.NotBefore); nb != "" {
		if _, err := time.Parse(time.RFC3339, nb); err != nil {
			errs = append(errs, fmt.Errorf("%s.not_before: want RFC3339: %w", path, err))
		}
	}
	if t.MaxRuns < 0 {
		errs = append(errs, fmt.Errorf("%s.max_runs: must be >= 0", path))
	}
	return errors.Join(errs...)
}
