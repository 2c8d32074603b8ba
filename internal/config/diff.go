package config

import (
	"sort"
	"strings"

	logx "taskwarden/pkg/logx"
)

// TaskChanges lists task names by how they differ between two configs.
type TaskChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TaskChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns the changed sections, structured attrs for the
// reload log line, and the task-level changes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.worker_threads", newCfg.Engine.WorkerThreads),
			logx.String("engine.shutdown_timeout", strings.TrimSpace(newCfg.Engine.ShutdownTimeout)),
			logx.Bool("engine.restart_required", oldCfg.Engine.WorkerThreads != newCfg.Engine.WorkerThreads),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oldCfg.StorageDriver() != newCfg.StorageDriver() ||
		strings.TrimSpace(oStore.Path) != strings.TrimSpace(nStore.Path) ||
		strings.TrimSpace(oStore.BusyTimeout) != strings.TrimSpace(nStore.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.StorageDriver()),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	tc := DiffTasks(oldCfg.Tasks, newCfg.Tasks)
	if !tc.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(tc.Added)),
			logx.Int("tasks.removed", len(tc.Removed)),
			logx.Int("tasks.changed", len(tc.Changed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tc
}

// DiffTasks compares task lists by name. A task whose definition changed in
// any field (including enabled) is reported as Changed.
func DiffTasks(oldTasks, newTasks []TaskConfig) TaskChanges {
	index := func(ts []TaskConfig) map[string]uint64 {
		m := make(map[string]uint64, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = t.Fingerprint()
		}
		return m
	}
	o, n := index(oldTasks), index(newTasks)

	var out TaskChanges
	for name, fp := range n {
		ofp, ok := o[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case ofp != fp:
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
