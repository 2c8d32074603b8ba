package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/internal/config"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "taskwarden.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func startApp(t *testing.T, body string, opts ...Option) *App {
	t.Helper()
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, strings.ReplaceAll(body, "$DIR", dir)), opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestAppRunsConfiguredTasks(t *testing.T) {
	a := startApp(t, `
logging:
  level: error
engine:
  worker_threads: 2
  shutdown_timeout: 2s
storage:
  driver: file
  path: $DIR/runs
status:
  enabled: true
  addr: 127.0.0.1:0
tasks:
  - name: tick
    schedule: "every:50ms"
    command: sh
    args: ["-c", "true"]
`)

	require.Eventually(t, func() bool {
		runs, err := a.store.RecentRuns(context.Background(), 10)
		return err == nil && len(runs) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	runs, err := a.store.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "tick", runs[0].Task)
	require.True(t, runs[0].OK)
	require.NotEmpty(t, runs[0].ID)

	addr := a.StatusAddr()
	require.NotEmpty(t, addr)

	code, body := httpGet(t, "http://"+addr+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"healthy"`)

	code, body = httpGet(t, "http://"+addr+"/api/v1/tasks")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"tick"`)

	code, body = httpGet(t, "http://"+addr+"/api/v1/runs?limit=1")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"task":"tick"`)

	code, body = httpGet(t, "http://"+addr+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "taskwarden_tasks_completed_total")
	require.Contains(t, body, "taskwarden_worker_threads 2")
}

func TestApplyConfigReconcilesTasks(t *testing.T) {
	a := startApp(t, `
logging:
  level: error
engine:
  worker_threads: 2
tasks:
  - name: a
    schedule: "every:1h"
    command: "true"
  - name: b
    schedule: "every:1h"
    command: "true"
  - name: off
    schedule: "every:1h"
    command: "true"
    enabled: false
`)
	before := a.TaskIDs()
	require.Len(t, before, 2)
	require.Contains(t, before, "a")
	require.Contains(t, before, "b")

	oldCfg := a.Config()
	newCfg := *oldCfg
	newCfg.Engine.WorkerThreads = 6
	newCfg.Tasks = []config.TaskConfig{
		{Name: "b", Schedule: "every:2h", Command: "true"},
		{Name: "c", Schedule: "every:1h", Command: "true"},
	}
	a.applyConfig(context.Background(), oldCfg, &newCfg)

	after := a.TaskIDs()
	require.Len(t, after, 2)
	require.NotContains(t, after, "a")
	require.Contains(t, after, "c")
	require.NotEqual(t, before["b"], after["b"], "changed task must be rescheduled")

	// disposal is picked up asynchronously by the scheduler
	require.Eventually(t, func() bool {
		names := map[string]bool{}
		for _, ti := range a.engine.Tasks() {
			names[ti.Name] = true
		}
		return len(names) == 2 && names["b"] && names["c"]
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, a.engine.WorkerThreads(), "worker pool is fixed for the process lifetime")
}

func TestTimezoneChangeRebuildsAllTasks(t *testing.T) {
	a := startApp(t, `
logging:
  level: error
tasks:
  - name: nightly
    schedule: "0 3 * * *"
    command: "true"
`)
	before := a.TaskIDs()

	oldCfg := a.Config()
	newCfg := *oldCfg
	newCfg.Timezone = "UTC"
	a.applyConfig(context.Background(), oldCfg, &newCfg)

	after := a.TaskIDs()
	require.Len(t, after, 1)
	require.NotEqual(t, before["nightly"], after["nightly"])
}

type recordingUnits struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingUnits) Do(_ context.Context, action, unit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s %s", action, unit))
	return nil
}

func (r *recordingUnits) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestUnitTasksUseController(t *testing.T) {
	units := &recordingUnits{}
	a := startApp(t, `
logging:
  level: error
tasks:
  - name: bounce
    schedule: once
    unit: demo.service
    action: reload
`, WithUnitController(units))

	require.Eventually(t, func() bool { return len(units.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"reload demo.service"}, units.snapshot())

	// one-shot entries leave the schedule after their run
	require.Eventually(t, func() bool { return len(a.engine.Tasks()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestValidateReloadRejectsBadTimezone(t *testing.T) {
	a := startApp(t, `
logging:
  level: error
`)
	cfg := *a.Config()
	cfg.Timezone = "Mars/Olympus"
	require.Error(t, a.validateReload(context.Background(), &cfg))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New(writeConfig(t, dir, `
tasks:
  - name: broken
    schedule: "every:nope"
    command: "true"
`))
	require.ErrorIs(t, err, config.ErrInvalid)
}
