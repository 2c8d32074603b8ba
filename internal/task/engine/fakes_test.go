package engine

import (
	"context"
	"sync"
	"time"
)

type fakeTask struct {
	name string
	run  func(ctx context.Context) error

	mu       sync.Mutex
	progress int
	hasPct   bool

	dispose     chan struct{}
	disposeOnce sync.Once
}

func newFakeTask(name string, run func(ctx context.Context) error) *fakeTask {
	return &fakeTask{name: name, run: run, dispose: make(chan struct{})}
}

func (t *fakeTask) Name() string { return t.name }

func (t *fakeTask) Run(ctx context.Context) error {
	if t.run == nil {
		return nil
	}
	return t.run(ctx)
}

func (t *fakeTask) Progress() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress, t.hasPct
}

func (t *fakeTask) setProgress(p int) {
	t.mu.Lock()
	t.progress, t.hasPct = p, true
	t.mu.Unlock()
}

func (t *fakeTask) Disposing() <-chan struct{} { return t.dispose }

func (t *fakeTask) Dispose() { t.disposeOnce.Do(func() { close(t.dispose) }) }

// fakePolicy runs at most maxRuns times (0 = forever), interval apart.
type fakePolicy struct {
	mu       sync.Mutex
	due      time.Time
	start    time.Time
	interval time.Duration
	maxRuns  int
	runs     int
}

func oneShot(at time.Time) *fakePolicy {
	return &fakePolicy{due: at, start: at, maxRuns: 1}
}

func (p *fakePolicy) DueDate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.due
}

func (p *fakePolicy) StartDate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start
}

func (p *fakePolicy) RecordRun(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	p.due = at.Add(p.interval)
	p.start = p.due
}

func (p *fakePolicy) Executable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRuns == 0 || p.runs < p.maxRuns
}

func (p *fakePolicy) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// fakeDispatcher hands out a fixed set of workers and records dispatch order.
type fakeDispatcher struct {
	mu    sync.Mutex
	free  []*Worker
	order []string
}

func newFakeDispatcher(n int) *fakeDispatcher {
	d := &fakeDispatcher{}
	for i := 1; i <= n; i++ {
		d.free = append(d.free, &Worker{id: i, name: "fake." + string(rune('0'+i))})
	}
	return d
}

func (d *fakeDispatcher) Dispatch(t Task) *Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.free) == 0 {
		return nil
	}
	w := d.free[0]
	d.free = d.free[1:]
	d.order = append(d.order, t.Name())
	return w
}

func (d *fakeDispatcher) release(w *Worker) {
	d.mu.Lock()
	d.free = append(d.free, w)
	d.mu.Unlock()
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}
