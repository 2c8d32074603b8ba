package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

func startManager(t *testing.T, cfg Config, bus eventbus.Bus) *Manager {
	t.Helper()
	m := New(cfg, logx.Nop(), bus)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func blockingTask(name string, release <-chan struct{}, started chan<- string) *fakeTask {
	return newFakeTask(name, func(ctx context.Context) error {
		if started != nil {
			started <- name
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func TestManagerSingleRunScenario(t *testing.T) {
	m := startManager(t, Config{Workers: 1}, nil)
	require.Equal(t, 1, m.WorkerThreads())

	release := make(chan struct{})
	ft := blockingTask("once", release, nil)
	now := time.Now()
	id, err := m.Schedule(ft, oneShot(now))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	infos := m.Tasks()
	require.Len(t, infos, 1)
	require.True(t, infos[0].Running)
	require.Equal(t, "worker.1", infos[0].Worker)

	close(release)
	require.Eventually(t, func() bool { return len(m.Tasks()) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, m.Snapshot().BusyWorkers)
}

func TestManagerSaturationScenario(t *testing.T) {
	m := startManager(t, Config{Workers: 1}, nil)

	started := make(chan string, 3)
	releases := map[string]chan struct{}{}
	base := time.Now()
	for i, name := range []string{"t1", "t2", "t3"} {
		rel := make(chan struct{})
		releases[name] = rel
		p := &fakePolicy{due: base.Add(time.Duration(i) * time.Millisecond), start: base, maxRuns: 1}
		_, err := m.Schedule(blockingTask(name, rel, started), p)
		require.NoError(t, err)
	}

	snap := m.Snapshot()
	require.Equal(t, 3, snap.Entries)
	require.Equal(t, 2, snap.Pending)

	for _, name := range []string{"t1", "t2", "t3"} {
		select {
		case got := <-started:
			require.Equal(t, name, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never started", name)
		}
		close(releases[name])
	}
	require.Eventually(t, func() bool { return len(m.Tasks()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestManagerNeverExceedsWorkerCount(t *testing.T) {
	const workers = 2
	m := startManager(t, Config{Workers: workers}, nil)

	var active, peak int64
	var ran atomic.Int64
	now := time.Now()
	for i := 0; i < 8; i++ {
		ft := newFakeTask("busy", func(ctx context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			ran.Add(1)
			return nil
		})
		_, err := m.Schedule(ft, oneShot(now))
		require.NoError(t, err)
		require.LessOrEqual(t, m.Snapshot().BusyWorkers, workers)
	}

	require.Eventually(t, func() bool { return len(m.Tasks()) == 0 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(8), ran.Load())
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(workers))
}

func TestManagerSurvivesFailingTasks(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, EventCompleted, EventFailed)
	defer unsub()

	m := startManager(t, Config{Workers: 1}, bus)

	now := time.Now()
	tasks := []*fakeTask{
		newFakeTask("panics", func(ctx context.Context) error { panic("boom") }),
		newFakeTask("errors", func(ctx context.Context) error { return errors.New("bad") }),
		newFakeTask("fine", func(ctx context.Context) error { return nil }),
	}
	for i, ft := range tasks {
		p := &fakePolicy{due: now.Add(time.Duration(i) * time.Millisecond), start: now, maxRuns: 1}
		_, err := m.Schedule(ft, p)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(m.Tasks()) == 0 }, 2*time.Second, 5*time.Millisecond)

	got := map[string]string{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			got[e.Data.(TaskEvent).Name] = e.Type
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	require.Equal(t, map[string]string{
		"panics": EventFailed,
		"errors": EventFailed,
		"fine":   EventCompleted,
	}, got)
}

func TestManagerRecurringTaskRunsUntilExhausted(t *testing.T) {
	m := startManager(t, Config{Workers: 1}, nil)

	var runs atomic.Int64
	ft := newFakeTask("tick", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	p := &fakePolicy{due: time.Now(), start: time.Now(), interval: 15 * time.Millisecond, maxRuns: 3}
	_, err := m.Schedule(ft, p)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.Tasks()) == 0 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), runs.Load())
	require.Equal(t, 3, p.Runs())
}

func TestManagerLifecycleErrors(t *testing.T) {
	m := New(Config{Workers: 1}, logx.Nop(), nil)
	_, err := m.Schedule(newFakeTask("early", nil), oneShot(time.Now()))
	require.ErrorIs(t, err, ErrNotStarted)
	require.Nil(t, m.Tasks())

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.True(t, m.Snapshot().Started)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	_, err = m.Schedule(newFakeTask("late", nil), oneShot(time.Now()))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestManagerStopCancelsRunningTask(t *testing.T) {
	m := New(Config{Workers: 1, ShutdownTimeout: time.Second}, logx.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))

	started := make(chan string, 1)
	var sawCancel atomic.Bool
	ft := newFakeTask("cooperative", func(ctx context.Context) error {
		started <- "cooperative"
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	_, err := m.Schedule(ft, oneShot(time.Now()))
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Stop(context.Background()))
	require.True(t, sawCancel.Load())
}

func TestManagerStopAbandonsStuckWorker(t *testing.T) {
	m := New(Config{Workers: 1, ShutdownTimeout: 30 * time.Millisecond}, logx.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))

	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)
	ft := newFakeTask("stubborn", func(ctx context.Context) error {
		started <- "stubborn"
		<-release
		return nil
	})
	_, err := m.Schedule(ft, oneShot(time.Now()))
	require.NoError(t, err)
	<-started

	err = m.Stop(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDispatchSkipsBusyWorkers(t *testing.T) {
	m := startManager(t, Config{Workers: 2}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	release := make(chan struct{})
	run := func(ctx context.Context) error {
		wg.Done()
		<-release
		return nil
	}
	w1 := m.Dispatch(newFakeTask("a", run))
	w2 := m.Dispatch(newFakeTask("b", run))
	require.NotNil(t, w1)
	require.NotNil(t, w2)
	require.NotEqual(t, w1.ID(), w2.ID())
	require.Nil(t, m.Dispatch(newFakeTask("c", run)))
	wg.Wait()
	require.True(t, w1.Busy())
	close(release)
	require.Eventually(t, func() bool { return !w1.Busy() && !w2.Busy() }, time.Second, 5*time.Millisecond)
}
