package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

func newTestScheduler(max int, d Dispatcher) *Scheduler {
	return NewScheduler(max, d, logx.Nop(), nil)
}

// runPass forces a schedule-check pass as if the clock read now.
func runPass(s *Scheduler, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLocked(now)
}

func workerOf(s *Scheduler, t Task) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.task == t {
			return e.worker
		}
	}
	return nil
}

func pendingNames(s *Scheduler) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.task.Name())
	}
	return out
}

func taskNames(infos []TaskInfo) []string {
	out := make([]string, 0, len(infos))
	for _, ti := range infos {
		out = append(out, ti.Name)
	}
	return out
}

func TestScheduleRejectsNil(t *testing.T) {
	s := newTestScheduler(1, newFakeDispatcher(1))
	defer s.Close()

	_, err := s.Schedule(nil, oneShot(time.Now()))
	require.ErrorIs(t, err, ErrNilTask)
	_, err = s.Schedule(newFakeTask("a", nil), nil)
	require.ErrorIs(t, err, ErrNilPolicy)
}

func TestScheduleIDsAreMonotonic(t *testing.T) {
	s := newTestScheduler(1, newFakeDispatcher(1))
	defer s.Close()

	future := time.Now().Add(time.Hour)
	var last int64
	var tasks []*fakeTask
	for i := 0; i < 5; i++ {
		ft := newFakeTask("t", nil)
		tasks = append(tasks, ft)
		id, err := s.Schedule(ft, oneShot(future))
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}

	for _, ft := range tasks {
		ft.Dispose()
	}
	require.Eventually(t, func() bool { return len(s.Tasks()) == 0 }, time.Second, 5*time.Millisecond)

	id, err := s.Schedule(newFakeTask("after", nil), oneShot(future))
	require.NoError(t, err)
	require.Equal(t, last+1, id)
}

func TestCheckDispatchesInDueDateOrder(t *testing.T) {
	d := newFakeDispatcher(3)
	s := newTestScheduler(3, d)
	defer s.Close()

	base := time.Now().Add(time.Minute)
	// Submitted out of due order, ties keep insertion order.
	specs := []struct {
		name string
		due  time.Duration
	}{
		{"c", 3 * time.Second},
		{"a", 1 * time.Second},
		{"b1", 2 * time.Second},
		{"b2", 2 * time.Second},
	}
	for _, sp := range specs {
		p := &fakePolicy{due: base.Add(sp.due), start: base, maxRuns: 1}
		_, err := s.Schedule(newFakeTask(sp.name, nil), p)
		require.NoError(t, err)
	}
	require.Empty(t, d.dispatched())

	runPass(s, base.Add(time.Hour))

	require.Equal(t, []string{"a", "b1", "b2"}, d.dispatched())
	require.Equal(t, []string{"c"}, pendingNames(s))
	require.True(t, s.ArmedAt().IsZero(), "no future entry left, timer must stay disarmed")
}

func TestBudgetExhaustedGoesPendingAndDrainsFIFO(t *testing.T) {
	d := newFakeDispatcher(1)
	s := newTestScheduler(1, d)
	defer s.Close()

	start := time.Now().Add(time.Minute)
	tasks := map[string]*fakeTask{}
	for i, name := range []string{"first", "second", "third"} {
		ft := newFakeTask(name, nil)
		tasks[name] = ft
		p := &fakePolicy{due: start.Add(time.Duration(i) * time.Millisecond), start: start, maxRuns: 1}
		_, err := s.Schedule(ft, p)
		require.NoError(t, err)
	}

	runPass(s, start.Add(time.Second))
	require.Equal(t, []string{"first"}, d.dispatched())
	require.Equal(t, []string{"second", "third"}, pendingNames(s))

	for _, name := range []string{"first", "second", "third"} {
		w := workerOf(s, tasks[name])
		require.NotNil(t, w, "%s should be running", name)
		d.release(w)
		require.NoError(t, s.Completed(tasks[name], time.Now()))
	}

	require.Equal(t, []string{"first", "second", "third"}, d.dispatched())
	require.Empty(t, s.Tasks())
	require.Empty(t, pendingNames(s))
}

func TestSaturatedDispatchIsNotPending(t *testing.T) {
	d := newFakeDispatcher(1)
	s := newTestScheduler(2, d)
	defer s.Close()

	start := time.Now().Add(time.Minute)
	a, b := newFakeTask("a", nil), newFakeTask("b", nil)
	_, err := s.Schedule(a, &fakePolicy{due: start, start: start, maxRuns: 1})
	require.NoError(t, err)
	_, err = s.Schedule(b, &fakePolicy{due: start.Add(time.Millisecond), start: start, maxRuns: 1})
	require.NoError(t, err)

	runPass(s, start.Add(time.Second))

	require.NotNil(t, workerOf(s, a))
	require.Nil(t, workerOf(s, b))
	require.Empty(t, pendingNames(s))
	require.Len(t, s.Tasks(), 2)
}

func TestCompletedRemovesOneShotAndRearmsRecurring(t *testing.T) {
	d := newFakeDispatcher(2)
	s := newTestScheduler(2, d)
	defer s.Close()

	start := time.Now().Add(time.Minute)
	once := newFakeTask("once", nil)
	every := newFakeTask("every", nil)
	_, err := s.Schedule(once, oneShot(start))
	require.NoError(t, err)
	recurring := &fakePolicy{due: start, start: start, interval: time.Hour}
	_, err = s.Schedule(every, recurring)
	require.NoError(t, err)

	runPass(s, start.Add(time.Second))
	require.True(t, s.ArmedAt().IsZero())

	require.NoError(t, s.Completed(once, time.Now()))
	require.Equal(t, []string{"every"}, taskNames(s.Tasks()))

	at := time.Now()
	require.NoError(t, s.Completed(every, at))
	infos := s.Tasks()
	require.Len(t, infos, 1)
	require.False(t, infos[0].Running)
	require.Equal(t, at, infos[0].LastCompleted)
	require.Equal(t, 1, recurring.Runs())
	require.Equal(t, at.Add(time.Hour), s.ArmedAt())
}

func TestDisposalRemovesRunningEntry(t *testing.T) {
	d := newFakeDispatcher(1)
	s := newTestScheduler(1, d)
	defer s.Close()

	running := newFakeTask("running", nil)
	waiting := newFakeTask("waiting", nil)
	now := time.Now()
	_, err := s.Schedule(running, oneShot(now))
	require.NoError(t, err)
	_, err = s.Schedule(waiting, oneShot(now))
	require.NoError(t, err)

	w := workerOf(s, running)
	require.NotNil(t, w)
	require.Equal(t, []string{"waiting"}, pendingNames(s))

	running.Dispose()
	require.Eventually(t, func() bool {
		return len(s.Tasks()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"waiting"}, taskNames(s.Tasks()))

	// The worker finishes the disposed task: no entry, but the pending one still gets it.
	d.release(w)
	err = s.Completed(running, time.Now())
	require.True(t, errors.Is(err, ErrUnknownTask), "got %v", err)
	require.NotNil(t, workerOf(s, waiting))
	require.Empty(t, pendingNames(s))
}

func TestDisposalRemovesPendingEntry(t *testing.T) {
	d := newFakeDispatcher(1)
	s := newTestScheduler(1, d)
	defer s.Close()

	now := time.Now()
	a, b := newFakeTask("a", nil), newFakeTask("b", nil)
	_, err := s.Schedule(a, oneShot(now))
	require.NoError(t, err)
	_, err = s.Schedule(b, oneShot(now))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, pendingNames(s))

	b.Dispose()
	require.Eventually(t, func() bool { return len(pendingNames(s)) == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a"}, taskNames(s.Tasks()))
}

func TestTimerArmedForEarliestFutureStart(t *testing.T) {
	s := newTestScheduler(1, newFakeDispatcher(1))
	defer s.Close()

	now := time.Now()
	plus := func(h int) time.Time { return now.Add(time.Duration(h) * time.Hour) }

	steps := []struct {
		start time.Time
		want  time.Time
	}{
		{plus(3), plus(3)},
		{plus(5), plus(3)},
		{plus(1), plus(1)},
		{plus(2), plus(1)},
	}
	for i, st := range steps {
		_, err := s.Schedule(newFakeTask("t", nil), oneShot(st.start))
		require.NoError(t, err)
		require.Equal(t, st.want, s.ArmedAt(), "step %d", i)
	}

	// A pass recomputes the earliest future start from the live entries.
	runPass(s, plus(1).Add(time.Minute))
	require.Equal(t, plus(2), s.ArmedAt())
}

func TestTimerFiresAndDispatches(t *testing.T) {
	d := newFakeDispatcher(1)
	s := newTestScheduler(1, d)
	defer s.Close()

	ft := newFakeTask("soon", nil)
	_, err := s.Schedule(ft, oneShot(time.Now().Add(20*time.Millisecond)))
	require.NoError(t, err)
	require.Empty(t, d.dispatched())

	require.Eventually(t, func() bool { return workerOf(s, ft) != nil }, 2*time.Second, 5*time.Millisecond)
	require.True(t, s.ArmedAt().IsZero())
}

func TestTasksProjection(t *testing.T) {
	s := newTestScheduler(1, newFakeDispatcher(1))
	defer s.Close()

	a := newFakeTask("a", nil)
	a.setProgress(40)
	b := newFakeTask("b", nil)
	now := time.Now()
	idA, err := s.Schedule(a, oneShot(now))
	require.NoError(t, err)
	_, err = s.Schedule(b, oneShot(now.Add(time.Hour)))
	require.NoError(t, err)

	infos := s.Tasks()
	require.Len(t, infos, 2)
	require.Equal(t, idA, infos[0].ID)
	require.True(t, infos[0].Running)
	require.Equal(t, 40, infos[0].Progress)
	require.Equal(t, "fake.1", infos[0].Worker)
	require.False(t, infos[1].Running)
	require.Equal(t, -1, infos[1].Progress)
}

func TestScheduledEventsArePublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	s := NewScheduler(1, newFakeDispatcher(1), logx.Nop(), bus)
	defer s.Close()

	now := time.Now()
	_, err := s.Schedule(newFakeTask("a", nil), oneShot(now))
	require.NoError(t, err)
	_, err = s.Schedule(newFakeTask("b", nil), oneShot(now))
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	require.Equal(t, []string{EventScheduled, EventDispatched, EventScheduled, EventDeferred}, types)
}

func TestClosedSchedulerRejectsWork(t *testing.T) {
	s := newTestScheduler(1, newFakeDispatcher(1))
	ft := newFakeTask("a", nil)
	_, err := s.Schedule(ft, oneShot(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	s.Close()
	s.Close()

	require.True(t, s.ArmedAt().IsZero())
	require.Empty(t, s.Tasks())
	_, err = s.Schedule(ft, oneShot(time.Now()))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, s.Completed(ft, time.Now()), ErrStopped)
	ft.Dispose()
}
