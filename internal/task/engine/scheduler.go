package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

// Dispatcher finds an idle worker and hands it the task.
// It returns nil when every worker is busy.
type Dispatcher interface {
	Dispatch(t Task) *Worker
}

type entry struct {
	id     int64
	task   Task
	policy Recurrence
	worker *Worker

	lastStarted   time.Time
	lastCompleted time.Time

	// quit stops the disposal watcher once the entry leaves the schedule.
	quit chan struct{}
}

// Scheduler keeps the schedule entries, one deadline timer and the pending queue.
//
// Every mutation happens under mu. The dispatcher is called with mu held, so
// its own locking must never call back into the scheduler.
type Scheduler struct {
	mu sync.Mutex

	entries []*entry
	pending []*entry
	seq     int64

	timer   *time.Timer
	armedAt time.Time // zero when disarmed

	max        int
	dispatcher Dispatcher
	closed     bool

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	wg sync.WaitGroup
}

func NewScheduler(maxConcurrency int, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Scheduler{
		max:        maxConcurrency,
		dispatcher: d,
		log:        log,
		bus:        bus,
		now:        time.Now,
	}
}

// Schedule adds t with its recurrence policy and returns the entry id.
// Ids start at 1 and are never reused.
func (s *Scheduler) Schedule(t Task, p Recurrence) (int64, error) {
	if t == nil {
		return 0, ErrNilTask
	}
	if p == nil {
		return 0, ErrNilPolicy
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStopped
	}

	s.seq++
	e := &entry{id: s.seq, task: t, policy: p, quit: make(chan struct{})}
	s.entries = append(s.entries, e)
	s.watchLocked(e)

	now := s.now()
	start := p.StartDate()
	s.log.Debug("task.scheduled", logx.Int64("id", e.id), logx.String("task", t.Name()), logx.Time("start", start), logx.Time("due", p.DueDate()))
	s.publish(EventScheduled, TaskEvent{ID: e.id, Name: t.Name(), At: now})

	if !start.After(now) {
		s.checkLocked(now)
	} else if s.timeShiftRequiredLocked(start, now) {
		s.armLocked(start, now)
	}
	return e.id, nil
}

// Completed records a finished run of t at the given time.
//
// A task without a live entry (disposed while running) is not an error for the
// schedule: one pending entry is still drained because a worker was freed, and
// ErrUnknownTask is returned for the caller to log.
func (s *Scheduler) Completed(t Task, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}

	now := s.now()
	e := s.findLocked(t)
	if e == nil {
		s.drainLocked(now)
		name := "<nil>"
		if t != nil {
			name = t.Name()
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	e.policy.RecordRun(at)
	e.worker = nil
	e.lastCompleted = at

	if !e.policy.Executable() {
		s.removeLocked(e, "exhausted")
	} else if start := e.policy.StartDate(); s.timeShiftRequiredLocked(start, now) {
		s.armLocked(start, now)
	}
	s.drainLocked(now)
	return nil
}

// Tasks projects the live entries in insertion order.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := TaskInfo{
			ID:            e.id,
			Name:          e.task.Name(),
			Running:       e.worker != nil,
			Progress:      -1,
			DueDate:       e.policy.DueDate(),
			StartDate:     e.policy.StartDate(),
			LastStarted:   e.lastStarted,
			LastCompleted: e.lastCompleted,
		}
		if pct, ok := e.task.Progress(); ok {
			info.Progress = pct
		}
		if e.worker != nil {
			info.Worker = e.worker.Name()
		}
		out = append(out, info)
	}
	return out
}

// ArmedAt returns the deadline the timer is armed for, zero when disarmed.
func (s *Scheduler) ArmedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedAt
}

func (s *Scheduler) stats() (entries, pending int, armedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), len(s.pending), s.armedAt
}

// Close disarms the timer and drops every entry. Running tasks are not touched.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.disarmLocked()
	for _, e := range s.entries {
		close(e.quit)
	}
	s.entries = nil
	s.pending = nil
	s.mu.Unlock()

	s.wg.Wait()
}

// checkLocked is one schedule-check pass.
func (s *Scheduler) checkLocked(now time.Time) {
	s.disarmLocked()
	s.pending = s.pending[:0]

	type candidate struct {
		e   *entry
		due time.Time
	}
	var (
		startable []candidate
		next      *entry
		nextStart time.Time
		busy      int
	)
	for _, e := range s.entries {
		if e.worker != nil {
			busy++
			continue
		}
		start := e.policy.StartDate()
		if !start.After(now) {
			startable = append(startable, candidate{e: e, due: e.policy.DueDate()})
			continue
		}
		if next == nil || start.Before(nextStart) {
			next, nextStart = e, start
		}
	}
	sort.SliceStable(startable, func(i, j int) bool { return startable[i].due.Before(startable[j].due) })

	running := 0
	for i, c := range startable {
		e := c.e
		if busy+i >= s.max {
			s.pending = append(s.pending, e)
			s.publish(EventDeferred, TaskEvent{ID: e.id, Name: e.task.Name(), At: now, Reason: "no_capacity"})
			continue
		}
		w := s.dispatcher.Dispatch(e.task)
		if w == nil {
			s.log.Warn("dispatch found no idle worker", logx.Int64("id", e.id), logx.String("task", e.task.Name()))
			continue
		}
		s.assignedLocked(e, w, now)
		running++
	}

	s.log.Debug("schedule check",
		logx.Int("already_running", busy),
		logx.Int("newly_running", running),
		logx.Int("pending", len(s.pending)),
		logx.Int("total", len(s.entries)),
	)

	if next != nil {
		s.armLocked(nextStart, now)
	}
}

// drainLocked dispatches the oldest pending entry, if any.
func (s *Scheduler) drainLocked(now time.Time) {
	if len(s.pending) == 0 {
		return
	}
	e := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	w := s.dispatcher.Dispatch(e.task)
	e.worker = w
	if w != nil {
		s.assignedLocked(e, w, now)
	}
}

func (s *Scheduler) assignedLocked(e *entry, w *Worker, now time.Time) {
	e.worker = w
	e.lastStarted = now
	s.publish(EventDispatched, TaskEvent{ID: e.id, Name: e.task.Name(), Worker: w.Name(), At: now})
}

// timeShiftRequiredLocked reports whether the timer must be re-armed for candidate.
// A disarmed timer counts as stale.
func (s *Scheduler) timeShiftRequiredLocked(candidate, now time.Time) bool {
	return !s.armedAt.After(now) || candidate.Before(s.armedAt)
}

func (s *Scheduler) armLocked(at, now time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	s.armedAt = at
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedAt = time.Time{}
}

// fire runs a full pass. A callback that lost a race with re-arming still
// recomputes everything from the live entries, so it is harmless.
func (s *Scheduler) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.checkLocked(s.now())
}

func (s *Scheduler) watchLocked(e *entry) {
	ch := e.task.Disposing()
	if ch == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ch:
			s.disposed(e)
		case <-e.quit:
		}
	}()
}

func (s *Scheduler) disposed(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.removeLocked(e, "disposed")
}

func (s *Scheduler) findLocked(t Task) *entry {
	var idle *entry
	for _, e := range s.entries {
		if e.task != t {
			continue
		}
		if e.worker != nil {
			return e
		}
		if idle == nil {
			idle = e
		}
	}
	return idle
}

func (s *Scheduler) removeLocked(e *entry, reason string) bool {
	idx := -1
	for i, x := range s.entries {
		if x == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	for i, x := range s.pending {
		if x == e {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	close(e.quit)

	now := s.now()
	s.log.Debug("task.removed", logx.Int64("id", e.id), logx.String("task", e.task.Name()), logx.String("reason", reason))
	s.publish(EventRemoved, TaskEvent{ID: e.id, Name: e.task.Name(), At: now, Reason: reason})
	return true
}

func (s *Scheduler) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
