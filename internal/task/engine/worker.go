package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

// completion is what a worker reports after a task returned, whatever the outcome.
type completion struct {
	task Task
	at   time.Time
}

// Worker owns one goroutine and a single-slot inbox.
//
// The busy flag is guarded by the pool lock shared by all workers of a Manager.
type Worker struct {
	id   int
	name string

	inbox chan Task
	done  chan<- completion

	poolMu *sync.Mutex
	busy   bool

	log logx.Logger
	bus eventbus.Bus
}

func newWorker(id int, poolMu *sync.Mutex, done chan<- completion, log logx.Logger, bus eventbus.Bus) *Worker {
	name := fmt.Sprintf("worker.%d", id)
	return &Worker{
		id:     id,
		name:   name,
		inbox:  make(chan Task, 1),
		done:   done,
		poolMu: poolMu,
		log:    log.With(logx.String("worker", name)),
		bus:    bus,
	}
}

func (w *Worker) ID() int      { return w.id }
func (w *Worker) Name() string { return w.name }

func (w *Worker) Busy() bool {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.busy
}

// assignLocked hands t to the worker without blocking. The pool lock must be held.
func (w *Worker) assignLocked(t Task) error {
	if w.busy {
		return ErrWorkerBusy
	}
	select {
	case w.inbox <- t:
		w.busy = true
		return nil
	default:
		return ErrWorkerBusy
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.inbox:
			at := w.execute(ctx, t)

			w.poolMu.Lock()
			w.busy = false
			w.poolMu.Unlock()

			select {
			case w.done <- completion{task: t, at: at}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execute runs t to completion. Errors and panics are logged and swallowed.
func (w *Worker) execute(ctx context.Context, t Task) time.Time {
	name := t.Name()
	start := time.Now()
	w.log.Debug("task.started", logx.String("task", name))

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				w.log.Error("task.panic", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.Run(ctx)
	}()

	end := time.Now()
	dur := end.Sub(start)
	ev := TaskEvent{Name: name, Worker: w.name, At: end, Started: start, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		w.log.Warn("task.failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur))
		w.publish(EventFailed, ev)
		return end
	}
	if dur >= 750*time.Millisecond {
		w.log.Info("task.completed", logx.String("task", name), logx.Duration("dur", dur))
	} else {
		w.log.Debug("task.completed", logx.String("task", name), logx.Duration("dur", dur))
	}
	w.publish(EventCompleted, ev)
	return end
}

func (w *Worker) publish(typ string, ev TaskEvent) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
