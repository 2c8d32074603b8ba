package app

import (
	"context"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

// journalPrefixes are the events that finish a run.
var journalPrefixes = []string{engine.EventCompleted, engine.EventFailed}

// runJournal writes one RunRecord per finished run.
type runJournal struct {
	store storage.Store
	log   logx.Logger
}

func (j *runJournal) record(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	r := storage.RunRecord{
		Task:     ev.Name,
		Worker:   ev.Worker,
		Started:  ev.Started,
		Finished: ev.At,
		OK:       e.Type == engine.EventCompleted,
		Error:    ev.Error,
	}
	if r.Started.IsZero() {
		r.Started = r.Finished.Add(-ev.Duration)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := j.store.AppendRun(wctx, r); err != nil {
		j.log.Warn("run journal append failed", logx.String("task", r.Task), logx.Err(err))
	}
}

// run drains events until ctx is done or the subscription is closed.
func (j *runJournal) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// the store outlives the app context during Stop; give writes their own deadline
			j.record(context.WithoutCancel(ctx), e)
		}
	}
}
