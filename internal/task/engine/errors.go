package engine

import "errors"

var (
	ErrNotStarted  = errors.New("task engine not started")
	ErrStopped     = errors.New("task engine stopped")
	ErrNilTask     = errors.New("task is nil")
	ErrNilPolicy   = errors.New("recurrence policy is nil")
	ErrUnknownTask = errors.New("no schedule entry for completed task")
	ErrWorkerBusy  = errors.New("worker is busy")
)
