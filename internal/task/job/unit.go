package job

import (
	"context"
	"time"
)

// UnitController applies a systemd job to a unit and waits for its result.
type UnitController interface {
	Do(ctx context.Context, action, unit string) error
}

// UnitTask drives a systemd unit through a UnitController.
type UnitTask struct {
	*Base

	action  string
	unit    string
	ctl     UnitController
	timeout time.Duration
}

// UnitVia returns a task that runs action on unit through ctl. A zero timeout
// leaves the job bounded only by engine shutdown.
func UnitVia(name, action, unit string, ctl UnitController, timeout time.Duration) *UnitTask {
	return &UnitTask{Base: NewBase(name), action: action, unit: unit, ctl: ctl, timeout: timeout}
}

func (u *UnitTask) String() string { return u.action + " " + u.unit }

func (u *UnitTask) Run(ctx context.Context) error {
	u.SetProgress(-1)
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	if err := u.ctl.Do(ctx, u.action, u.unit); err != nil {
		return err
	}
	u.SetProgress(100)
	return nil
}
