package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskwarden/pkg/logx"
)

// sdNotify reports state to systemd. Outside a Type=notify unit it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog pings the systemd watchdog at half the configured interval
// while the engine is running.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	period := interval / 2
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if a.engine.Snapshot().Started {
					a.sdNotify(daemon.SdNotifyWatchdog)
				}
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}
