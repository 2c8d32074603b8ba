package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
)

const stopTimeout = 15 * time.Second

func newRunCmd(cfgPath *string, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfgPath, version)
		},
	}
}

func run(parent context.Context, cfgPath, version string) error {
	if parent == nil {
		parent = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath, app.WithVersion(version))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if a.Err() == nil {
			reason = app.StopAppStop
		}
	case <-parent.Done():
		reason = app.StopAppStop
	}

	fatal := a.Err()
	stop(reason)
	return fatal
}
