package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/config"
	"taskwarden/internal/task/recurrence"
)

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print each task's next start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			loc := time.Local
			if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
				if loc, err = time.LoadLocation(tz); err != nil {
					return err
				}
			}

			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tENABLED\tNEXT")
			for _, tc := range cfg.Tasks {
				spec, err := recurrence.ParseSchedule(tc.Schedule)
				if err != nil {
					return err
				}
				p, err := spec.Policy(now, loc)
				if err != nil {
					return err
				}
				next := "-"
				if p.Executable() {
					next = p.StartDate().In(loc).Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", tc.Name, spec.Kind, tc.IsEnabled(), next)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d task(s)\n", len(cfg.Tasks))
			return nil
		},
	}
}
