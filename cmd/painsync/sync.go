package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the pending queue once",
		Long: `Run one sweep over the pending queue.

Operations that fail with a retryable error are not retried by this
command; their retry count is kept and the next sweep (or the daemon)
picks them up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, true, func(a *app) error {
				if !a.engine.Status().IsOnline {
					return fmt.Errorf("remote is unreachable at %s", a.cfg.Remote.HealthURL)
				}
				stats, err := a.engine.ForceSync(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, stats)
				}
				if stats.TotalItems == 0 {
					fmt.Fprintln(out, mutedStyle.Render("Queue is empty or another process is draining it."))
					return nil
				}
				fmt.Fprintf(out, "%s %d sent, %d failed, %d retrying, %d skipped\n",
					okStyle.Render("✓"), stats.SuccessCount, stats.FailureCount, stats.RetryCount, stats.SkippedCount)
				for _, e := range stats.Errors {
					fmt.Fprintln(out, errStyle.Render("  "+e))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sweep stats as JSON")
	return cmd
}
