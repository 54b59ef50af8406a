package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

type statusReport struct {
	DataDir          string             `json:"dataDir"`
	MemoryOnly       bool               `json:"memoryOnly,omitempty"`
	Online           bool               `json:"online"`
	HealthURL        string             `json:"healthUrl,omitempty"`
	Pending          int                `json:"pending"`
	Failed           int                `json:"failed"`
	Unsynced         int                `json:"unsynced"`
	ActiveConflict   int                `json:"activeConflicts"`
	DeferredConflict int                `json:"deferredConflicts"`
	LastSweep        *models.SweepStats `json:"lastSweep,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and conflict status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, true, func(a *app) error {
				report := statusReport{
					DataDir:    a.cfg.DataDir,
					MemoryOnly: a.memoryOnly,
					Online:     a.engine.Status().IsOnline,
					HealthURL:  a.cfg.Remote.HealthURL,
				}

				var err error
				if report.Pending, err = a.engine.PendingCount(ctx); err != nil {
					return err
				}
				failed, err := a.engine.FailedOperations(ctx)
				if err != nil {
					return err
				}
				report.Failed = len(failed)
				unsynced, err := a.store.QueryUnsynced(ctx)
				if err != nil {
					return err
				}
				report.Unsynced = len(unsynced)
				deferred, err := a.conflicts.Deferred(ctx)
				if err != nil {
					return err
				}
				report.DeferredConflict = len(deferred)
				active, err := a.conflicts.Active(ctx)
				if err != nil {
					return err
				}
				report.ActiveConflict = len(active)

				var last models.SweepStats
				err = a.store.GetJSON(ctx, lastSweepKey, &last)
				switch {
				case err == nil:
					report.LastSweep = &last
				case !errors.IsNotFound(err):
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, report)
				}
				printStatus(cmd, report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, r statusReport) {
	w := cmd.OutOrStdout()
	renderTitle(w, "painsync status")

	online := okStyle.Render("online")
	if !r.Online {
		online = errStyle.Render("offline")
	}
	if r.HealthURL == "" {
		online += mutedStyle.Render(" (no health URL configured)")
	}
	renderField(w, "Connectivity", online)
	dataDir := r.DataDir
	if r.MemoryOnly {
		dataDir += errStyle.Render(" (unavailable, memory-only: changes will be lost)")
	}
	renderField(w, "Data directory", dataDir)

	count := func(n int, style func(...string) string) string {
		s := strconv.Itoa(n)
		if n > 0 {
			return style(s)
		}
		return s
	}
	renderField(w, "Pending operations", count(r.Pending, warnStyle.Render))
	renderField(w, "Failed operations", count(r.Failed, errStyle.Render))
	renderField(w, "Unsynced records", count(r.Unsynced, warnStyle.Render))
	renderField(w, "Conflicts to review", count(r.ActiveConflict, warnStyle.Render))
	renderField(w, "Deferred conflicts", count(r.DeferredConflict, warnStyle.Render))

	if r.LastSweep == nil {
		renderField(w, "Last sweep", mutedStyle.Render("never"))
		return
	}
	s := r.LastSweep
	renderField(w, "Last sweep", formatTime(s.FinishedAt))
	renderField(w, "", fmt.Sprintf("%d items: %d sent, %d failed, %d retrying, %d skipped",
		s.TotalItems, s.SuccessCount, s.FailureCount, s.RetryCount, s.SkippedCount))
}
