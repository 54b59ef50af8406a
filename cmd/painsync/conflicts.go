package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync/conflict"
)

func newConflictsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Detect, review and reschedule sync conflicts",
	}
	cmd.AddCommand(
		newConflictsCheckCmd(opts),
		newConflictsListCmd(opts),
		newConflictsAckCmd(opts),
		newConflictsChooseCmd(opts),
		newConflictsPostponeCmd(opts),
		newConflictsDeferredCmd(opts),
		newConflictsHistoryCmd(opts),
		newConflictsRescheduleCmd(opts),
	)
	return cmd
}

// localEntities decodes every stored record of entityType. The record id
// and lastModified fill in when the payload lacks them. The returned map
// takes entity ids back to record ids.
func localEntities(a *app, cmd *cobra.Command, entityType models.EntityType) ([]models.Entity, map[string]int64, error) {
	records, err := a.store.Query(cmd.Context(), entityType)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.Entity, 0, len(records))
	ids := make(map[string]int64, len(records))
	for _, rec := range records {
		e, err := rec.Entity()
		if err != nil || e == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping record %d: payload is not an object\n", rec.ID)
			continue
		}
		if e.ID() == "" {
			e["id"] = strconv.FormatInt(rec.ID, 10)
		}
		if e.LastModified().IsZero() {
			e["lastModified"] = rec.LastModified.UTC().Format(time.RFC3339Nano)
		}
		ids[e.ID()] = rec.ID
		out = append(out, e)
	}
	return out, ids, nil
}

// recordApplier writes merges to the record an entity id came from. Ids
// with no local record fall through to conflict.StoreApplier.
func recordApplier(a *app, ids map[string]int64) conflict.Applier {
	fallback := conflict.StoreApplier(a.store)
	return func(ctx context.Context, c *models.DataConflict, merged models.Entity) error {
		recID, ok := ids[c.EntityID]
		if !ok {
			return fallback(ctx, c, merged)
		}
		payload, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return a.store.Update(ctx, recID, payload)
	}
}

func readRemote(path string) ([]models.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var remotes []models.Entity
	if err := json.Unmarshal(data, &remotes); err != nil {
		return nil, fmt.Errorf("%s: expected a JSON array of objects: %w", path, err)
	}
	return remotes, nil
}

func newConflictsCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		entityType string
		remotePath string
		postpone   string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare local records with a remote snapshot and resolve conflicts",
		Long: `Compare local records of one type with a remote snapshot (a JSON array
of objects keyed by "id").

Confident merges are applied immediately. Merges that need review are
applied and stay listed until confirmed with "conflicts ack". Conflicts
that need a decision are postponed until --postpone and resurface through
the daemon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := models.EntityType(entityType)
			if !t.Valid() {
				return fmt.Errorf("unknown entity type %q", entityType)
			}
			wakeAt, err := parseWakeTime(postpone, time.Now())
			if err != nil {
				return err
			}
			remotes, err := readRemote(remotePath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				locals, ids, err := localEntities(a, cmd, t)
				if err != nil {
					return err
				}
				manager := conflict.NewManager(a.store, recordApplier(a, ids))
				result, err := manager.Process(ctx, t, locals, remotes)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if result.Total() == 0 {
					fmt.Fprintln(out, okStyle.Render("✓ no conflicts"))
					return nil
				}
				for _, id := range result.Applied {
					fmt.Fprintf(out, "%s %s merged\n", okStyle.Render("✓"), id)
				}
				for _, id := range result.NeedsReview {
					entry, err := manager.Get(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s merged, please review: %s\n", warnStyle.Render("!"), id, entry.Resolution.Explanation)
				}
				if len(result.NeedsReview) > 0 {
					fmt.Fprintln(out, mutedStyle.Render(`run "painsync conflicts ack <id>" once you have checked a merge`))
				}
				for _, id := range result.Parked {
					entry, err := manager.Get(ctx, id)
					if err != nil {
						return err
					}
					if err := manager.Postpone(ctx, id, wakeAt); err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s needs your decision (until %s): %s\n",
						errStyle.Render("?"), id, formatTime(wakeAt), entry.Resolution.Explanation)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", string(models.EntityPainEntry), "entity type: pain-entry, settings, emergency-data or activity-log")
	cmd.Flags().StringVar(&remotePath, "remote", "", "path to the remote snapshot JSON")
	cmd.Flags().StringVar(&postpone, "postpone", "tomorrow 9am", "when undecided conflicts should resurface")
	cmd.MarkFlagRequired("remote")
	return cmd
}

func newConflictsListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts waiting for review or a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				active, err := a.conflicts.Active(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, active)
				}
				rows := make([][]string, 0, len(active))
				for _, entry := range active {
					c := entry.Conflict
					state := "decide"
					if entry.Applied {
						state = "review"
					}
					rows = append(rows, []string{
						c.ID, string(c.EntityType), c.EntityID, state, entry.Resolution.Strategy,
						truncate(entry.Resolution.Explanation, 60),
					})
				}
				renderTable(out, []string{"CONFLICT", "TYPE", "ENTITY", "NEEDS", "STRATEGY", "EXPLANATION"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print active conflicts as JSON")
	return cmd
}

func newConflictsAckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <conflict-id>",
		Short: "Confirm a merge that was applied but flagged for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				if err := a.conflicts.Acknowledge(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s confirmed\n", okStyle.Render("✓"), args[0])
				return nil
			})
		},
	}
}

func newConflictsChooseCmd(opts *rootOptions) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "choose <conflict-id>",
		Short: "Decide a conflict by keeping the local or the remote version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				entry, err := a.conflicts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				chosen, err := chooseVersion(entry.Conflict, keep)
				if err != nil {
					return err
				}
				_, ids, err := localEntities(a, cmd, entry.Conflict.EntityType)
				if err != nil {
					return err
				}
				manager := conflict.NewManager(a.store, recordApplier(a, ids))
				err = manager.Apply(ctx, args[0], models.ConflictResolution{
					Strategy:             string(conflict.StrategyUserGuided),
					Resolved:             true,
					MergedData:           chosen,
					Confidence:           100,
					Explanation:          "Kept the " + keep + " version.",
					PreservedUserChanges: keep == "local",
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s resolved, kept the %s version\n", okStyle.Render("✓"), args[0], keep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "local or remote")
	cmd.MarkFlagRequired("keep")
	return cmd
}

func chooseVersion(c *models.DataConflict, keep string) (models.Entity, error) {
	var chosen models.Entity
	switch keep {
	case "local":
		chosen = c.LocalVersion
	case "remote":
		chosen = c.RemoteVersion
	default:
		return nil, fmt.Errorf("--keep must be local or remote, got %q", keep)
	}
	if chosen == nil {
		return nil, fmt.Errorf("conflict %s has no %s version", c.ID, keep)
	}
	return chosen.Clone(), nil
}

func newConflictsPostponeCmd(opts *rootOptions) *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "postpone <conflict-id>",
		Short: "Set an active conflict aside until later",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wakeAt, err := parseWakeTime(until, time.Now())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				if err := a.conflicts.Postpone(ctx, args[0], wakeAt); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s postponed until %s\n", okStyle.Render("✓"), args[0], formatTime(wakeAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "tomorrow 9am", `wake time, e.g. "tomorrow 9am", "in 3 days" or RFC 3339`)
	return cmd
}

func newConflictsDeferredCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "deferred",
		Short: "List postponed conflicts by wake time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				deferred, err := a.conflicts.Deferred(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, deferred)
				}
				rows := make([][]string, 0, len(deferred))
				for _, d := range deferred {
					c := d.Conflict
					rows = append(rows, []string{
						c.ID, string(c.EntityType), c.EntityID, string(c.ConflictType), string(c.Priority), formatTime(d.WakeAt),
					})
				}
				renderTable(out, []string{"CONFLICT", "TYPE", "ENTITY", "KIND", "PRIORITY", "WAKES"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print deferred conflicts as JSON")
	return cmd
}

func newConflictsHistoryCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history [conflict-id]",
		Short: "Show the resolution audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				entries, err := a.conflicts.History(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						formatTime(e.Timestamp), e.ConflictID, e.Action, e.Resolution.Strategy,
						strconv.Itoa(e.Resolution.Confidence), truncate(e.Resolution.Explanation, 60),
					})
				}
				renderTable(out, []string{"WHEN", "CONFLICT", "ACTION", "STRATEGY", "CONFIDENCE", "EXPLANATION"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print audit entries as JSON")
	return cmd
}

func newConflictsRescheduleCmd(opts *rootOptions) *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "reschedule <conflict-id>",
		Short: "Change when a postponed conflict resurfaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wakeAt, err := parseWakeTime(until, time.Now())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				if err := a.conflicts.Reschedule(ctx, args[0], wakeAt); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s resurfaces %s\n", okStyle.Render("✓"), args[0], formatTime(wakeAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "", `wake time, e.g. "tomorrow 9am", "in 3 days" or RFC 3339`)
	cmd.MarkFlagRequired("until")
	return cmd
}
