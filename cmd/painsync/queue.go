package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pending and failed operations",
	}
	cmd.AddCommand(
		newQueueListCmd(opts),
		newQueueFailedCmd(opts),
		newQueueRetryCmd(opts),
		newQueueDiscardCmd(opts),
	)
	return cmd
}

func parseOperationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid operation id %q", s)
	}
	return id, nil
}

func newQueueListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in drain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				ops, err := a.store.Dequeue(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, ops)
				}
				rows := make([][]string, 0, len(ops))
				for _, op := range ops {
					rows = append(rows, []string{
						strconv.FormatInt(op.ID, 10),
						string(op.Priority),
						op.Method,
						truncate(op.TargetURL, 48),
						strconv.Itoa(op.RetryCount),
						formatTime(op.EnqueuedAt),
						truncate(op.LastError, 40),
					})
				}
				renderTable(out, []string{"ID", "PRIORITY", "METHOD", "URL", "RETRIES", "ENQUEUED", "LAST ERROR"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print operations as JSON")
	return cmd
}

func newQueueFailedCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List operations evicted from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				failed, err := a.engine.FailedOperations(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return renderJSON(out, failed)
				}
				rows := make([][]string, 0, len(failed))
				for _, f := range failed {
					rows = append(rows, []string{
						strconv.FormatInt(f.Operation.ID, 10),
						f.Operation.Method,
						truncate(f.Operation.TargetURL, 48),
						formatTime(f.FailedAt),
						truncate(f.Reason, 60),
					})
				}
				renderTable(out, []string{"ID", "METHOD", "URL", "FAILED", "REASON"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print failed operations as JSON")
	return cmd
}

func newQueueRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed operation with a fresh retry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOperationID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				newID, err := a.engine.RetryFailed(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s operation %d re-queued as %d\n", okStyle.Render("✓"), id, newID)
				return nil
			})
		},
	}
}

func newQueueDiscardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a failed operation for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOperationID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return opts.withApp(ctx, false, func(a *app) error {
				if err := a.engine.DiscardFailed(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s operation %d discarded\n", okStyle.Render("✓"), id)
				return nil
			})
		},
	}
}
