package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	syncpkg "github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync/scheduler"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run background sync until interrupted",
		Long: `Run the sync engine in the foreground.

The daemon sweeps the queue on start, every sync.periodic_interval while
online, and whenever the health probe sees the remote come back. Retries
run on their backoff timers. Deferred conflicts whose wake time has passed
are resurfaced on every periodic tick. SIGINT or SIGTERM stops it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.withApp(ctx, false, func(a *app) error {
				return runDaemon(ctx, a)
			})
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	log := logging.Named("daemon")

	a.engine.On(syncpkg.EventOperationEvicted, func(_ string, payload any) {
		log.Warn("operation moved to failed list", map[string]interface{}{"operation": payload})
	})

	sched := scheduler.NewScheduler(a.engine, &scheduler.SchedulerConfig{
		SyncInterval: a.cfg.Sync.PeriodicInterval,
	})
	sched.AddPeriodic(func(ctx context.Context) {
		woken, err := a.conflicts.Wake(ctx)
		if err != nil {
			log.Error("could not resurface deferred conflicts", err)
			return
		}
		for _, c := range woken {
			log.Info("conflict needs a decision", map[string]interface{}{
				"conflict_id": c.ID,
				"entity_type": c.EntityType,
				"entity_id":   c.EntityID,
			})
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	if a.probe != nil {
		// The first check publishes online, which sweeps through the engine.
		g.Go(func() error { return a.probe.Run(gctx) })
	} else {
		g.Go(func() error {
			if _, err := sched.SyncNow(gctx); err != nil {
				if errors.IsStorage(err) {
					return err
				}
				log.Warn("initial sweep failed", map[string]interface{}{"error": err.Error()})
			}
			return nil
		})
	}
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	log.Info("daemon started", map[string]interface{}{
		"data_dir":   a.cfg.DataDir,
		"health_url": a.cfg.Remote.HealthURL,
		"interval":   a.cfg.Sync.PeriodicInterval.String(),
	})
	err := g.Wait()
	log.Info("daemon stopped")
	return err
}
