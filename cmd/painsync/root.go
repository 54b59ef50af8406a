package main

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/config"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/db"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
	syncpkg "github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync/backoff"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync/conflict"
)

// lastSweepKey stores the stats of the most recent completed sweep.
const lastSweepKey = "sync:last-sweep"

type rootOptions struct {
	configPath string
	cfg        *config.Config
	logFile    io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "painsync",
		Short:         "Offline sync queue and conflict tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logFile != nil {
				opts.logFile.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/painsync/painsync.yaml or ./painsync.yaml)")
	flags.String("data-dir", "", "directory holding painsync.db")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("memory-fallback", false, "keep running on a memory-only database if the data directory cannot be opened")

	root.AddCommand(
		newStatusCmd(opts),
		newSyncCmd(opts),
		newQueueCmd(opts),
		newConflictsCmd(opts),
		newDaemonCmd(opts),
		newResetCmd(opts),
	)
	return root
}

// load resolves the config (flags over env over file over defaults) and
// sets up the global logger.
func (o *rootOptions) load(cmd *cobra.Command) error {
	v := config.New(o.configPath)
	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("data_dir", flags.Lookup("data-dir")); err != nil {
		return err
	}
	if err := v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("memory_fallback", flags.Lookup("memory-fallback")); err != nil {
		return err
	}

	cfg, err := config.FromViper(v, o.configPath != "")
	if err != nil {
		return err
	}
	o.cfg = cfg

	level, _ := logging.ParseLevel(cfg.Log.Level)
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w := logging.FileWriter(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays)
		o.logFile = w
		out = w
	}
	logging.Init(out, level)
	return nil
}

// app is the wired sync core for one command invocation.
type app struct {
	cfg       *config.Config
	db        *db.DB
	store     *db.Store
	probe     *syncpkg.HTTPProbe
	engine    *syncpkg.Engine
	conflicts *conflict.Manager

	// memoryOnly is set when the on-disk database could not be opened.
	memoryOnly bool
}

// openApp opens the database and wires the engine. With checkNow the
// health probe is consulted once before the engine subscribes, so opening
// does not itself trigger a sweep.
func openApp(ctx context.Context, cfg *config.Config, checkNow bool) (*app, error) {
	database, memoryOnly, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	store := db.NewStore(database.DB)
	client := &http.Client{}

	a := &app{cfg: cfg, db: database, store: store, memoryOnly: memoryOnly}

	var conn syncpkg.Connectivity = syncpkg.NewStaticConnectivity(true)
	if cfg.Remote.HealthURL != "" {
		a.probe = syncpkg.NewHTTPProbe(cfg.Remote.HealthURL, cfg.Remote.ProbeInterval, client)
		if checkNow {
			a.probe.Check(ctx)
		}
		conn = a.probe
	}

	a.engine = syncpkg.NewEngine(store, client, conn, engineConfig(cfg))
	a.engine.On(syncpkg.EventSyncCompleted, func(_ string, payload any) {
		if stats, ok := payload.(models.SweepStats); ok {
			if err := store.SetJSON(context.Background(), lastSweepKey, stats); err != nil {
				logging.Warn("could not record last sweep", map[string]interface{}{"error": err.Error()})
			}
		}
	})
	a.conflicts = conflict.NewManager(store, conflict.StoreApplier(store))
	return a, nil
}

// openDatabase opens the database in the data directory, or a memory-only
// one when that fails and memory_fallback is set.
func openDatabase(cfg *config.Config) (*db.DB, bool, error) {
	database, err := db.Open(cfg.DataDir)
	if err == nil {
		return database, false, nil
	}
	if !cfg.MemoryFallback {
		return nil, false, err
	}
	logging.Warn("database unavailable, continuing in memory-only mode", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"error":    err.Error(),
	})
	database, memErr := db.OpenMemory()
	if memErr != nil {
		return nil, false, memErr
	}
	return database, true, nil
}

func engineConfig(cfg *config.Config) syncpkg.Config {
	return syncpkg.Config{
		MaxRetries:     cfg.Sync.MaxRetries,
		RequestTimeout: cfg.Sync.RequestTimeout,
		LeaseTTL:       cfg.Sync.LeaseTTL,
		Schedule: backoff.Schedule{
			Delays: cfg.Sync.RetryDelays,
			Cap:    cfg.Sync.RetryCap,
		},
	}
}

func (a *app) Close() error {
	a.engine.Close()
	a.store.Close()
	return a.db.Close()
}

// withApp opens the app for the duration of fn.
func (o *rootOptions) withApp(ctx context.Context, checkNow bool, fn func(*app) error) error {
	a, err := openApp(ctx, o.cfg, checkNow)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
