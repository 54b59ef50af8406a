// Package scheduler drives the sync engine from background triggers: a
// periodic sweep while online and a sweep whenever the app becomes visible.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
	syncpkg "github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync"
)

// Scheduler manages background sync triggers.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	syncInterval time.Duration
	sweepTimeout time.Duration
	periodic     []func(ctx context.Context)
	log          *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	visible      bool
	lastSyncTime time.Time
	lastStats    *models.SweepStats
	lastErr      error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sweep while online (default: 5 minutes)
	SweepTimeout time.Duration // Upper bound on one background sweep (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		SweepTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = def.SweepTimeout
	}

	return &Scheduler{
		engine:       engine,
		syncInterval: config.SyncInterval,
		sweepTimeout: config.SweepTimeout,
		log:          logging.Named("scheduler"),
		stopCh:       make(chan struct{}),
		visible:      true,
	}
}

// AddPeriodic registers fn to run on every periodic tick, online or not.
// It must be called before Start.
func (s *Scheduler) AddPeriodic(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodic = append(s.periodic, fn)
}

// Start starts the background loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	s.log.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the background loop and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("Background sync scheduler stopped")
}

// SetVisible records app visibility. Becoming visible while online
// triggers a sweep.
func (s *Scheduler) SetVisible(ctx context.Context, visible bool) bool {
	s.mu.Lock()
	became := visible && !s.visible
	s.visible = visible
	s.mu.Unlock()

	if !became {
		return false
	}
	s.log.Debug("app became visible")
	return s.TriggerSync(ctx)
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.RLock()
	hooks := append([]func(context.Context){}, s.periodic...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	st := s.engine.Status()
	if !st.IsOnline {
		return
	}
	if st.IsSyncing {
		s.log.Debug("Sync already in progress, skipping")
		return
	}
	s.runSync(ctx, "periodic")
}

// runSync executes one sweep and records its outcome.
func (s *Scheduler) runSync(ctx context.Context, trigger string) (models.SweepStats, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
	defer cancel()

	stats, err := s.engine.Sweep(syncCtx)

	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.lastSyncTime = time.Now()
		s.lastStats = &stats
	}
	s.mu.Unlock()

	if err != nil {
		s.log.ErrorWithCode("Background sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": trigger})
		return stats, err
	}
	if stats.TotalItems > 0 {
		s.log.Info("Background sync completed", map[string]interface{}{
			"trigger": trigger,
			"success": stats.SuccessCount,
			"failure": stats.FailureCount,
			"skipped": stats.SkippedCount,
		})
	}
	return stats, nil
}

// TriggerSync starts a sweep in the background. It returns false when the
// engine is offline or already draining.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	st := s.engine.Status()
	if !st.IsOnline || st.IsSyncing {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx, "manual")
	}()
	return true
}

// SyncNow runs a sweep and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (models.SweepStats, error) {
	return s.runSync(ctx, "manual")
}

// SchedulerStatus is the scheduler's view for status displays.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	Visible        bool
	SyncInProgress bool
	LastSyncTime   *time.Time
	LastStats      *models.SweepStats
	LastError      error
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	st := s.engine.Status()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       st.IsOnline,
		Visible:        s.visible,
		SyncInProgress: st.IsSyncing,
		LastError:      s.lastErr,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastStats != nil {
		stats := *s.lastStats
		status.LastStats = &stats
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
