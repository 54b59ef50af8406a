package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/db"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync/backoff"
)

const (
	// DrainLease is the lease name shared by every engine on one database.
	DrainLease = "queue-drain"

	maxResponseBody = 64 << 10
)

// Config holds engine tunables.
type Config struct {
	MaxRetries     int
	RequestTimeout time.Duration
	LeaseTTL       time.Duration
	Schedule       backoff.Schedule
	// OwnerID identifies this engine in the drain lease; a random id is
	// used when empty.
	OwnerID string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		LeaseTTL:       2 * time.Minute,
		Schedule:       backoff.DefaultSchedule(),
	}
}

// Status is a snapshot of the engine state for status displays.
type Status struct {
	IsOnline   bool               `json:"isOnline"`
	IsSyncing  bool               `json:"isSyncing"`
	RetryTasks int                `json:"retryTasks"`
	LastSweep  *models.SweepStats `json:"lastSweep,omitempty"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c backoff.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger replaces the default "sync" logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine drains pending operations. At most one sweep drains at a time per
// engine, and the drain lease extends that to every engine on the database.
type Engine struct {
	*emitter

	store  db.SyncStore
	client Doer
	conn   Connectivity
	clock  backoff.Clock
	log    *logging.Logger
	cfg    Config
	tasks  *backoff.Tasks

	draining    atomic.Bool
	unsubscribe func()
	baseCtx     context.Context
	cancel      context.CancelFunc

	mu        sync.Mutex
	lastSweep *models.SweepStats
	closed    bool
}

// NewEngine creates an engine and subscribes it to connectivity changes.
// An offline to online transition starts a sweep.
func NewEngine(store db.SyncStore, client Doer, conn Connectivity, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = uuid.New().String()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if conn == nil {
		conn = NewStaticConnectivity(true)
	}

	e := &Engine{
		emitter: newEmitter(),
		store:   store,
		client:  client,
		conn:    conn,
		clock:   backoff.RealClock(),
		log:     logging.Named("sync"),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tasks = backoff.NewTasks(e.clock)
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.unsubscribe = conn.Subscribe(e.onConnectivity)
	return e
}

func (e *Engine) onConnectivity(online bool) {
	if !online {
		e.log.Info("went offline, pending operations stay queued")
		return
	}
	e.log.Info("back online, draining queue")
	if _, err := e.Sweep(e.baseCtx); err != nil {
		e.log.ErrorWithCode("sweep after reconnect failed", string(errors.ErrSyncFailed), err)
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Status implements SyncEngineInterface.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		IsOnline:   e.conn.IsOnline(),
		IsSyncing:  e.draining.Load(),
		RetryTasks: e.tasks.Len(),
	}
	if e.lastSweep != nil {
		last := *e.lastSweep
		st.LastSweep = &last
	}
	return st
}

// PendingCount implements SyncEngineInterface.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// ForceSync implements SyncEngineInterface.
func (e *Engine) ForceSync(ctx context.Context) (models.SweepStats, error) {
	e.log.Info("manual sync requested")
	return e.Sweep(ctx)
}

// Sweep implements SyncEngineInterface.
func (e *Engine) Sweep(ctx context.Context) (models.SweepStats, error) {
	stats, _, err := e.sweep(ctx)
	return stats, err
}

func (e *Engine) newStats() models.SweepStats {
	now := e.clock.Now()
	return models.SweepStats{Errors: []string{}, StartedAt: now, FinishedAt: now}
}

// sweep reports started=false when it returned without draining.
func (e *Engine) sweep(ctx context.Context) (models.SweepStats, bool, error) {
	stats := e.newStats()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed || !e.conn.IsOnline() {
		return stats, false, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.log.Debug("sweep already in progress, skipping")
		return stats, false, nil
	}
	defer e.draining.Store(false)

	if err := e.store.AcquireLease(ctx, DrainLease, e.cfg.OwnerID, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, errors.ErrLeaseHeld) {
			e.log.Debug("another process is draining the queue")
			return stats, false, nil
		}
		return stats, false, err
	}
	leaseAt := e.clock.Now()
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), DrainLease, e.cfg.OwnerID); err != nil {
			e.log.Warn("failed to release drain lease", map[string]interface{}{"error": err.Error()})
		}
	}()

	ops, err := e.store.Dequeue(ctx)
	if err != nil {
		return stats, true, err
	}
	stats.TotalItems = len(ops)
	e.emit(EventSyncStarted, stats)

	var syncedRecords []int64
	for i, snap := range ops {
		if ctx.Err() != nil {
			stats.SkippedCount += len(ops) - i
			break
		}
		if !e.conn.IsOnline() {
			stats.SkippedCount++
			continue
		}
		if e.tasks.Pending(snap.ID) {
			stats.SkippedCount++
			continue
		}

		if e.clock.Now().Sub(leaseAt) > e.cfg.LeaseTTL/2 {
			if err := e.store.AcquireLease(ctx, DrainLease, e.cfg.OwnerID, e.cfg.LeaseTTL); err != nil {
				if !errors.Is(err, errors.ErrLeaseHeld) {
					return e.finish(stats), true, err
				}
				e.log.Warn("drain lease lost mid-sweep")
				stats.SkippedCount += len(ops) - i
				break
			}
			leaseAt = e.clock.Now()
		}

		// The snapshot may be stale; another path may have removed or
		// updated the operation since Dequeue.
		op, err := e.store.GetOperation(ctx, snap.ID)
		if errors.IsNotFound(err) {
			stats.SkippedCount++
			continue
		}
		if err != nil {
			return e.finish(stats), true, err
		}

		ok, err := e.process(ctx, op, &stats)
		if err != nil {
			return e.finish(stats), true, err
		}
		if ok && op.RecordID != nil {
			syncedRecords = append(syncedRecords, *op.RecordID)
		}
	}

	if stats.SuccessCount > 0 && len(syncedRecords) > 0 {
		if err := e.reconcile(context.WithoutCancel(ctx), syncedRecords); err != nil {
			return e.finish(stats), true, err
		}
	}

	stats = e.finish(stats)
	e.log.Info("sweep completed", map[string]interface{}{
		"total":   stats.TotalItems,
		"success": stats.SuccessCount,
		"failure": stats.FailureCount,
		"skipped": stats.SkippedCount,
		"retry":   stats.RetryCount,
	})
	e.emit(EventSyncCompleted, stats)
	return stats, true, nil
}

func (e *Engine) finish(stats models.SweepStats) models.SweepStats {
	stats.FinishedAt = e.clock.Now()
	e.mu.Lock()
	last := stats
	last.Errors = append([]string(nil), stats.Errors...)
	e.lastSweep = &last
	e.mu.Unlock()
	return stats
}

// process attempts one operation and updates stats. It reports whether the
// remote confirmed the operation; a non-nil error is a storage failure.
func (e *Engine) process(ctx context.Context, op *models.PendingOperation, stats *models.SweepStats) (bool, error) {
	res := e.attempt(ctx, op)
	// Bookkeeping for an attempt that already happened must not fail
	// because the sweep's context ended meanwhile.
	ctx = context.WithoutCancel(ctx)
	fields := map[string]interface{}{"operation_id": op.ID, "method": op.Method, "url": op.TargetURL}

	switch {
	case res.ok:
		if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
			return false, err
		}
		e.tasks.Cancel(op.ID)
		stats.SuccessCount++
		e.log.Debug("operation delivered", fields)
		return true, nil

	case !res.retryable:
		if err := e.evict(ctx, op, res.message); err != nil {
			return false, err
		}
		stats.FailureCount++
		stats.Errors = append(stats.Errors, fmt.Sprintf("operation %d: %s", op.ID, res.message))
		fields["error"] = res.message
		e.log.Warn("operation rejected by remote", fields)
		return false, nil

	case op.RetryCount >= e.cfg.MaxRetries:
		msg := "Max retries exceeded: " + res.message
		if err := e.evict(ctx, op, msg); err != nil {
			return false, err
		}
		stats.FailureCount++
		stats.Errors = append(stats.Errors, fmt.Sprintf("operation %d: %s", op.ID, msg))
		fields["error"] = res.message
		fields["attempts"] = op.RetryCount + 1
		e.log.Warn("operation evicted after max retries", fields)
		return false, nil
	}

	next := op.RetryCount + 1
	msg := res.message
	if err := e.store.UpdateOperation(ctx, op.ID, models.OperationPatch{RetryCount: &next, LastError: &msg}); err != nil {
		return false, err
	}
	delay := e.cfg.Schedule.Delay(op.RetryCount)
	e.scheduleRetry(op.ID, delay)
	stats.RetryCount++
	fields["error"] = res.message
	fields["retry_count"] = next
	fields["delay_ms"] = delay.Milliseconds()
	e.log.Info("operation failed, retry scheduled", fields)
	return false, nil
}

func (e *Engine) scheduleRetry(id int64, delay time.Duration) {
	e.tasks.Schedule(id, delay, func() {
		_, started, err := e.sweep(e.baseCtx)
		if err != nil {
			e.log.ErrorWithCode("retry sweep failed", string(errors.ErrSyncFailed), err,
				map[string]interface{}{"operation_id": id})
			return
		}
		// A retry that lands while another sweep drains is re-armed rather
		// than lost; offline retries wait for the reconnect sweep.
		if !started && e.draining.Load() {
			e.scheduleRetry(id, e.cfg.Schedule.Delay(0))
		}
	})
}

// evict removes op, cancels its retry task and parks it in the dead-letter
// table so the user can retry or discard it.
func (e *Engine) evict(ctx context.Context, op *models.PendingOperation, reason string) error {
	if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
		return err
	}
	e.tasks.Cancel(op.ID)

	op.LastError = reason
	failed := models.FailedOperation{Operation: *op, Reason: reason, FailedAt: e.clock.Now()}
	if err := e.store.SetJSON(ctx, FailedKey(op.ID), failed); err != nil {
		return err
	}
	e.emit(EventOperationEvicted, failed)
	return nil
}

// reconcile marks the records behind delivered operations as synced,
// unless another operation for the same record is still queued.
func (e *Engine) reconcile(ctx context.Context, delivered []int64) error {
	remaining, err := e.store.Dequeue(ctx)
	if err != nil {
		return err
	}
	stillQueued := make(map[int64]bool)
	for _, op := range remaining {
		if op.RecordID != nil {
			stillQueued[*op.RecordID] = true
		}
	}
	want := make(map[int64]bool, len(delivered))
	for _, id := range delivered {
		if !stillQueued[id] {
			want[id] = true
		}
	}

	unsynced, err := e.store.QueryUnsynced(ctx)
	if err != nil {
		return err
	}
	for _, rec := range unsynced {
		if !want[rec.ID] {
			continue
		}
		if err := e.store.MarkSynced(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

type attemptResult struct {
	ok        bool
	retryable bool
	status    int
	message   string
}

// attempt issues the request with the per-request timeout and classifies
// the outcome.
func (e *Engine) attempt(ctx context.Context, op *models.PendingOperation) attemptResult {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if op.Body != nil {
		body = strings.NewReader(*op.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, op.Method, op.TargetURL, body)
	if err != nil {
		return attemptResult{message: "invalid request: " + err.Error()}
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	if op.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return attemptResult{retryable: true, message: fmt.Sprintf("request timed out after %s", e.cfg.RequestTimeout)}
		}
		return attemptResult{retryable: true, message: "network error: " + err.Error()}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	res := attemptResult{status: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.ok = true
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		res.retryable = true
		res.message = statusMessage(resp, data)
	default:
		res.message = statusMessage(resp, data)
	}
	return res
}

// statusMessage prefers a JSON {"message": ...} body over the status line.
func statusMessage(resp *http.Response, data []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return "HTTP " + status
}

// SubmitEmergency delivers a crisis-time call immediately when online and
// falls back to the queue at high priority otherwise. It reports whether
// the remote confirmed the call.
func (e *Engine) SubmitEmergency(ctx context.Context, op *models.PendingOperation) (bool, error) {
	op.Priority = models.PriorityHigh
	if e.conn.IsOnline() {
		res := e.attempt(ctx, op)
		if res.ok {
			e.log.Info("emergency operation delivered", map[string]interface{}{"url": op.TargetURL})
			e.emit(EventEmergencyDelivered, op)
			return true, nil
		}
		e.log.Warn("emergency delivery failed, queued", map[string]interface{}{
			"url":   op.TargetURL,
			"error": res.message,
		})
	}
	if _, err := e.store.Enqueue(ctx, op); err != nil {
		return false, err
	}
	return false, nil
}

// QueueMutation is the offline-first write path: it stores the record and
// queues its remote call atomically.
func (e *Engine) QueueMutation(ctx context.Context, recordType models.EntityType, payload json.RawMessage, op *models.PendingOperation) (recordID, opID int64, err error) {
	if !recordType.Valid() {
		return 0, 0, errors.New(errors.ErrInvalid, "unknown record type "+string(recordType))
	}
	if op.Body == nil && op.Method != http.MethodGet && op.Method != http.MethodDelete {
		b := string(payload)
		op.Body = &b
	}
	return e.store.PutAndEnqueue(ctx, recordType, payload, op)
}

// Close cancels retry tasks, unsubscribes from connectivity and drops
// event handlers. Sweeps requested afterwards do nothing.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.unsubscribe()
	e.cancel()
	e.tasks.CancelAll()
	e.removeAll()
	return nil
}
