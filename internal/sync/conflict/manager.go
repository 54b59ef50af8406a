package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/db"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// kv prefixes owned by the manager.
const (
	AuditPrefix    = "conflict-audit:"
	DeferredPrefix = "conflict-deferred:"
	ActivePrefix   = "conflict-active:"
)

// DeferredKey returns the kv key of a postponed conflict.
func DeferredKey(conflictID string) string {
	return DeferredPrefix + conflictID
}

// ActiveKey returns the kv key of a conflict waiting for the user.
func ActiveKey(conflictID string) string {
	return ActivePrefix + conflictID
}

// Applier writes a merged entity back to local storage.
type Applier func(ctx context.Context, c *models.DataConflict, merged models.Entity) error

// StoreApplier applies merges to records whose id is the entity id. A
// record that no longer exists locally is re-created.
func StoreApplier(records db.RecordStore) Applier {
	return func(ctx context.Context, c *models.DataConflict, merged models.Entity) error {
		payload, err := json.Marshal(merged)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode merged entity", err)
		}
		id, err := strconv.ParseInt(c.EntityID, 10, 64)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "entity id is not a record id: "+c.EntityID, err)
		}
		err = records.Update(ctx, id, payload)
		if errors.IsNotFound(err) {
			_, err = records.Put(ctx, c.EntityType, payload)
		}
		return err
	}
}

// ActiveConflict is a conflict waiting for the user, with the resolution
// proposed for it. Applied is set when the proposal was already written
// locally and only needs confirmation.
type ActiveConflict struct {
	Conflict   *models.DataConflict      `json:"conflict"`
	Resolution models.ConflictResolution `json:"resolution"`
	Applied    bool                      `json:"applied"`
}

// ProcessResult lists conflict ids by outcome.
type ProcessResult struct {
	Applied     []string
	NeedsReview []string
	Parked      []string
}

// Total returns the number of conflicts processed.
func (r ProcessResult) Total() int {
	return len(r.Applied) + len(r.NeedsReview) + len(r.Parked)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNow replaces the clock of the manager, its detector and resolver.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.Now = now
		m.Detector.Now = now
		m.Resolver.Now = now
	}
}

// Manager detects conflicts, applies what can be applied and keeps the
// rest for the user. Active and deferred conflicts live in kv, so any
// Manager on the same store sees them.
type Manager struct {
	Detector *Detector
	Resolver *Resolver
	Now      func() time.Time

	kv    db.KVStore
	apply Applier
	log   *logging.Logger

	mu        sync.Mutex
	lastAudit int64
}

// NewManager creates a Manager storing its audit, active and deferred
// tables in kv.
func NewManager(kv db.KVStore, apply Applier, opts ...ManagerOption) *Manager {
	m := &Manager{
		Detector: NewDetector(kv),
		Resolver: NewResolver(),
		Now:      time.Now,
		kv:       kv,
		apply:    apply,
		log:      logging.Named("conflict"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Process detects conflicts between locals and remotes and handles each:
// a confident resolution is applied and audited, a resolution needing
// review is applied and kept active for confirmation, and an unresolved
// conflict is parked in the active set.
func (m *Manager) Process(ctx context.Context, entityType models.EntityType, locals, remotes []models.Entity) (ProcessResult, error) {
	var result ProcessResult
	conflicts, err := m.Detector.Detect(ctx, entityType, locals, remotes)
	if err != nil {
		return result, err
	}

	for _, c := range conflicts {
		res, err := m.Resolver.Resolve(c)
		if err != nil {
			return result, err
		}
		entry := &ActiveConflict{Conflict: c, Resolution: res}

		if !res.Resolved {
			if err := m.setActive(ctx, entry); err != nil {
				return result, err
			}
			result.Parked = append(result.Parked, c.ID)
			continue
		}

		if err := m.applyAndAudit(ctx, c, res, models.AuditApplied); err != nil {
			return result, err
		}
		if res.RequiresUserReview {
			entry.Applied = true
			if err := m.setActive(ctx, entry); err != nil {
				return result, err
			}
			result.NeedsReview = append(result.NeedsReview, c.ID)
			continue
		}
		result.Applied = append(result.Applied, c.ID)
	}

	if result.Total() > 0 {
		m.log.Info("Conflicts processed", map[string]interface{}{
			"entity_type":  entityType,
			"applied":      len(result.Applied),
			"needs_review": len(result.NeedsReview),
			"parked":       len(result.Parked),
		})
	}
	return result, nil
}

// Apply writes the user's chosen resolution for an active conflict.
func (m *Manager) Apply(ctx context.Context, id string, resolution models.ConflictResolution) error {
	entry, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !resolution.Resolved || resolution.MergedData == nil {
		return errors.New(errors.ErrConflictUnresolved, "resolution for "+id+" carries no merged data")
	}
	if err := m.applyAndAudit(ctx, entry.Conflict, resolution, models.AuditApplied); err != nil {
		return err
	}
	return m.kv.DeleteValue(ctx, ActiveKey(id))
}

// Acknowledge confirms a resolution that was applied but flagged for review.
func (m *Manager) Acknowledge(ctx context.Context, id string) error {
	entry, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !entry.Applied {
		return errors.New(errors.ErrConflictUnresolved, "conflict "+id+" has no applied resolution to confirm")
	}
	res := entry.Resolution
	res.RequiresUserReview = false
	if err := m.audit(ctx, id, res, models.AuditAcknowledged); err != nil {
		return err
	}
	return m.kv.DeleteValue(ctx, ActiveKey(id))
}

// Postpone moves an active conflict to the deferred table until wakeAt.
func (m *Manager) Postpone(ctx context.Context, id string, wakeAt time.Time) error {
	entry, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	deferred := models.DeferredConflict{Conflict: *entry.Conflict, WakeAt: wakeAt}
	if err := m.kv.SetJSON(ctx, DeferredKey(id), deferred); err != nil {
		return err
	}
	if err := m.audit(ctx, id, entry.Resolution, models.AuditPostponed); err != nil {
		return err
	}
	if err := m.kv.DeleteValue(ctx, ActiveKey(id)); err != nil {
		return err
	}
	m.log.Info("Conflict postponed", map[string]interface{}{"conflict_id": id, "wake_at": wakeAt})
	return nil
}

// Reschedule changes the wake time of a deferred conflict.
func (m *Manager) Reschedule(ctx context.Context, id string, wakeAt time.Time) error {
	var deferred models.DeferredConflict
	err := m.kv.GetJSON(ctx, DeferredKey(id), &deferred)
	if errors.IsNotFound(err) {
		return errors.Wrap(errors.ErrConflictNotFound, "no deferred conflict "+id, err)
	}
	if err != nil {
		return err
	}
	deferred.WakeAt = wakeAt
	return m.kv.SetJSON(ctx, DeferredKey(id), deferred)
}

// Wake returns deferred conflicts whose wake time has passed to the
// active set, re-resolving each. The active row and a woken audit entry
// are written before the deferred row is removed. It returns the woken
// conflicts.
func (m *Manager) Wake(ctx context.Context) ([]*models.DataConflict, error) {
	deferred, err := m.Deferred(ctx)
	if err != nil {
		return nil, err
	}

	now := m.Now()
	var woken []*models.DataConflict
	for i := range deferred {
		d := deferred[i]
		if d.WakeAt.After(now) {
			continue
		}
		c := d.Conflict
		res, err := m.Resolver.Resolve(&c)
		if err != nil {
			return woken, err
		}
		if err := m.setActive(ctx, &ActiveConflict{Conflict: &c, Resolution: res}); err != nil {
			return woken, err
		}
		if err := m.audit(ctx, c.ID, res, models.AuditWoken); err != nil {
			return woken, err
		}
		if err := m.kv.DeleteValue(ctx, DeferredKey(c.ID)); err != nil {
			return woken, err
		}
		woken = append(woken, &c)
	}
	if len(woken) > 0 {
		m.log.Info("Deferred conflicts resurfaced", map[string]interface{}{"count": len(woken)})
	}
	return woken, nil
}

// Active returns the active conflicts ordered by detection time.
func (m *Manager) Active(ctx context.Context) ([]ActiveConflict, error) {
	rows, err := m.kv.ScanPrefix(ctx, ActivePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveConflict, 0, len(rows))
	for _, row := range rows {
		var entry ActiveConflict
		if err := json.Unmarshal([]byte(row.Value), &entry); err != nil || entry.Conflict == nil {
			m.log.Warn("unreadable active conflict skipped", map[string]interface{}{"key": row.Key})
			continue
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Conflict, out[j].Conflict
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// Get returns one active conflict.
func (m *Manager) Get(ctx context.Context, id string) (ActiveConflict, error) {
	entry, err := m.lookup(ctx, id)
	if err != nil {
		return ActiveConflict{}, err
	}
	return *entry, nil
}

// Deferred lists postponed conflicts by wake time.
func (m *Manager) Deferred(ctx context.Context) ([]models.DeferredConflict, error) {
	rows, err := m.kv.ScanPrefix(ctx, DeferredPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.DeferredConflict, 0, len(rows))
	for _, row := range rows {
		var d models.DeferredConflict
		if err := json.Unmarshal([]byte(row.Value), &d); err != nil {
			m.log.Warn("unreadable deferred conflict skipped", map[string]interface{}{"key": row.Key})
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WakeAt.Before(out[j].WakeAt) })
	return out, nil
}

// History returns audit entries for one conflict, or for all conflicts
// when conflictID is empty, oldest first.
func (m *Manager) History(ctx context.Context, conflictID string) ([]models.AuditEntry, error) {
	prefix := AuditPrefix
	if conflictID != "" {
		prefix += conflictID + ":"
	}
	rows, err := m.kv.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(row.Value), &e); err != nil {
			m.log.Warn("unreadable audit entry skipped", map[string]interface{}{"key": row.Key})
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Manager) applyAndAudit(ctx context.Context, c *models.DataConflict, res models.ConflictResolution, action string) error {
	if m.apply != nil && res.MergedData != nil {
		if err := m.apply(ctx, c, res.MergedData); err != nil {
			return err
		}
	}
	return m.audit(ctx, c.ID, res, action)
}

func (m *Manager) audit(ctx context.Context, conflictID string, res models.ConflictResolution, action string) error {
	now := m.Now()

	// Keys must stay unique and ordered even when the clock does not move.
	m.mu.Lock()
	n := now.UnixNano()
	if n <= m.lastAudit {
		n = m.lastAudit + 1
	}
	m.lastAudit = n
	m.mu.Unlock()

	key := fmt.Sprintf("%s%s:%020d", AuditPrefix, conflictID, n)
	return m.kv.SetJSON(ctx, key, models.AuditEntry{
		ConflictID: conflictID,
		Action:     action,
		Resolution: res,
		Timestamp:  now,
	})
}

func (m *Manager) lookup(ctx context.Context, id string) (*ActiveConflict, error) {
	var entry ActiveConflict
	err := m.kv.GetJSON(ctx, ActiveKey(id), &entry)
	if errors.IsNotFound(err) {
		return nil, errors.Wrap(errors.ErrConflictNotFound, "no active conflict "+id, err)
	}
	if err != nil {
		return nil, err
	}
	if entry.Conflict == nil {
		return nil, errors.New(errors.ErrConflictNotFound, "active conflict "+id+" has no conflict body")
	}
	return &entry, nil
}

func (m *Manager) setActive(ctx context.Context, entry *ActiveConflict) error {
	return m.kv.SetJSON(ctx, ActiveKey(entry.Conflict.ID), entry)
}
