package conflict

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/db"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

type managerHarness struct {
	store   *db.Store
	manager *Manager
	now     time.Time
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	h := &managerHarness{store: newTestStore(t), now: baseTime}
	h.manager = NewManager(h.store, StoreApplier(h.store), WithNow(func() time.Time { return h.now }))
	return h
}

// putLocal stores e as a record and returns it with its record id set.
func (h *managerHarness) putLocal(t *testing.T, entityType models.EntityType, e models.Entity) models.Entity {
	t.Helper()
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	id, err := h.store.Put(context.Background(), entityType, payload)
	require.NoError(t, err)

	e = e.Clone()
	e["id"] = strconv.FormatInt(id, 10)
	payload, err = json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, h.store.Update(context.Background(), id, payload))
	return e
}

func (h *managerHarness) active(t *testing.T) []ActiveConflict {
	t.Helper()
	active, err := h.manager.Active(context.Background())
	require.NoError(t, err)
	return active
}

// reopen replaces the manager with a fresh one on the same store.
func (h *managerHarness) reopen() {
	h.manager = NewManager(h.store, StoreApplier(h.store), WithNow(func() time.Time { return h.now }))
}

func (h *managerHarness) record(t *testing.T, id string) models.Entity {
	t.Helper()
	n, err := strconv.ParseInt(id, 10, 64)
	require.NoError(t, err)
	rec, err := h.store.Get(context.Background(), n)
	require.NoError(t, err)
	e, err := rec.Entity()
	require.NoError(t, err)
	return e
}

func TestManager_Process(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	// Auto-resolvable settings merge applies without review.
	local := h.putLocal(t, models.EntitySettings, models.Entity{"theme": "dark", "privacy": map[string]any{"share": false}})
	remote := local.Clone()
	remote["privacy"] = map[string]any{"share": false, "analytics": false}
	remote["fontSize"] = 14.0

	result, err := h.manager.Process(ctx, models.EntitySettings, []models.Entity{local}, []models.Entity{remote})
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)
	assert.Empty(t, result.NeedsReview)
	assert.Empty(t, result.Parked)
	assert.Empty(t, h.active(t))

	stored := h.record(t, local.ID())
	assert.Equal(t, map[string]any{"share": false, "analytics": false}, stored["privacy"])
	assert.Equal(t, 14.0, stored["fontSize"])

	history, err := h.manager.History(ctx, result.Applied[0])
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.AuditApplied, history[0].Action)
	assert.Equal(t, string(StrategyTraumaInformed), history[0].Resolution.Strategy)
}

func TestManager_ProcessParksUserGuided(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	local := h.putLocal(t, models.EntityPainEntry, models.Entity{"notes": "Knee ached after walk", "painLevel": 6.0})
	remote := local.Clone()
	remote["notes"] = "Pain eased by evening"

	result, err := h.manager.Process(ctx, models.EntityPainEntry, []models.Entity{local}, []models.Entity{remote})
	require.NoError(t, err)
	require.Len(t, result.Parked, 1)
	assert.Equal(t, 1, result.Total())

	active := h.active(t)
	require.Len(t, active, 1)
	assert.False(t, active[0].Applied)
	assert.Equal(t, string(StrategyUserGuided), active[0].Resolution.Strategy)

	// Nothing was written and nothing was audited.
	assert.Equal(t, "Knee ached after walk", h.record(t, local.ID())["notes"])
	history, err := h.manager.History(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, history)

	id := result.Parked[0]
	err = h.manager.Acknowledge(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrConflictUnresolved))

	err = h.manager.Apply(ctx, id, models.ConflictResolution{Strategy: "user-guided"})
	assert.True(t, errors.Is(err, errors.ErrConflictUnresolved))

	chosen := remote.Clone()
	chosen["notes"] = "Both: knee ached, eased by evening"
	require.NoError(t, h.manager.Apply(ctx, id, models.ConflictResolution{
		Strategy: "user-guided", Resolved: true, MergedData: chosen,
	}))
	assert.Equal(t, "Both: knee ached, eased by evening", h.record(t, local.ID())["notes"])
	assert.Empty(t, h.active(t))

	err = h.manager.Apply(ctx, id, models.ConflictResolution{Resolved: true, MergedData: chosen})
	assert.True(t, errors.Is(err, errors.ErrConflictNotFound))
}

func TestManager_ReviewAndAcknowledge(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	local := h.putLocal(t, models.EntityPainEntry, models.Entity{"painLevel": 5.0, "moodImpact": 2.0})
	remote := local.Clone()
	remote["painLevel"] = 7.0
	remote["moodImpact"] = 6.0
	h.now = baseTime.Add(time.Minute)

	result, err := h.manager.Process(ctx, models.EntityPainEntry, []models.Entity{local}, []models.Entity{remote})
	require.NoError(t, err)
	require.Len(t, result.NeedsReview, 1)
	id := result.NeedsReview[0]

	entry, err := h.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, entry.Applied)
	assert.Equal(t, string(StrategySmart), entry.Resolution.Strategy)
	assert.Equal(t, 6.0, h.record(t, local.ID())["moodImpact"], "smart merge applied before confirmation")

	// The merge stays reviewable after a restart.
	h.reopen()
	active := h.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].Conflict.ID)
	assert.True(t, active[0].Applied)

	require.NoError(t, h.manager.Acknowledge(ctx, id))
	assert.Empty(t, h.active(t))

	history, err := h.manager.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.AuditApplied, history[0].Action)
	assert.Equal(t, models.AuditAcknowledged, history[1].Action)
}

func TestManager_PostponeAndWake(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	local := models.Entity{"id": "5", "bloodType": "O+"}
	remote := models.Entity{"id": "5", "bloodType": "A+"}
	result, err := h.manager.Process(ctx, models.EntityEmergencyData, []models.Entity{local}, []models.Entity{remote})
	require.NoError(t, err)
	require.Len(t, result.Parked, 1)
	id := result.Parked[0]

	wakeAt := baseTime.Add(24 * time.Hour)
	require.NoError(t, h.manager.Postpone(ctx, id, wakeAt))
	assert.Empty(t, h.active(t))

	deferred, err := h.manager.Deferred(ctx)
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	assert.Equal(t, id, deferred[0].Conflict.ID)
	assert.True(t, wakeAt.Equal(deferred[0].WakeAt))

	history, err := h.manager.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.AuditPostponed, history[0].Action)

	woken, err := h.manager.Wake(ctx)
	require.NoError(t, err)
	assert.Empty(t, woken, "not due yet")

	require.NoError(t, h.manager.Reschedule(ctx, id, baseTime.Add(time.Hour)))
	h.now = baseTime.Add(2 * time.Hour)
	woken, err = h.manager.Wake(ctx)
	require.NoError(t, err)
	require.Len(t, woken, 1)
	assert.Equal(t, id, woken[0].ID)

	deferred, err = h.manager.Deferred(ctx)
	require.NoError(t, err)
	assert.Empty(t, deferred)

	// A woken conflict survives a restart until it is decided.
	h.reopen()
	active := h.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].Conflict.ID)
	assert.Equal(t, string(StrategyUserGuided), active[0].Resolution.Strategy)

	history, err = h.manager.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.AuditWoken, history[1].Action)

	require.NoError(t, h.manager.Apply(ctx, id, models.ConflictResolution{
		Strategy: "user-guided", Resolved: true, MergedData: remote,
	}))
	assert.Empty(t, h.active(t))
	assert.Equal(t, "A+", h.record(t, "1")["bloodType"], "missing record is re-created")

	err = h.manager.Reschedule(ctx, id, baseTime)
	assert.True(t, errors.Is(err, errors.ErrConflictNotFound))
	err = h.manager.Postpone(ctx, "missing", wakeAt)
	assert.True(t, errors.Is(err, errors.ErrConflictNotFound))
}

func TestManager_deletionRecreatesRecord(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.manager.Detector.RecordDeletion(ctx, "99"))
	remote := models.Entity{"id": "99", "painLevel": 4.0}

	result, err := h.manager.Process(ctx, models.EntityPainEntry, nil, []models.Entity{remote})
	require.NoError(t, err)
	require.Len(t, result.NeedsReview, 1)

	recs, err := h.store.Query(ctx, models.EntityPainEntry)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	e, err := recs[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, 4.0, e["painLevel"])
}

func TestManager_auditKeysStayUnique(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	res := models.ConflictResolution{Strategy: "conservative", Resolved: true}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.manager.audit(ctx, "c1", res, models.AuditApplied))
	}
	history, err := h.manager.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	other, err := h.manager.History(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, other, "prefix match stops at the id separator")
}

func TestStoreApplier_rejectsNonNumericID(t *testing.T) {
	store := newTestStore(t)
	apply := StoreApplier(store)
	err := apply(context.Background(), &models.DataConflict{EntityID: "abc", EntityType: models.EntityPainEntry}, models.Entity{"id": "abc"})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}
