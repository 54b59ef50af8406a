package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/db"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/sync/conflict"
)

// run executes the CLI against dataDir and returns stdout.
func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func setupCLI(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	return filepath.Join(t.TempDir(), "data")
}

func TestParseWakeTime(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	got, err := parseWakeTime("in 2 hours", now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(2*time.Hour), got, time.Minute)

	got, err = parseWakeTime("2026-03-05T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC), got.UTC())

	_, err = parseWakeTime("2026-03-01T08:00:00Z", now)
	assert.ErrorContains(t, err, "not in the future")

	_, err = parseWakeTime("", now)
	assert.Error(t, err)

	_, err = parseWakeTime("purple elephants", now)
	assert.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	dataDir := setupCLI(t)

	out, err := run(t, dataDir, "status", "--json")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Online, "no health URL means online")
	assert.Equal(t, dataDir, report.DataDir)
	assert.Zero(t, report.Pending)
	assert.Nil(t, report.LastSweep)

	_, err = os.Stat(filepath.Join(dataDir, db.FileName))
	assert.NoError(t, err)
}

func TestQueueCommands(t *testing.T) {
	dataDir := setupCLI(t)

	out, err := run(t, dataDir, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	_, err = run(t, dataDir, "queue", "retry", "abc")
	assert.ErrorContains(t, err, "invalid operation id")

	_, err = run(t, dataDir, "queue", "discard", "42")
	assert.Error(t, err)
}

func TestReset_requiresConfirmation(t *testing.T) {
	dataDir := setupCLI(t)

	_, err := run(t, dataDir, "reset")
	assert.ErrorContains(t, err, "--yes")

	out, err := run(t, dataDir, "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "local data cleared")
}

func TestConflictsCheck_postponesUndecided(t *testing.T) {
	dataDir := setupCLI(t)
	ctx := context.Background()

	database, err := db.Open(dataDir)
	require.NoError(t, err)
	store := db.NewStore(database.DB)
	recID, err := store.Put(ctx, models.EntityPainEntry, json.RawMessage(`{"painLevel":5,"notes":"Knee ached after walk"}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, database.Close())
	require.Equal(t, int64(1), recID)

	remotePath := filepath.Join(t.TempDir(), "remote.json")
	require.NoError(t, os.WriteFile(remotePath, []byte(`[{"id":"1","painLevel":5,"notes":"Pain eased by evening"}]`), 0o644))

	out, err := run(t, dataDir, "conflicts", "check", "--remote", remotePath, "--postpone", "in 2 hours")
	require.NoError(t, err)
	assert.Contains(t, out, "needs your decision")

	out, err = run(t, dataDir, "conflicts", "deferred", "--json")
	require.NoError(t, err)
	var deferred []models.DeferredConflict
	require.NoError(t, json.Unmarshal([]byte(out), &deferred))
	require.Len(t, deferred, 1)
	assert.Equal(t, "1", deferred[0].Conflict.EntityID)
	assert.Equal(t, models.PriorityHigh, deferred[0].Conflict.Priority)

	out, err = run(t, dataDir, "conflicts", "history", deferred[0].Conflict.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "postponed")

	_, err = run(t, dataDir, "conflicts", "reschedule", "nope", "--until", "tomorrow")
	assert.Error(t, err)

	_, err = run(t, dataDir, "conflicts", "check", "--type", "journal", "--remote", remotePath)
	assert.True(t, err != nil && strings.Contains(err.Error(), "unknown entity type"))
}

func TestConflictsCheck_reviewStaysUntilAck(t *testing.T) {
	dataDir := setupCLI(t)
	ctx := context.Background()

	database, err := db.Open(dataDir)
	require.NoError(t, err)
	store := db.NewStore(database.DB)
	_, err = store.Put(ctx, models.EntityPainEntry, json.RawMessage(`{"painLevel":5,"moodImpact":2}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, database.Close())

	remotePath := filepath.Join(t.TempDir(), "remote.json")
	require.NoError(t, os.WriteFile(remotePath, []byte(`[{"id":"1","painLevel":7,"moodImpact":6}]`), 0o644))

	out, err := run(t, dataDir, "conflicts", "check", "--remote", remotePath)
	require.NoError(t, err)
	assert.Contains(t, out, "please review")

	out, err = run(t, dataDir, "conflicts", "list", "--json")
	require.NoError(t, err)
	var active []struct {
		Conflict *models.DataConflict `json:"conflict"`
		Applied  bool                 `json:"applied"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &active))
	require.Len(t, active, 1)
	assert.True(t, active[0].Applied)
	id := active[0].Conflict.ID

	out, err = run(t, dataDir, "status", "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.ActiveConflict)

	out, err = run(t, dataDir, "conflicts", "ack", id)
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed")

	out, err = run(t, dataDir, "conflicts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	_, err = run(t, dataDir, "conflicts", "ack", id)
	assert.Error(t, err)
}

func TestConflictsChoose(t *testing.T) {
	dataDir := setupCLI(t)
	ctx := context.Background()

	database, err := db.Open(dataDir)
	require.NoError(t, err)
	store := db.NewStore(database.DB)
	_, err = store.Put(ctx, models.EntityPainEntry, json.RawMessage(`{"painLevel":5,"notes":"Knee ached after walk"}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, database.Close())

	remotePath := filepath.Join(t.TempDir(), "remote.json")
	require.NoError(t, os.WriteFile(remotePath, []byte(`[{"id":"1","painLevel":5,"notes":"Pain eased by evening"}]`), 0o644))

	_, err = run(t, dataDir, "conflicts", "check", "--remote", remotePath, "--postpone", "in 2 hours")
	require.NoError(t, err)
	out, err := run(t, dataDir, "conflicts", "deferred", "--json")
	require.NoError(t, err)
	var deferred []models.DeferredConflict
	require.NoError(t, json.Unmarshal([]byte(out), &deferred))
	require.Len(t, deferred, 1)
	id := deferred[0].Conflict.ID

	// Only active conflicts can be decided.
	_, err = run(t, dataDir, "conflicts", "choose", id, "--keep", "remote")
	assert.Error(t, err)

	database, err = db.Open(dataDir)
	require.NoError(t, err)
	store = db.NewStore(database.DB)
	require.NoError(t, store.DeleteValue(ctx, conflict.DeferredKey(id)))
	require.NoError(t, store.SetJSON(ctx, conflict.ActiveKey(id), conflict.ActiveConflict{Conflict: &deferred[0].Conflict}))
	require.NoError(t, store.Close())
	require.NoError(t, database.Close())

	_, err = run(t, dataDir, "conflicts", "choose", id, "--keep", "sideways")
	assert.ErrorContains(t, err, "--keep")

	out, err = run(t, dataDir, "conflicts", "choose", id, "--keep", "remote")
	require.NoError(t, err)
	assert.Contains(t, out, "kept the remote version")

	database, err = db.Open(dataDir)
	require.NoError(t, err)
	defer database.Close()
	store = db.NewStore(database.DB)
	defer store.Close()
	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	e, err := rec.Entity()
	require.NoError(t, err)
	assert.Equal(t, "Pain eased by evening", e["notes"])
}

func TestStatus_memoryFallback(t *testing.T) {
	setupCLI(t)
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	_, err := run(t, blocked, "status", "--json")
	assert.Error(t, err)

	out, err := run(t, blocked, "--memory-fallback", "status", "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.MemoryOnly)
}
