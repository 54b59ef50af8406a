package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

var baseTime = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestResolver(now time.Time) *Resolver {
	r := NewResolver()
	r.Now = fixedNow(now)
	return r
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name     string
		conflict models.DataConflict
		want     ResolutionStrategy
	}{
		{"high priority", models.DataConflict{EntityType: models.EntityPainEntry, Priority: models.PriorityHigh, AutoResolvable: true}, StrategyUserGuided},
		{"auto resolvable", models.DataConflict{EntityType: models.EntitySettings, Priority: models.PriorityMedium, AutoResolvable: true}, StrategyTraumaInformed},
		{"emergency", models.DataConflict{EntityType: models.EntityEmergencyData, Priority: models.PriorityLow}, StrategyUserGuided},
		{"deletion", models.DataConflict{EntityType: models.EntityPainEntry, ConflictType: models.ConflictDeletion, Priority: models.PriorityLow}, StrategyConservative},
		{"pain entry", models.DataConflict{EntityType: models.EntityPainEntry, Priority: models.PriorityLow}, StrategySmart},
		{"other", models.DataConflict{EntityType: models.EntityActivityLog, Priority: models.PriorityLow}, StrategyConservative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(&tt.conflict))
		})
	}
}

// Differing notes two seconds apart must go to the user.
func TestResolve_painEntryDifferingNotes(t *testing.T) {
	local := models.Entity{"id": "42", "notes": "Knee ached after walk", "painLevel": 6.0, "lastModified": "2026-01-01T10:00:00Z"}
	remote := models.Entity{"id": "42", "notes": "Pain eased by evening", "painLevel": 6.0, "lastModified": "2026-01-01T10:00:02Z"}

	d := NewDetector(nil)
	d.Now = fixedNow(baseTime.Add(5 * time.Minute))
	c, err := d.Compare(models.EntityPainEntry, local, remote)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.ConflictModification, c.ConflictType)
	assert.Equal(t, models.PriorityHigh, c.Priority)
	assert.False(t, c.AutoResolvable)

	r := newTestResolver(baseTime.Add(5*time.Minute + 2*time.Second))
	assert.Equal(t, StrategyUserGuided, SelectStrategy(c))
	res, err := r.Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, string(StrategyUserGuided), res.Strategy)
	assert.False(t, res.Resolved)
	assert.True(t, res.RequiresUserReview)
	assert.Nil(t, res.MergedData)
	assert.Equal(t, "Your pain entry was last changed remotely 5 minutes ago. Please choose which version to keep.", res.Explanation)
}

func TestResolve_emergencyDataGoesToUser(t *testing.T) {
	local := models.Entity{"id": "e1", "contacts": []any{"Sam"}, "bloodType": "O+"}
	remote := models.Entity{"id": "e1", "contacts": []any{"Ria"}, "bloodType": "A+"}

	d := NewDetector(nil)
	c, err := d.Compare(models.EntityEmergencyData, local, remote)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, c.Priority)
	assert.False(t, c.AutoResolvable)

	// Even with the flags cleared, emergency data never resolves automatically.
	c.Priority = models.PriorityLow
	assert.Equal(t, StrategyUserGuided, SelectStrategy(c))

	res, err := newTestResolver(baseTime).ResolveWith(c, StrategyTraumaInformed)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.True(t, res.RequiresUserReview, "user-decides fields need the user")
	assert.Equal(t, 90, res.Confidence)
	assert.Equal(t, []any{"Sam", "Ria"}, res.MergedData["contacts"])
	assert.Equal(t, map[string]any{"_conflict": true, "local": "O+", "remote": "A+"}, res.MergedData["bloodType"])
}

func TestResolve_traumaInformed(t *testing.T) {
	c := &models.DataConflict{
		ID:              "settings-s-1",
		EntityType:      models.EntitySettings,
		LocalVersion:    models.Entity{"id": "s", "theme": "dark", "privacy": map[string]any{"share": false}},
		RemoteVersion:   models.Entity{"id": "s", "theme": "light", "privacy": map[string]any{"analytics": false}},
		LocalTimestamp:  baseTime,
		RemoteTimestamp: baseTime.Add(time.Minute),
		Priority:        models.PriorityMedium,
		AutoResolvable:  true,
	}

	res, err := newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, string(StrategyTraumaInformed), res.Strategy)
	assert.True(t, res.Resolved)
	assert.False(t, res.RequiresUserReview)
	assert.False(t, res.PreservedUserChanges, "local theme was replaced")
	assert.Equal(t, 90, res.Confidence)
	assert.Equal(t, "light", res.MergedData["theme"], "newer remote edit wins unprotected fields")
	assert.Equal(t, map[string]any{"share": false, "analytics": false}, res.MergedData["privacy"])
}

func TestResolve_traumaInformedKeepsRemoteOnlyFields(t *testing.T) {
	c := &models.DataConflict{
		EntityType:      models.EntitySettings,
		LocalVersion:    models.Entity{"id": "1", "theme": "dark"},
		RemoteVersion:   models.Entity{"id": "1", "theme": "light", "fontSize": 14.0},
		LocalTimestamp:  baseTime,
		RemoteTimestamp: baseTime.Add(10 * time.Minute),
		AutoResolvable:  true,
	}

	res, err := newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.False(t, res.RequiresUserReview)
	assert.Equal(t, "light", res.MergedData["theme"])
	assert.Equal(t, 14.0, res.MergedData["fontSize"])
}

func TestResolve_traumaInformedFlagsDroppedRemoteValues(t *testing.T) {
	c := &models.DataConflict{
		EntityType:      models.EntityPainEntry,
		LocalVersion:    models.Entity{"id": "1", "painLevel": 5.0, "symptoms": []any{"a"}, "sleep": 6.0},
		RemoteVersion:   models.Entity{"id": "1", "painLevel": 5.0, "symptoms": []any{"b"}, "sleep": 8.0, "extra": "x"},
		LocalTimestamp:  baseTime.Add(time.Minute),
		RemoteTimestamp: baseTime,
		AutoResolvable:  true,
	}

	res, err := newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.True(t, res.RequiresUserReview)
	assert.Equal(t, []any{"a", "b"}, res.MergedData["symptoms"])
	assert.Equal(t, "x", res.MergedData["extra"])
	assert.Equal(t, 6.0, res.MergedData["sleep"], "local is newer")
	assert.Equal(t, "Merged, but the remote values of these fields were not kept: sleep. Please review.", res.Explanation)

	// Protected privacy keys keep the local answer and say so.
	c = &models.DataConflict{
		EntityType:      models.EntitySettings,
		LocalVersion:    models.Entity{"id": "s", "privacy": map[string]any{"share": false}},
		RemoteVersion:   models.Entity{"id": "s", "privacy": map[string]any{"share": true}},
		RemoteTimestamp: baseTime.Add(time.Minute),
		LocalTimestamp:  baseTime,
		AutoResolvable:  true,
	}
	res, err = newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.True(t, res.RequiresUserReview)
	assert.Equal(t, map[string]any{"share": false}, res.MergedData["privacy"])
	assert.Contains(t, res.Explanation, "privacy")
}

func TestDroppedFields(t *testing.T) {
	merged := map[string]any{
		"id": "2", "notes": "theirs\n\n[Local changes]: mine", "tags": []any{"a", "b"},
		"meta": map[string]any{"x": 1.0, "y": 2.0}, "choice": map[string]any{"_conflict": true, "local": "p", "remote": "q"},
	}
	from := map[string]any{
		"id": "1", "lastModified": "2026-01-01T10:00:00Z", "notes": "mine", "tags": []any{"b"},
		"meta": map[string]any{"x": 1.0}, "choice": "q", "gone": true,
	}
	assert.Equal(t, []string{"gone"}, droppedFields(merged, from))

	from["tags"] = []any{"c"}
	from["meta"] = map[string]any{"x": 3.0}
	assert.Equal(t, []string{"gone", "meta", "tags"}, droppedFields(merged, from))
}

func TestResolve_traumaInformedWithoutRules(t *testing.T) {
	c := &models.DataConflict{
		EntityType:    models.EntityType("journal"),
		LocalVersion:  models.Entity{"id": "j"},
		RemoteVersion: models.Entity{"id": "j", "x": 1.0},
	}
	res, err := newTestResolver(baseTime).ResolveWith(c, StrategyTraumaInformed)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.True(t, res.RequiresUserReview)
}

func TestResolve_smart(t *testing.T) {
	c := &models.DataConflict{
		EntityType:      models.EntityPainEntry,
		LocalVersion:    models.Entity{"id": "1", "painLevel": 7.0, "symptoms": []any{"ache"}, "moodImpact": 3.0},
		RemoteVersion:   models.Entity{"id": "1", "painLevel": 4.0, "symptoms": []any{"stiff"}, "moodImpact": 3.0, "weather": "rain"},
		LocalTimestamp:  baseTime,
		RemoteTimestamp: baseTime.Add(time.Hour),
		Priority:        models.PriorityLow,
	}

	res, err := newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, string(StrategySmart), res.Strategy)
	assert.True(t, res.Resolved)
	assert.False(t, res.RequiresUserReview)
	assert.Equal(t, 85, res.Confidence)
	assert.True(t, res.PreservedUserChanges)
	assert.Equal(t, 7.0, res.MergedData["painLevel"])
	assert.Equal(t, []any{"ache", "stiff"}, res.MergedData["symptoms"])
	assert.Equal(t, "rain", res.MergedData["weather"])

	// A critical field moving away from the local value asks for review.
	c.RemoteVersion["moodImpact"] = 8.0
	res, err = newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.True(t, res.RequiresUserReview)
	assert.Equal(t, 60, res.Confidence)
	assert.False(t, res.PreservedUserChanges)
	assert.Contains(t, res.Explanation, "moodImpact")
}

func TestResolve_conservativeKeepsBothNotes(t *testing.T) {
	c := &models.DataConflict{
		EntityType:    models.EntityActivityLog,
		LocalVersion:  models.Entity{"id": "a", "notes": "Walked 2km"},
		RemoteVersion: models.Entity{"id": "a", "notes": "Rested"},
	}
	res, err := newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, string(StrategyConservative), res.Strategy)
	assert.Equal(t, 75, res.Confidence)
	assert.Contains(t, res.MergedData["notes"], "Walked 2km")
	assert.Contains(t, res.MergedData["notes"], "Rested")
}

func TestResolve_timestamp(t *testing.T) {
	c := &models.DataConflict{
		EntityType:      models.EntityActivityLog,
		LocalVersion:    models.Entity{"id": "a", "steps": 100.0},
		RemoteVersion:   models.Entity{"id": "a", "steps": 50.0},
		LocalTimestamp:  baseTime,
		RemoteTimestamp: baseTime.Add(time.Second),
	}
	r := newTestResolver(baseTime)

	res, err := r.ResolveWith(c, StrategyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 70, res.Confidence)
	assert.Equal(t, 50.0, res.MergedData["steps"])
	assert.False(t, res.PreservedUserChanges)

	c.LocalTimestamp = baseTime.Add(time.Hour)
	res, err = r.ResolveWith(c, StrategyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.MergedData["steps"])

	res.MergedData["steps"] = 1.0
	assert.Equal(t, 100.0, c.LocalVersion["steps"], "merged data is a copy")
}

func TestResolve_deletionKeepsRemoteCopy(t *testing.T) {
	c := &models.DataConflict{
		EntityType:    models.EntityPainEntry,
		ConflictType:  models.ConflictDeletion,
		RemoteVersion: models.Entity{"id": "9", "painLevel": 3.0},
		Priority:      models.PriorityLow,
	}
	res, err := newTestResolver(baseTime).Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, string(StrategyConservative), res.Strategy)
	assert.True(t, res.Resolved)
	assert.True(t, res.RequiresUserReview)
	assert.Equal(t, 75, res.Confidence)
	assert.Equal(t, models.Entity{"id": "9", "painLevel": 3.0}, res.MergedData)
}

func TestResolveWith_invalid(t *testing.T) {
	r := newTestResolver(baseTime)

	_, err := r.ResolveWith(nil, StrategySmart)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	c := &models.DataConflict{LocalVersion: models.Entity{}, RemoteVersion: models.Entity{}}
	_, err = r.ResolveWith(c, ResolutionStrategy("coin-flip"))
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}
