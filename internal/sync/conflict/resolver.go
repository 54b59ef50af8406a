package conflict

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// ResolutionStrategy names a whole-entity resolution approach.
type ResolutionStrategy string

const (
	StrategyTraumaInformed ResolutionStrategy = "trauma-informed"
	StrategyConservative   ResolutionStrategy = "conservative"
	StrategySmart          ResolutionStrategy = "smart"
	StrategyTimestamp      ResolutionStrategy = "timestamp"
	StrategyUserGuided     ResolutionStrategy = "user-guided"
)

// Confidence reported by each strategy.
const (
	confidenceTraumaInformed = 90
	confidenceSmart          = 85
	confidenceSmartReview    = 60
	confidenceConservative   = 75
	confidenceTimestamp      = 70
)

// Resolver turns DataConflicts into ConflictResolutions.
type Resolver struct {
	// Now is used for the user-guided explanation; tests replace it.
	Now func() time.Time
	log *logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{Now: time.Now, log: logging.Named("conflict")}
}

// SelectStrategy applies the selection policy; the first match wins.
// Deletion conflicts that are neither high priority nor emergency data go
// through the conservative path so neither copy is dropped silently.
func SelectStrategy(c *models.DataConflict) ResolutionStrategy {
	switch {
	case c.Priority == models.PriorityHigh:
		return StrategyUserGuided
	case c.AutoResolvable:
		return StrategyTraumaInformed
	case c.EntityType == models.EntityEmergencyData:
		return StrategyUserGuided
	case c.ConflictType == models.ConflictDeletion:
		return StrategyConservative
	case c.EntityType == models.EntityPainEntry:
		return StrategySmart
	}
	return StrategyConservative
}

// Resolve picks a strategy for c and runs it.
func (r *Resolver) Resolve(c *models.DataConflict) (models.ConflictResolution, error) {
	return r.ResolveWith(c, SelectStrategy(c))
}

// ResolveWith runs a specific strategy.
func (r *Resolver) ResolveWith(c *models.DataConflict, strategy ResolutionStrategy) (models.ConflictResolution, error) {
	if c == nil {
		return models.ConflictResolution{}, errors.New(errors.ErrInvalid, "nil conflict")
	}

	r.log.Info("Resolving conflict", map[string]interface{}{
		"conflict_id":   c.ID,
		"entity_type":   c.EntityType,
		"conflict_type": c.ConflictType,
		"priority":      c.Priority,
		"strategy":      strategy,
	})

	if strategy != StrategyUserGuided && (c.LocalVersion == nil || c.RemoteVersion == nil) {
		return r.resolveOneSided(c, strategy), nil
	}

	switch strategy {
	case StrategyTraumaInformed:
		return r.resolveTraumaInformed(c), nil
	case StrategyConservative:
		return r.resolveConservative(c), nil
	case StrategySmart:
		return r.resolveSmart(c), nil
	case StrategyTimestamp:
		return r.resolveTimestamp(c), nil
	case StrategyUserGuided:
		return r.resolveUserGuided(c), nil
	}
	return models.ConflictResolution{}, errors.New(errors.ErrInvalid, "unknown strategy "+string(strategy))
}

func remoteNewer(c *models.DataConflict) bool {
	return c.RemoteTimestamp.After(c.LocalTimestamp)
}

func (r *Resolver) resolveTraumaInformed(c *models.DataConflict) models.ConflictResolution {
	rules := TraumaInformedRulesFor(c.EntityType)
	if len(rules) == 0 {
		return models.ConflictResolution{
			Strategy:           string(StrategyTraumaInformed),
			RequiresUserReview: true,
			Explanation:        fmt.Sprintf("No protected merge rules exist for %s; please review both versions.", c.EntityType),
		}
	}

	// Protected rules run over a last-writer-wins merge of both sides, so
	// fields without a protected rule still carry the newer edit.
	local, remote := map[string]any(c.LocalVersion), map[string]any(c.RemoteVersion)
	newer := remoteNewer(c)
	base := applyRules(local, local, remote, []MergeRule{{Path: AllFields(), Strategy: LastWriterWins}}, newer)
	merged := applyRules(base, local, remote, rules, newer)

	lost := droppedFields(merged, remote)
	undecided := hasUserDecision(merged)
	explanation := "Merged automatically while protecting your personal entries."
	switch {
	case undecided:
		explanation = "Some fields need your decision before this merge is final."
	case len(lost) > 0:
		explanation = "Merged, but the remote values of these fields were not kept: " + strings.Join(lost, ", ") + ". Please review."
	}
	return models.ConflictResolution{
		Strategy:             string(StrategyTraumaInformed),
		Resolved:             true,
		MergedData:           models.Entity(merged),
		Confidence:           confidenceTraumaInformed,
		RequiresUserReview:   undecided || len(lost) > 0,
		Explanation:          explanation,
		PreservedUserChanges: len(droppedFields(merged, local)) == 0,
	}
}

func (r *Resolver) resolveConservative(c *models.DataConflict) models.ConflictResolution {
	merged := conservativeMerge(c.LocalVersion, c.RemoteVersion)
	return models.ConflictResolution{
		Strategy:             string(StrategyConservative),
		Resolved:             true,
		MergedData:           models.Entity(merged),
		Confidence:           confidenceConservative,
		Explanation:          "Kept every change from both versions; local notes were appended rather than replaced.",
		PreservedUserChanges: true,
	}
}

func (r *Resolver) resolveSmart(c *models.DataConflict) models.ConflictResolution {
	local, remote := map[string]any(c.LocalVersion), map[string]any(c.RemoteVersion)
	merged := applyRules(local, local, remote, RulesFor(c.EntityType), remoteNewer(c))

	var changed []string
	for _, field := range criticalFields {
		lv, ok := local[field]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(merged[field], lv) {
			changed = append(changed, field)
		}
	}
	review := len(changed) > 0 || hasUserDecision(merged)

	res := models.ConflictResolution{
		Strategy:             string(StrategySmart),
		Resolved:             true,
		MergedData:           models.Entity(merged),
		Confidence:           confidenceSmart,
		RequiresUserReview:   review,
		Explanation:          "Merged field by field using the rules for " + string(c.EntityType) + ".",
		PreservedUserChanges: len(changed) == 0,
	}
	if review {
		res.Confidence = confidenceSmartReview
		if len(changed) > 0 {
			res.Explanation = "Merged, but these fields changed from your version: " + strings.Join(changed, ", ") + "."
		} else {
			res.Explanation = "Merged, but some fields need your decision."
		}
	}
	return res
}

func (r *Resolver) resolveTimestamp(c *models.DataConflict) models.ConflictResolution {
	winner, side := c.LocalVersion, "local"
	if remoteNewer(c) {
		winner, side = c.RemoteVersion, "remote"
	}
	return models.ConflictResolution{
		Strategy:             string(StrategyTimestamp),
		Resolved:             true,
		MergedData:           winner.Clone(),
		Confidence:           confidenceTimestamp,
		Explanation:          "Kept the " + side + " version because it was changed most recently.",
		PreservedUserChanges: side == "local",
	}
}

func (r *Resolver) resolveUserGuided(c *models.DataConflict) models.ConflictResolution {
	label := strings.ReplaceAll(string(c.EntityType), "-", " ")
	age := "an unknown time"
	if !c.RemoteTimestamp.IsZero() {
		age = humanizeAge(r.Now().Sub(c.RemoteTimestamp))
	}
	return models.ConflictResolution{
		Strategy:           string(StrategyUserGuided),
		Resolved:           false,
		RequiresUserReview: true,
		Explanation: fmt.Sprintf("Your %s was last changed remotely %s ago. Please choose which version to keep.",
			label, age),
	}
}

// resolveOneSided handles conflicts where one copy is missing, such as an
// item deleted locally but still present remotely. The surviving copy is
// kept and the user asked to confirm.
func (r *Resolver) resolveOneSided(c *models.DataConflict, strategy ResolutionStrategy) models.ConflictResolution {
	survivor, where := c.RemoteVersion, "remotely"
	if survivor == nil {
		survivor, where = c.LocalVersion, "locally"
	}
	return models.ConflictResolution{
		Strategy:             string(strategy),
		Resolved:             true,
		MergedData:           survivor.Clone(),
		Confidence:           confidenceConservative,
		RequiresUserReview:   true,
		Explanation:          fmt.Sprintf("This %s only exists %s now; it was kept until you confirm the deletion.", c.EntityType, where),
		PreservedUserChanges: true,
	}
}
