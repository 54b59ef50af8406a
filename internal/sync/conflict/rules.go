package conflict

import (
	"sort"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// MergeStrategy decides a single field's merged value.
type MergeStrategy string

const (
	LastWriterWins MergeStrategy = "last-writer-wins"
	PreferLocal    MergeStrategy = "prefer-local"
	PreferRemote   MergeStrategy = "prefer-remote"
	UserDecides    MergeStrategy = "user-decides"
	MergeArrays    MergeStrategy = "merge-arrays"
	SumNumbers     MergeStrategy = "sum-numbers"
	MinValue       MergeStrategy = "min-value"
	MaxValue       MergeStrategy = "max-value"
)

// MergeRule binds a strategy to a field path. Rules apply in ascending
// Priority; later rules overwrite earlier assignments to the same field.
type MergeRule struct {
	Path           FieldPath
	Strategy       MergeStrategy
	Priority       int
	TraumaInformed bool
}

var ruleSets = map[models.EntityType][]MergeRule{
	models.EntityPainEntry: {
		{Path: AllFields(), Strategy: LastWriterWins, Priority: 0},
		{Path: Field("painLevel"), Strategy: PreferLocal, Priority: 1, TraumaInformed: true},
		{Path: Field("locations"), Strategy: MergeArrays, Priority: 2, TraumaInformed: true},
		{Path: Field("symptoms"), Strategy: MergeArrays, Priority: 2, TraumaInformed: true},
		{Path: Field("medications"), Strategy: MergeArrays, Priority: 3},
		{Path: Field("triggers"), Strategy: MergeArrays, Priority: 3, TraumaInformed: true},
		{Path: Field("notes"), Strategy: PreferLocal, Priority: 4, TraumaInformed: true},
		{Path: Field("moodImpact"), Strategy: MaxValue, Priority: 5, TraumaInformed: true},
	},
	models.EntitySettings: {
		{Path: AllFields(), Strategy: LastWriterWins, Priority: 0},
		{Path: Field("notifications").All(), Strategy: PreferLocal, Priority: 1, TraumaInformed: true},
		{Path: Field("privacy").All(), Strategy: PreferLocal, Priority: 1, TraumaInformed: true},
	},
	models.EntityEmergencyData: {
		{Path: AllFields(), Strategy: UserDecides, Priority: 0, TraumaInformed: true},
		{Path: Field("contacts"), Strategy: MergeArrays, Priority: 1, TraumaInformed: true},
	},
	models.EntityActivityLog: {
		{Path: AllFields(), Strategy: LastWriterWins, Priority: 0},
		{Path: Field("steps"), Strategy: MaxValue, Priority: 1, TraumaInformed: true},
		{Path: Field("entries"), Strategy: MergeArrays, Priority: 1, TraumaInformed: true},
	},
}

// RulesFor returns the entity type's rules sorted by priority.
func RulesFor(entityType models.EntityType) []MergeRule {
	rules := append([]MergeRule(nil), ruleSets[entityType]...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return rules
}

// TraumaInformedRulesFor returns only the rules flagged TraumaInformed.
func TraumaInformedRulesFor(entityType models.EntityType) []MergeRule {
	var out []MergeRule
	for _, r := range RulesFor(entityType) {
		if r.TraumaInformed {
			out = append(out, r)
		}
	}
	return out
}

// criticalFields must keep their local value through a smart merge or the
// result is flagged for review.
var criticalFields = []string{"notes", "painLevel", "moodImpact"}

// painLevelFields are the numeric fields whose divergence blocks automatic
// resolution.
var painLevelFields = []string{"painLevel", "pain", "intensity", "severity"}
