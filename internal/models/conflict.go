package models

import (
	"fmt"
	"time"
)

// ConflictType classifies a divergence between local and remote copies.
type ConflictType string

const (
	ConflictModification ConflictType = "modification"
	ConflictDeletion     ConflictType = "deletion"
	ConflictCreation     ConflictType = "creation"
	ConflictVersion      ConflictType = "version"
)

// DataConflict records a detected divergence for one entity.
type DataConflict struct {
	ID              string       `json:"id"`
	EntityType      EntityType   `json:"entityType"`
	EntityID        string       `json:"entityId"`
	ConflictType    ConflictType `json:"conflictType"`
	LocalVersion    Entity       `json:"localVersion"`
	RemoteVersion   Entity       `json:"remoteVersion"`
	LocalTimestamp  time.Time    `json:"localTimestamp"`
	RemoteTimestamp time.Time    `json:"remoteTimestamp"`
	LocalChecksum   string       `json:"localChecksum"`
	RemoteChecksum  string       `json:"remoteChecksum"`
	Priority        Priority     `json:"priority"`
	AutoResolvable  bool         `json:"autoResolvable"`
	DetectedAt      time.Time    `json:"detectedAt"`
}

// ConflictID derives the conflict id entityType-entityId-detectionMillis.
func ConflictID(entityType EntityType, entityID string, detectedAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d", entityType, entityID, detectedAt.UnixMilli())
}

// ConflictResolution is the outcome of running a strategy on a conflict.
type ConflictResolution struct {
	Strategy             string `json:"strategy"`
	Resolved             bool   `json:"resolved"`
	MergedData           Entity `json:"mergedData"`
	Confidence           int    `json:"confidence"`
	RequiresUserReview   bool   `json:"requiresUserReview"`
	Explanation          string `json:"explanation"`
	PreservedUserChanges bool   `json:"preservedUserChanges"`
}

// Audit actions.
const (
	AuditApplied      = "applied"
	AuditAcknowledged = "acknowledged"
	AuditPostponed    = "postponed"
	AuditWoken        = "woken"
)

// AuditEntry is appended whenever a conflict is applied, acknowledged,
// postponed or woken.
type AuditEntry struct {
	ConflictID string             `json:"conflictId"`
	Action     string             `json:"action"`
	Resolution ConflictResolution `json:"resolution"`
	Timestamp  time.Time          `json:"timestamp"`
}

// DeletionAudit marks an item the user deleted locally.
type DeletionAudit struct {
	ItemID    string    `json:"itemId"`
	Timestamp time.Time `json:"timestamp"`
}

// DeferredConflict is a postponed conflict waiting for its wake time.
type DeferredConflict struct {
	Conflict DataConflict `json:"conflict"`
	WakeAt   time.Time    `json:"wakeAt"`
}
