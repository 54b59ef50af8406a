package conflict

import (
	"context"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/db"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// DeletionPrefix is the kv prefix of the deletion audit.
const DeletionPrefix = "deletion-audit:"

// SimultaneousWindow is the largest lastModified gap still treated as a
// simultaneous edit.
const SimultaneousWindow = time.Second

// DeletionKey returns the deletion-audit key for an item.
func DeletionKey(itemID string) string {
	return DeletionPrefix + itemID
}

// Detector compares local and remote snapshots.
type Detector struct {
	kv  db.KVStore
	Now func() time.Time
	log *logging.Logger
}

// NewDetector creates a Detector backed by the deletion audit in kv.
func NewDetector(kv db.KVStore) *Detector {
	return &Detector{kv: kv, Now: time.Now, log: logging.Named("conflict")}
}

// RecordDeletion notes that the user deleted itemID locally, so a remote
// copy that still exists is reported as a deletion conflict.
func (d *Detector) RecordDeletion(ctx context.Context, itemID string) error {
	return d.kv.SetJSON(ctx, DeletionKey(itemID), models.DeletionAudit{ItemID: itemID, Timestamp: d.Now()})
}

// ClearDeletion drops an item's deletion-audit row once reconciled.
func (d *Detector) ClearDeletion(ctx context.Context, itemID string) error {
	return d.kv.DeleteValue(ctx, DeletionKey(itemID))
}

// Detect pairs locals and remotes by id and returns a conflict for every
// diverging pair and every remote item the user deleted locally. Local-only
// items and new remote items produce nothing. Only storage failures are
// returned as errors; a pair whose checksum cannot be computed is logged
// and skipped.
func (d *Detector) Detect(ctx context.Context, entityType models.EntityType, locals, remotes []models.Entity) ([]*models.DataConflict, error) {
	byID := make(map[string]models.Entity, len(locals))
	for _, l := range locals {
		if id := l.ID(); id != "" {
			byID[id] = l
		}
	}

	var conflicts []*models.DataConflict
	for _, remote := range remotes {
		id := remote.ID()
		if id == "" {
			d.log.Warn("remote item without id skipped", map[string]interface{}{"entity_type": entityType})
			continue
		}

		local, ok := byID[id]
		if !ok {
			c, err := d.checkDeletion(ctx, entityType, id, remote)
			if err != nil {
				return conflicts, err
			}
			if c != nil {
				conflicts = append(conflicts, c)
			}
			continue
		}

		c, err := d.Compare(entityType, local, remote)
		if err != nil {
			d.log.ErrorWithCode("checksum failed, pair skipped", string(errors.ErrChecksumFailed), err,
				map[string]interface{}{"entity_type": entityType, "entity_id": id})
			continue
		}
		if c != nil {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

// Compare returns the conflict between one local/remote pair, or nil when
// their checksums match.
func (d *Detector) Compare(entityType models.EntityType, local, remote models.Entity) (*models.DataConflict, error) {
	localSum, err := Checksum(local)
	if err != nil {
		return nil, err
	}
	remoteSum, err := Checksum(remote)
	if err != nil {
		return nil, err
	}
	if localSum == remoteSum {
		return nil, nil
	}

	now := d.Now()
	id := local.ID()
	if id == "" {
		id = remote.ID()
	}
	c := &models.DataConflict{
		ID:              models.ConflictID(entityType, id, now),
		EntityType:      entityType,
		EntityID:        id,
		ConflictType:    models.ConflictModification,
		LocalVersion:    local,
		RemoteVersion:   remote,
		LocalTimestamp:  local.LastModified(),
		RemoteTimestamp: remote.LastModified(),
		LocalChecksum:   localSum,
		RemoteChecksum:  remoteSum,
		DetectedAt:      now,
	}
	if simultaneous(c.LocalTimestamp, c.RemoteTimestamp) {
		c.ConflictType = models.ConflictVersion
	}
	c.Priority = conflictPriority(entityType, local, remote)
	c.AutoResolvable = autoResolvable(entityType, local, remote)
	return c, nil
}

func (d *Detector) checkDeletion(ctx context.Context, entityType models.EntityType, id string, remote models.Entity) (*models.DataConflict, error) {
	var audit models.DeletionAudit
	err := d.kv.GetJSON(ctx, DeletionKey(id), &audit)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	remoteSum, err := Checksum(remote)
	if err != nil {
		d.log.ErrorWithCode("checksum failed, pair skipped", string(errors.ErrChecksumFailed), err,
			map[string]interface{}{"entity_type": entityType, "entity_id": id})
		return nil, nil
	}
	now := d.Now()
	return &models.DataConflict{
		ID:              models.ConflictID(entityType, id, now),
		EntityType:      entityType,
		EntityID:        id,
		ConflictType:    models.ConflictDeletion,
		RemoteVersion:   remote,
		LocalTimestamp:  audit.Timestamp,
		RemoteTimestamp: remote.LastModified(),
		RemoteChecksum:  remoteSum,
		Priority:        conflictPriority(entityType, nil, remote),
		AutoResolvable:  false,
		DetectedAt:      now,
	}, nil
}

func simultaneous(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return gap <= SimultaneousWindow
}

// notesDiffer reports whether both sides carry non-empty, different notes.
func notesDiffer(local, remote models.Entity) bool {
	return local.HasNotes() && remote.HasNotes() && local.Notes() != remote.Notes()
}

func painLevelsDiffer(local, remote models.Entity) bool {
	for _, field := range painLevelFields {
		l, lok := toNumber(local[field])
		r, rok := toNumber(remote[field])
		if lok && rok && l != r {
			return true
		}
	}
	return false
}

func conflictPriority(entityType models.EntityType, local, remote models.Entity) models.Priority {
	switch {
	case entityType == models.EntityEmergencyData:
		return models.PriorityHigh
	case local != nil && notesDiffer(local, remote):
		return models.PriorityHigh
	case entityType == models.EntitySettings:
		return models.PriorityMedium
	}
	return models.PriorityLow
}

func autoResolvable(entityType models.EntityType, local, remote models.Entity) bool {
	if entityType == models.EntityEmergencyData {
		return false
	}
	return !notesDiffer(local, remote) && !painLevelsDiffer(local, remote)
}
