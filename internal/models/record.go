// Package models provides data model definitions for the sync core.
package models

import (
	"encoding/json"
	"time"
)

// EntityType names the kind of user data a record holds.
type EntityType string

const (
	EntityPainEntry     EntityType = "pain-entry"
	EntitySettings      EntityType = "settings"
	EntityEmergencyData EntityType = "emergency-data"
	EntityActivityLog   EntityType = "activity-log"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPainEntry, EntitySettings, EntityEmergencyData, EntityActivityLog:
		return true
	}
	return false
}

// StoredRecord is a locally persisted record.
// LastModified is never earlier than Timestamp.
type StoredRecord struct {
	ID           int64           `db:"id" json:"id"`
	Timestamp    time.Time       `db:"timestamp" json:"timestamp"`
	Type         EntityType      `db:"type" json:"type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Synced       bool            `db:"synced" json:"synced"`
	LastModified time.Time       `db:"last_modified" json:"lastModified"`
}

// TableName returns the table name for StoredRecord.
func (StoredRecord) TableName() string {
	return "records"
}

// Entity decodes the payload into a generic entity.
func (r *StoredRecord) Entity() (Entity, error) {
	var e Entity
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return nil, err
	}
	return e, nil
}
