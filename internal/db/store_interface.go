package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// RecordStore persists local records.
type RecordStore interface {
	Put(ctx context.Context, recordType models.EntityType, payload json.RawMessage) (int64, error)
	Update(ctx context.Context, id int64, payload json.RawMessage) error
	Get(ctx context.Context, id int64) (*models.StoredRecord, error)
	Query(ctx context.Context, recordType models.EntityType) ([]*models.StoredRecord, error)
	QueryUnsynced(ctx context.Context) ([]*models.StoredRecord, error)
	MarkSynced(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// QueueStore persists pending remote operations.
type QueueStore interface {
	Enqueue(ctx context.Context, op *models.PendingOperation) (int64, error)
	PutAndEnqueue(ctx context.Context, recordType models.EntityType, payload json.RawMessage, op *models.PendingOperation) (int64, int64, error)
	Dequeue(ctx context.Context) ([]*models.PendingOperation, error)
	GetOperation(ctx context.Context, id int64) (*models.PendingOperation, error)
	RemoveOperation(ctx context.Context, id int64) error
	UpdateOperation(ctx context.Context, id int64, patch models.OperationPatch) error
	PendingCount(ctx context.Context) (int, error)
}

// KVStore is the generic key/value table.
type KVStore interface {
	SetValue(ctx context.Context, key, value string) error
	GetValue(ctx context.Context, key string) (string, error)
	DeleteValue(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]KV, error)
	SetJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, v any) error
}

// LeaseStore coordinates queue drains across processes sharing one database.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, owner string) error
}

// SyncStore is everything the sync engine needs.
type SyncStore interface {
	RecordStore
	QueueStore
	KVStore
	LeaseStore
	ClearAll(ctx context.Context) error
}

var (
	_ RecordStore = (*Store)(nil)
	_ QueueStore  = (*Store)(nil)
	_ KVStore     = (*Store)(nil)
	_ LeaseStore  = (*Store)(nil)
	_ SyncStore   = (*Store)(nil)
)
