package sync

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// FailedPrefix is the kv prefix of the dead-letter table.
const FailedPrefix = "failed-op:"

// FailedKey returns the dead-letter key of an evicted operation.
func FailedKey(id int64) string {
	return FailedPrefix + strconv.FormatInt(id, 10)
}

// FailedOperations lists evicted operations, oldest eviction first.
func (e *Engine) FailedOperations(ctx context.Context) ([]models.FailedOperation, error) {
	entries, err := e.store.ScanPrefix(ctx, FailedPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.FailedOperation, 0, len(entries))
	for _, kv := range entries {
		var f models.FailedOperation
		if err := json.Unmarshal([]byte(kv.Value), &f); err != nil {
			e.log.Warn("skipping unreadable dead-letter entry", map[string]interface{}{"key": kv.Key, "error": err.Error()})
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

// RetryFailed puts an evicted operation back on the queue with a fresh
// retry count and returns its new id.
func (e *Engine) RetryFailed(ctx context.Context, id int64) (int64, error) {
	var f models.FailedOperation
	if err := e.store.GetJSON(ctx, FailedKey(id), &f); err != nil {
		return 0, err
	}
	op := f.Operation
	op.ID = 0
	op.RetryCount = 0
	op.LastError = ""
	op.EnqueuedAt = e.clock.Now()
	newID, err := e.store.Enqueue(ctx, &op)
	if err != nil {
		return 0, err
	}
	if err := e.store.DeleteValue(ctx, FailedKey(id)); err != nil {
		return newID, err
	}
	e.log.Info("failed operation re-queued", map[string]interface{}{"old_id": id, "new_id": newID})
	return newID, nil
}

// DiscardFailed drops an evicted operation for good.
func (e *Engine) DiscardFailed(ctx context.Context, id int64) error {
	if _, err := e.store.GetValue(ctx, FailedKey(id)); err != nil {
		return err
	}
	return e.store.DeleteValue(ctx, FailedKey(id))
}
