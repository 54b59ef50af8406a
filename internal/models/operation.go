package models

import (
	"net/http"
	"time"
)

// Priority orders pending operations and conflicts.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns 0 for high, 1 for medium and 2 for low (and unknown).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	}
	return 2
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// ValidMethod reports whether m may be queued.
func ValidMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// PendingOperation is a queued remote call.
// RetryCount never exceeds the engine's max retries; past that the
// operation is evicted.
type PendingOperation struct {
	ID         int64             `db:"id" json:"id"`
	TargetURL  string            `db:"target_url" json:"targetUrl"`
	Method     string            `db:"method" json:"method"`
	Headers    map[string]string `db:"headers" json:"headers,omitempty"`
	Body       *string           `db:"body" json:"body,omitempty"`
	Priority   Priority          `db:"priority" json:"priority"`
	EnqueuedAt time.Time         `db:"enqueued_at" json:"enqueuedAt"`
	RetryCount int               `db:"retry_count" json:"retryCount"`
	RecordID   *int64            `db:"record_id" json:"recordId,omitempty"`
	LastError  string            `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// OperationPatch carries the fields UpdateOperation may change.
// Nil fields are left alone.
type OperationPatch struct {
	RetryCount *int
	LastError  *string
	Priority   *Priority
}

// FailedOperation is an operation evicted from the queue, kept so the user
// can retry or discard it.
type FailedOperation struct {
	Operation PendingOperation `json:"operation"`
	Reason    string           `json:"reason"`
	FailedAt  time.Time        `json:"failedAt"`
}

// SweepStats summarizes one pass over the pending queue.
// RetryCount is the number of operations that failed retryably and were
// scheduled for another attempt; they count neither as success nor failure.
type SweepStats struct {
	TotalItems   int       `json:"totalItems"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	SkippedCount int       `json:"skippedCount"`
	RetryCount   int       `json:"retryCount"`
	Errors       []string  `json:"errors"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}
