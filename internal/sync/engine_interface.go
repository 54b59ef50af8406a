// Package sync drains the pending-operation queue against the remote
// endpoint with per-operation retry and backoff.
package sync

import (
	"context"
	"net/http"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// SyncEngineInterface is what the scheduler and the CLI drive.
// This interface allows for mocking in tests.
type SyncEngineInterface interface {
	// Sweep drains the queue once. A sweep requested while offline or
	// while another sweep drains returns empty stats and no error.
	Sweep(ctx context.Context) (models.SweepStats, error)

	// ForceSync is a user-requested Sweep.
	ForceSync(ctx context.Context) (models.SweepStats, error)

	// Status returns the engine's connectivity and drain state.
	Status() Status

	// PendingCount returns the number of queued operations.
	PendingCount(ctx context.Context) (int, error)
}

// Doer issues HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	_ SyncEngineInterface = (*Engine)(nil)
	_ Doer                = (*http.Client)(nil)
)
