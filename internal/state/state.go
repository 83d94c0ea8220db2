// Package state keeps the history of finished runs.
package state

import (
	"context"
	"errors"
	"slices"

	"pvefleet/internal/report"
)

// ErrRunNotFound is returned when a run id is unknown to the store.
var ErrRunNotFound = errors.New("run not found")

// Store persists run report snapshots. Snapshots never contain credentials.
type Store interface {
	SaveRun(ctx context.Context, run report.Snapshot) error
	GetRun(ctx context.Context, runID string) (report.Snapshot, error)
	ListRuns(ctx context.Context) ([]report.Snapshot, error)
	Close() error
}

// sortNewestFirst orders runs by start time, newest first.
func sortNewestFirst(runs []report.Snapshot) {
	slices.SortFunc(runs, func(a, b report.Snapshot) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
}
