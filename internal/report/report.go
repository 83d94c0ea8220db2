// Package report records the per-target outcome of a batch operation.
package report

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"pvefleet/internal/fleet"

	"github.com/google/uuid"
)

// Outcome is the result of one target's operation.
type Outcome string

const (
	Success  Outcome = "Success"
	Failed   Outcome = "Failed"
	TimedOut Outcome = "TimedOut"
	Skipped  Outcome = "Skipped"
	// Incomplete marks an interrupted clone that may have left an orphan VM.
	Incomplete Outcome = "Incomplete"
)

// Entry is one target's outcome.
type Entry struct {
	TargetID   int     `json:"target_id" yaml:"target_id"`
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	Outcome    Outcome `json:"outcome" yaml:"outcome"`
	Message    string  `json:"message,omitempty" yaml:"message,omitempty"`
	Warning    string  `json:"warning,omitempty" yaml:"warning,omitempty"`
	DurationMs int64   `json:"duration_ms" yaml:"duration_ms"`
}

// Report is an append-only, concurrency-safe set of entries keyed by target id.
type Report struct {
	mu         sync.Mutex
	id         string
	operation  string
	startedAt  time.Time
	finishedAt time.Time
	entries    map[int]Entry
}

// New creates an empty report for operation with a fresh run id.
func New(operation string) *Report {
	return &Report{
		id:        uuid.NewString(),
		operation: operation,
		startedAt: time.Now(),
		entries:   make(map[int]Entry),
	}
}

// ID returns the run id.
func (r *Report) ID() string { return r.id }

// Operation returns the batch operation name.
func (r *Report) Operation() string { return r.operation }

// ErrDuplicateEntry is returned when a target is recorded twice.
type ErrDuplicateEntry struct {
	TargetID int
}

func (e *ErrDuplicateEntry) Error() string {
	return fmt.Sprintf("target %d already has a report entry", e.TargetID)
}

// Record appends e. Each target id may be recorded exactly once.
func (r *Report) Record(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.TargetID]; exists {
		return &ErrDuplicateEntry{TargetID: e.TargetID}
	}
	r.entries[e.TargetID] = e
	return nil
}

// Finish stamps the completion time.
func (r *Report) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = time.Now()
}

// Entries returns the entries sorted by target id.
func (r *Report) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.TargetID - b.TargetID })
	return out
}

// Len returns the number of recorded entries.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// NotSucceeded returns the sorted ids of entries whose outcome is not Success.
func (r *Report) NotSucceeded() []int {
	var ids []int
	for _, e := range r.Entries() {
		if e.Outcome != Success {
			ids = append(ids, e.TargetID)
		}
	}
	return ids
}

// Err returns nil when every entry succeeded, else a PartialFailureError.
func (r *Report) Err() error {
	failed := r.NotSucceeded()
	if len(failed) == 0 {
		return nil
	}
	return &fleet.PartialFailureError{Operation: r.operation, FailedIDs: failed}
}

// Counts returns the number of entries per outcome.
func (r *Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, e := range r.Entries() {
		counts[e.Outcome]++
	}
	return counts
}

// Snapshot is the serialisable form of a report.
type Snapshot struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Operation  string    `json:"operation" yaml:"operation"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Entries    []Entry   `json:"entries" yaml:"entries"`
}

// Snapshot copies the report into a Snapshot.
func (r *Report) Snapshot() Snapshot {
	entries := r.Entries()

	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		RunID:      r.id,
		Operation:  r.operation,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Entries:    entries,
	}
}

// Succeeded reports whether every entry in the snapshot succeeded.
func (s Snapshot) Succeeded() bool {
	for _, e := range s.Entries {
		if e.Outcome != Success {
			return false
		}
	}
	return true
}

// OutcomeFor maps the error of an operation that was started to an outcome.
// A started operation interrupted by cancellation did not reach its end
// state in time and is TimedOut; Skipped is only for targets never started.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case fleet.IsTimeout(err), fleet.IsCancelled(err):
		return TimedOut
	default:
		return Failed
	}
}
