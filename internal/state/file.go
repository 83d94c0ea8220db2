package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pvefleet/internal/report"
)

// FileStore keeps one JSON file per run in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}

// SaveRun writes the run atomically.
func (s *FileStore) SaveRun(_ context.Context, run report.Snapshot) error {
	p, err := s.path(run.RunID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (s *FileStore) GetRun(_ context.Context, runID string) (report.Snapshot, error) {
	p, err := s.path(runID)
	if err != nil {
		return report.Snapshot{}, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return report.Snapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return report.Snapshot{}, fmt.Errorf("failed to read run: %w", err)
	}

	var run report.Snapshot
	if err := json.Unmarshal(data, &run); err != nil {
		return report.Snapshot{}, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

// ListRuns loads every run, newest first.
func (s *FileStore) ListRuns(ctx context.Context) ([]report.Snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]report.Snapshot, 0, len(matches))
	for _, m := range matches {
		run, err := s.GetRun(ctx, strings.TrimSuffix(filepath.Base(m), ".json"))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	return runs, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
