package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pvefleet/internal/report"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const runsPrefix = "/pvefleet/runs/"

// kv is the part of the etcd client the store uses.
type kv interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdStore keeps runs in etcd under /pvefleet/runs/<id>.
type EtcdStore struct {
	kv     kv
	closer func() error
}

// NewEtcdStore connects to the given endpoints.
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{kv: cli, closer: cli.Close}, nil
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// SaveRun stores the run snapshot.
func (s *EtcdStore) SaveRun(ctx context.Context, run report.Snapshot) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if _, err := s.kv.Put(ctx, runsPrefix+run.RunID, string(data)); err != nil {
		return fmt.Errorf("failed to save run to etcd: %w", err)
	}
	return nil
}

// GetRun retrieves one run.
func (s *EtcdStore) GetRun(ctx context.Context, runID string) (report.Snapshot, error) {
	resp, err := s.kv.Get(ctx, runsPrefix+runID)
	if err != nil {
		return report.Snapshot{}, fmt.Errorf("failed to get run from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return report.Snapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	var run report.Snapshot
	if err := json.Unmarshal(resp.Kvs[0].Value, &run); err != nil {
		return report.Snapshot{}, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

// ListRuns returns every stored run, newest first.
func (s *EtcdStore) ListRuns(ctx context.Context) ([]report.Snapshot, error) {
	resp, err := s.kv.Get(ctx, runsPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs from etcd: %w", err)
	}

	runs := make([]report.Snapshot, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		var run report.Snapshot
		if err := json.Unmarshal(item.Value, &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run %s: %w", item.Key, err)
		}
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	return runs, nil
}
