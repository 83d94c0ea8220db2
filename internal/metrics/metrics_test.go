package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pvefleet/internal/config"
	"pvefleet/internal/report"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCountsOutcomes(t *testing.T) {
	r := NewRecorder()
	r.Observe("stop", report.Success, 2*time.Second)
	r.Observe("stop", report.Success, time.Second)
	r.Observe("stop", report.TimedOut, 120*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.outcomes.WithLabelValues("stop", "Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("stop", "TimedOut")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestExportTextfile(t *testing.T) {
	r := NewRecorder()
	r.Observe("provision", report.Failed, 30*time.Second)
	r.MarkFinished("provision", time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "pvefleet.prom")
	require.NoError(t, r.Export(config.MetricsConfig{TextfilePath: path}, "run-1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `pvefleet_target_outcomes_total{operation="provision",outcome="Failed"} 1`)
	assert.Contains(t, text, "pvefleet_last_run_timestamp_seconds")
}

func TestExportPushgateway(t *testing.T) {
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder()
	r.Observe("start", report.Success, time.Second)
	require.NoError(t, r.Export(config.MetricsConfig{PushgatewayURL: srv.URL, Job: "pvefleet"}, "abc"))

	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, strings.HasPrefix(path.Load().(string), "/metrics/job/pvefleet"))
	assert.Contains(t, path.Load().(string), "run_id/abc")
}

func TestExportReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRecorder()
	err := r.Export(config.MetricsConfig{PushgatewayURL: srv.URL}, "abc")
	assert.Error(t, err)
}

func TestExportNothingConfigured(t *testing.T) {
	assert.NoError(t, NewRecorder().Export(config.MetricsConfig{}, "abc"))
}
