package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/splatdelta/delta"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type testServer struct {
	handler    http.Handler
	dir        string
	reportPath string
	metrics    *delta.Metrics
}

// newTestServer returns a handler over an output directory holding one
// three-record delta file and no run report.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_0001.delta"), delta.Encode(delta.ZeroRecords(3)), 0644))

	reg := prometheus.NewRegistry()
	metrics := delta.NewMetrics(reg)
	reportPath := filepath.Join(dir, delta.DefaultReportName)
	return &testServer{
		handler:    newHTTPServer(dir, reportPath, reg, metrics, quietLogger()),
		dir:        dir,
		reportPath: reportPath,
		metrics:    metrics,
	}
}

func (s *testServer) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rr := s.get("/health", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Version != Version {
		t.Errorf("body = %+v", body)
	}
}

func TestReport_Missing(t *testing.T) {
	s := newTestServer(t)
	rr := s.get("/report", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestReport_Disabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHTTPServer(t.TempDir(), "", reg, delta.NewMetrics(reg), quietLogger())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/report", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestReport_Found(t *testing.T) {
	s := newTestServer(t)
	report := delta.NewRunReport(delta.FrameRange{First: 1, Last: 2, Base: 1}, delta.StrategyFrameToBase)
	report.Finish(delta.RunResult{
		ReferenceSize: 3,
		Frames: []delta.FrameOutcome{
			{Frame: 1, Status: delta.StatusOK},
			{Frame: 2, Status: delta.StatusDegraded, Reason: "missing"},
		},
	}, nil)
	require.NoError(t, delta.SaveRunReport(s.reportPath, report))

	rr := s.get("/report", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got delta.RunReport
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, report.RunID, got.RunID)
	assert.Equal(t, 1, got.OK)
	assert.Equal(t, 1, got.Degraded)
}

func TestReport_Corrupt(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(s.reportPath, []byte("{not json"), 0644))

	rr := s.get("/report", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestFrames_ServesDeltaAndCountsBytes(t *testing.T) {
	s := newTestServer(t)
	rr := s.get("/frames/frame_0001.delta", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3*delta.RecordSize, rr.Body.Len())
	assert.Equal(t, float64(3*delta.RecordSize), testutil.ToFloat64(s.metrics.ServedBytesTotal.WithLabelValues("delta")))

	recs, err := delta.Decode(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, delta.ZeroRecords(3), recs)
}

func TestFrames_NotFound(t *testing.T) {
	s := newTestServer(t)
	rr := s.get("/frames/frame_0099.delta", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.metrics.ObserveFrame(delta.FrameOutcome{Frame: 7, Status: delta.StatusOK})

	rr := s.get("/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	for _, name := range []string{"splatdelta_frames_total", "splatdelta_last_frame 7"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)
	rr := s.get("/health", map[string]string{"Origin": "http://viewer.example"})
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}

func TestServedKind(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/frames/frame_0001.delta", "delta"},
		{"/report", "report"},
		{"/health", "other"},
		{"/frames/run-report.json", "other"},
	}
	for _, tt := range tests {
		if got := servedKind(tt.path); got != tt.want {
			t.Errorf("servedKind(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
