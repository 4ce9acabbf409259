package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/internal/worker"
)

type fakeState struct {
	heartbeat    time.Time
	shuttingDown bool
	active       int
	limit        int
	jobs         []worker.JobSnapshot
}

func (f *fakeState) Heartbeat() time.Time              { return f.heartbeat }
func (f *fakeState) ShuttingDown() bool                { return f.shuttingDown }
func (f *fakeState) Concurrency() (int, int)           { return f.active, f.limit }
func (f *fakeState) CurrentJobs() []worker.JobSnapshot { return f.jobs }

func newTestServer(state WorkerState) *Server {
	return NewServer(state, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestHealthEndpoint(t *testing.T) {
	state := &fakeState{
		heartbeat: time.Now(),
		active:    1,
		limit:     3,
		jobs: []worker.JobSnapshot{{
			JobID: "job-1", RenderID: "render-1", Progress: 40,
		}},
	}
	s := newTestServer(state)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "healthy" {
		t.Errorf("status = %s", got.Status)
	}
	if got.Concurrency.Active != 1 || got.Concurrency.Limit != 3 || got.Concurrency.Available != 2 {
		t.Errorf("concurrency = %+v", got.Concurrency)
	}
	if len(got.CurrentJobs) != 1 || got.CurrentJobs[0].JobID != "job-1" {
		t.Errorf("current jobs = %+v", got.CurrentJobs)
	}
	if got.CurrentJob == nil || got.CurrentJob.JobID != "job-1" {
		t.Errorf("current job = %+v", got.CurrentJob)
	}
	if _, err := time.Parse(time.RFC3339, got.LastHeartbeat); err != nil {
		t.Errorf("heartbeat %q not RFC3339: %v", got.LastHeartbeat, err)
	}
	if got.Memory.SysMB == 0 {
		t.Error("memory stats missing")
	}
}

func TestHealthEndpointStaleHeartbeat(t *testing.T) {
	state := &fakeState{heartbeat: time.Now().Add(-2 * time.Minute), limit: 3}
	s := newTestServer(state)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for stale heartbeat", rec.Code)
	}
	var got Status
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", got.Status)
	}
	if got.CurrentJob != nil {
		t.Errorf("current job = %+v, want null when idle", got.CurrentJob)
	}
}

func TestHealthEndpointRejectsNonGet(t *testing.T) {
	s := newTestServer(&fakeState{heartbeat: time.Now()})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerPortFallback(t *testing.T) {
	first := newTestServer(&fakeState{heartbeat: time.Now(), limit: 3})
	// Bind an ephemeral port, then ask a second server for the same one.
	if err := first.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Shutdown(context.Background())
	taken := first.BoundPort()

	second := newTestServer(&fakeState{heartbeat: time.Now(), limit: 3})
	if err := second.Start(taken); err != nil {
		t.Fatalf("Start() with taken port error = %v", err)
	}
	defer second.Shutdown(context.Background())

	if second.BoundPort() == taken {
		t.Fatalf("both servers report port %d", taken)
	}
	if second.BoundPort() < taken || second.BoundPort() > taken+PortFallbackRange {
		t.Errorf("fallback port %d outside [%d, %d]", second.BoundPort(), taken, taken+PortFallbackRange)
	}
	if got := os.Getenv(ActivePortEnv); got != fmt.Sprint(second.BoundPort()) {
		t.Errorf("%s = %s, want %d", ActivePortEnv, got, second.BoundPort())
	}

	// The fallback server actually answers.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", second.BoundPort()))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("fallback /health status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeState{heartbeat: time.Now(), limit: 3})
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Shutdown(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", s.BoundPort()))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func TestMetricsScrapeRefreshesGauges(t *testing.T) {
	// A monitor scraping only /metrics must still see live worker-snapshot
	// gauges, without /health ever being hit.
	s := newTestServer(&fakeState{heartbeat: time.Now().Add(-30 * time.Second), limit: 3})
	s.startedAt = time.Now().Add(-time.Minute)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Shutdown(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", s.BoundPort()))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()

	if got := testutil.ToFloat64(metrics.HeartbeatAge); got < 29 {
		t.Errorf("heartbeat age gauge = %v, want ~30s after scrape", got)
	}
	if got := testutil.ToFloat64(metrics.UptimeSeconds); got < 59 {
		t.Errorf("uptime gauge = %v, want ~60s after scrape", got)
	}
	if got := testutil.ToFloat64(metrics.MemoryAllocBytes); got <= 0 {
		t.Errorf("memory gauge = %v, want positive after scrape", got)
	}
}
