// Package health serves the worker's liveness endpoint and metrics. The
// server binds to the configured port, falling back to the next free
// ports when workers share a host, and publishes the bound port for
// process supervisors.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/internal/worker"
)

const (
	// PortFallbackRange is how many successive ports are tried after the
	// configured one is taken.
	PortFallbackRange = 10

	// StaleHeartbeatAfter marks the worker unhealthy when the claim loop
	// stops ticking.
	StaleHeartbeatAfter = 60 * time.Second

	// ActivePortEnv publishes the actually bound port to child tooling.
	ActivePortEnv = "HEALTH_PORT_ACTIVE"
)

// WorkerState is the worker surface the endpoint reports on.
type WorkerState interface {
	Heartbeat() time.Time
	ShuttingDown() bool
	Concurrency() (active, limit int)
	CurrentJobs() []worker.JobSnapshot
}

// Status is the health endpoint payload.
type Status struct {
	Status         string               `json:"status"`
	Service        string               `json:"service"`
	UptimeSeconds  float64              `json:"uptimeSeconds"`
	LastHeartbeat  string               `json:"lastHeartbeat"`
	IsShuttingDown bool                 `json:"isShuttingDown"`
	Concurrency    ConcurrencyStatus    `json:"concurrency"`
	CurrentJob     *worker.JobSnapshot  `json:"currentJob"`
	CurrentJobs    []worker.JobSnapshot `json:"currentJobs"`
	Memory         MemoryStatus         `json:"memory"`
}

// ConcurrencyStatus reports cap utilization.
type ConcurrencyStatus struct {
	Active    int `json:"active"`
	Limit     int `json:"limit"`
	Available int `json:"available"`
}

// MemoryStatus reports process memory from the runtime.
type MemoryStatus struct {
	AllocMB      uint64 `json:"allocMb"`
	SysMB        uint64 `json:"sysMb"`
	NumGC        uint32 `json:"numGc"`
	NumGoroutine int    `json:"numGoroutine"`
}

// Server is the health HTTP server.
type Server struct {
	state     WorkerState
	log       *slog.Logger
	startedAt time.Time

	listener net.Listener
	srv      *http.Server
	port     int
}

// NewServer creates a health server for the worker.
func NewServer(state WorkerState, log *slog.Logger) *Server {
	return &Server{state: state, log: log, startedAt: time.Now()}
}

// Start binds the first free port in [port, port+PortFallbackRange] and
// serves in the background. The bound port is published via ActivePortEnv
// and BoundPort.
func (s *Server) Start(port int) error {
	var lastErr error
	for p := port; p <= port+PortFallbackRange; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = ln
		s.port = ln.Addr().(*net.TCPAddr).Port
		break
	}
	if s.listener == nil {
		return fmt.Errorf("no free health port in [%d, %d]: %w", port, port+PortFallbackRange, lastErr)
	}

	if port != 0 && s.port != port {
		s.log.Warn("Health port taken, using fallback", "configured", port, "bound", s.port)
	}
	os.Setenv(ActivePortEnv, strconv.Itoa(s.port))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler())

	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Health server stopped", "error", err)
		}
	}()

	s.log.Info("Health server listening", "port", s.port)
	return nil
}

// BoundPort returns the port the server actually bound.
func (s *Server) BoundPort() int {
	return s.port
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	status := s.snapshot()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("Failed to encode health response", "error", err)
	}
}

// metricsHandler refreshes the worker snapshot gauges before each scrape
// so a monitor that never hits /health still sees live uptime, heartbeat
// age, and memory.
func (s *Server) metricsHandler() http.Handler {
	prom := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.refreshGauges()
		prom.ServeHTTP(w, r)
	})
}

// refreshGauges samples the worker snapshot gauges and returns the memory
// stats for reuse in the health payload.
func (s *Server) refreshGauges() runtime.MemStats {
	metrics.HeartbeatAge.Set(time.Since(s.state.Heartbeat()).Seconds())
	metrics.UptimeSeconds.Set(time.Since(s.startedAt).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics.MemoryAllocBytes.Set(float64(mem.Alloc))
	return mem
}

func (s *Server) snapshot() Status {
	heartbeat := s.state.Heartbeat()
	age := time.Since(heartbeat)
	mem := s.refreshGauges()

	healthy := age < StaleHeartbeatAfter
	statusText := "healthy"
	if !healthy {
		statusText = "unhealthy"
	}

	active, limit := s.state.Concurrency()
	available := limit - active
	if available < 0 {
		available = 0
	}

	jobs := s.state.CurrentJobs()
	if jobs == nil {
		jobs = []worker.JobSnapshot{}
	}
	// currentJob summarizes the longest-running job; null when idle.
	var current *worker.JobSnapshot
	for i := range jobs {
		if current == nil || jobs[i].Started.Before(current.Started) {
			current = &jobs[i]
		}
	}

	return Status{
		Status:         statusText,
		Service:        "render-worker",
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		LastHeartbeat:  heartbeat.UTC().Format(time.RFC3339),
		IsShuttingDown: s.state.ShuttingDown(),
		Concurrency: ConcurrencyStatus{
			Active:    active,
			Limit:     limit,
			Available: available,
		},
		CurrentJob:  current,
		CurrentJobs: jobs,
		Memory: MemoryStatus{
			AllocMB:      mem.Alloc / 1024 / 1024,
			SysMB:        mem.Sys / 1024 / 1024,
			NumGC:        mem.NumGC,
			NumGoroutine: runtime.NumGoroutine(),
		},
	}
}
