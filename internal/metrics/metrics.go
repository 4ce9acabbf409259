package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// JobsProcessed counts the total number of render jobs by terminal status.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "render",
			Name:      "jobs_processed_total",
			Help:      "Total number of render jobs processed",
		},
		[]string{"status"},
	)

	// StageDuration tracks time spent in each pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "render",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "render",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// SceneRecordRetries counts scene capture retry attempts.
	SceneRecordRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "render",
			Name:      "scene_record_retries_total",
			Help:      "Total number of scene capture retries",
		},
	)

	// CaptureCache counts cache lookups by outcome.
	CaptureCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "render",
			Name:      "capture_cache_lookups_total",
			Help:      "Scene capture cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// UploadDuration tracks the time taken to upload final artifacts.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "render",
			Name:      "upload_duration_seconds",
			Help:      "Time taken to upload final artifacts",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// AssetDownloadDuration tracks the time taken to fetch job input assets.
	AssetDownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "render",
			Name:      "asset_download_duration_seconds",
			Help:      "Time taken to download job input assets",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60},
		},
	)

	// HeartbeatAge tracks seconds since the last worker-loop tick.
	HeartbeatAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "render",
			Name:      "heartbeat_age_seconds",
			Help:      "Seconds since the last worker heartbeat",
		},
	)

	// UptimeSeconds tracks how long the worker process has been running.
	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "render",
			Name:      "uptime_seconds",
			Help:      "Seconds since the worker process started",
		},
	)

	// MemoryAllocBytes tracks heap bytes in use, sampled on health scrapes.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "render",
			Name:      "memory_alloc_bytes",
			Help:      "Heap bytes currently allocated",
		},
	)

	// ClaimAttempts counts queue claim calls by result.
	ClaimAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "render",
			Name:      "claim_attempts_total",
			Help:      "Queue claim attempts by result",
		},
		[]string{"result"},
	)
)

// RecordSuccess records a completed render job.
func RecordSuccess() {
	JobsProcessed.WithLabelValues("done").Inc()
}

// RecordFailure records a failed render job.
func RecordFailure() {
	JobsProcessed.WithLabelValues("failed").Inc()
}

// RecordCancelled records a cancelled render job.
func RecordCancelled() {
	JobsProcessed.WithLabelValues("cancelled").Inc()
}

// RecordCacheHit records a capture cache hit.
func RecordCacheHit() {
	CaptureCache.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a capture cache miss.
func RecordCacheMiss() {
	CaptureCache.WithLabelValues("miss").Inc()
}
