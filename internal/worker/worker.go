// Package worker runs the claim loop: poll the queue under the
// fleet-wide concurrency cap, run the render pipeline per claimed job,
// upload artifacts, and write the terminal state back.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/internal/pipeline"
	"github.com/reelforge/render-worker/pkg/models"
)

var tracer = otel.Tracer("render-worker")

// Terminal-phase retry policy: three attempts at 1s, 2s backoff. A
// network blip after a minutes-long successful render must not fail it.
const (
	terminalRetryTries    = 3
	terminalRetryBaseWait = time.Second
)

// Queue is the job queue surface the worker drives.
type Queue interface {
	Claim(ctx context.Context, limit int) (*models.Job, error)
	ReportProgress(ctx context.Context, jobID string, status models.RenderStatus, progress int) error
	Complete(ctx context.Context, jobID, videoURL, thumbnailURL string) error
	Fail(ctx context.Context, jobID string, cause error) error
	MarkCancelled(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	FetchConcurrencyCap(ctx context.Context) int
}

// Storage uploads final artifacts.
type Storage interface {
	UploadVideo(ctx context.Context, publicID, path string) (string, error)
	UploadThumbnail(ctx context.Context, publicID, path string) (string, error)
	Purge(ctx context.Context, publicURL string)
}

// Renderer is the pipeline surface: prepare inputs, then run the stages.
type Renderer interface {
	Prepare(ctx context.Context, job *models.Job, workDir string) (pipeline.Prepared, error)
	Run(ctx context.Context, job *models.Job, prep pipeline.Prepared, workDir string, sink pipeline.Sink) (pipeline.Result, error)
}

// Disk manages per-job scratch space.
type Disk interface {
	JobDir(campaignID, jobID string) (string, error)
	CleanupNow(dir string)
	ScheduleCleanup(dir string, retention time.Duration)
}

// Options configures the worker loop.
type Options struct {
	PollInterval     time.Duration
	CapRefresh       time.Duration
	KillTimeout      time.Duration
	CancelPoll       time.Duration
	SuccessRetention time.Duration
	FailureRetention time.Duration
}

// JobSnapshot describes one in-flight job for the health endpoint.
type JobSnapshot struct {
	JobID    string              `json:"jobId"`
	RenderID string              `json:"renderId"`
	Status   models.RenderStatus `json:"status"`
	Progress int                 `json:"progress"`
	Started  time.Time           `json:"startedAt"`
}

// Worker claims and processes render jobs until its context is cancelled.
type Worker struct {
	queue    Queue
	storage  Storage
	renderer Renderer
	disk     Disk
	opts     Options
	log      *slog.Logger

	heartbeat    atomic.Int64 // unix nanos of the last loop touch
	shuttingDown atomic.Bool

	mu         sync.Mutex
	cap        int
	capFetched time.Time
	running    map[string]*runningJob
}

type runningJob struct {
	job     *models.Job
	jctx    *JobContext
	started time.Time
	cancel  context.CancelFunc
}

// New creates a Worker.
func New(q Queue, st Storage, r Renderer, d Disk, opts Options, log *slog.Logger) *Worker {
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = defaultCancelPoll
	}
	w := &Worker{
		queue:    q,
		storage:  st,
		renderer: r,
		disk:     d,
		opts:     opts,
		log:      log,
		running:  make(map[string]*runningJob),
	}
	w.touchHeartbeat()
	return w
}

// Run polls for claims and blocks until ctx is cancelled and in-flight
// jobs have drained (or been failed after the kill timeout).
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting job claim loop",
		"pollInterval", w.opts.PollInterval,
	)

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			w.drain(&wg)
			return
		default:
		}

		w.touchHeartbeat()

		limit := w.concurrencyCap(ctx)
		if w.activeCount() >= limit {
			w.sleep(ctx)
			continue
		}

		job, err := w.queue.Claim(ctx, limit)
		if errors.Is(err, models.ErrNoJob) {
			w.sleep(ctx)
			continue
		}
		if errors.Is(err, models.ErrJobParseFailed) {
			// Already failed in place by the queue; claim again promptly.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.ErrorContext(ctx, "Claim failed", "error", err)
			w.sleep(ctx)
			continue
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		jctx := NewJobContext(job.ID, w.queue, w.touchHeartbeat, w.opts.CancelPoll, w.log)
		w.track(job, jctx, cancel)

		// Cancellation must interrupt minutes-scale sub-processes, not
		// just the checkpoints between them; the watcher cancels the job
		// context, which every external invocation hangs off.
		go w.watchCancellation(jobCtx, jctx, cancel)

		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer cancel()
			defer w.untrack(job.ID)

			metrics.ActiveJobs.Inc()
			defer metrics.ActiveJobs.Dec()

			w.processJob(jobCtx, job, jctx)
		}(job)
	}
}

// watchCancellation polls the queue's cancellation flag while a job runs
// and cancels the job context when the user cancels, terminating any
// in-flight browser session, media-tool invocation, or upload. Exits when
// the job finishes.
func (w *Worker) watchCancellation(ctx context.Context, jctx *JobContext, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.opts.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if jctx.Cancelled(ctx) {
				cancel()
				return
			}
		}
	}
}

// drain waits for in-flight jobs up to the kill timeout, then cancels
// the stragglers; their goroutines fail them as shutdown casualties.
func (w *Worker) drain(wg *sync.WaitGroup) {
	w.shuttingDown.Store(true)
	w.log.Info("Draining in-progress jobs", "killTimeout", w.opts.KillTimeout)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("All jobs completed, shutting down")
	case <-time.After(w.opts.KillTimeout):
		w.log.Warn("Kill timeout reached, cancelling remaining jobs")
		w.mu.Lock()
		for _, r := range w.running {
			r.cancel()
		}
		w.mu.Unlock()
		<-done
	}
}

// processJob runs one claimed job end to end and writes its terminal
// state.
func (w *Worker) processJob(ctx context.Context, job *models.Job, jctx *JobContext) {
	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("render.id", job.RenderID),
		attribute.String("campaign.id", job.CampaignID),
	)

	w.log.InfoContext(ctx, "Processing render job",
		"jobId", job.ID,
		"renderId", job.RenderID,
		"campaign", job.CampaignName,
		"scenes", len(job.Scenes),
	)

	workDir, err := w.disk.JobDir(job.CampaignID, job.ID)
	if err != nil {
		w.failJob(job, workDir, models.Permanent(err))
		return
	}

	start := time.Now()
	var processingErr error
	defer func() {
		if processingErr == nil {
			return
		}
		// Shutdown cancellation is a failure, not a user cancellation:
		// the render should be retried by a healthy worker.
		if w.shuttingDown.Load() && ctx.Err() != nil {
			w.failJob(job, workDir, models.ErrWorkerShutdown)
			return
		}
		if models.IsCancelled(processingErr) {
			w.cancelJob(job, workDir)
			return
		}
		w.failJob(job, workDir, processingErr)
	}()

	prep, err := w.renderer.Prepare(ctx, job, workDir)
	if err != nil {
		processingErr = err
		return
	}

	if jctx.Cancelled(ctx) {
		processingErr = models.ErrCancelled
		return
	}

	result, err := w.renderer.Run(ctx, job, prep, workDir, jctx)
	if err != nil {
		processingErr = err
		return
	}

	videoURL, thumbURL, err := w.uploadArtifacts(ctx, job, result, jctx)
	if err != nil {
		processingErr = err
		return
	}

	if err := withRetry(ctx, func() error {
		return w.queue.Complete(ctx, job.ID, videoURL, thumbURL)
	}); err != nil {
		processingErr = err
		return
	}

	metrics.RecordSuccess()
	w.disk.ScheduleCleanup(workDir, w.opts.SuccessRetention)
	w.log.InfoContext(ctx, "Render complete",
		"jobId", job.ID,
		"renderId", job.RenderID,
		"videoUrl", videoURL,
		"durationSeconds", time.Since(start).Seconds(),
	)
}

// uploadArtifacts pushes the final video and thumbnail. Progress 85 to 95.
func (w *Worker) uploadArtifacts(ctx context.Context, job *models.Job, result pipeline.Result, jctx *JobContext) (string, string, error) {
	if jctx.Cancelled(ctx) {
		return "", "", models.ErrCancelled
	}
	if err := jctx.Report(ctx, models.StatusUploading, 85); err != nil {
		return "", "", err
	}

	var videoURL string
	err := withRetry(ctx, func() error {
		var uerr error
		videoURL, uerr = w.storage.UploadVideo(ctx, job.RenderID, result.VideoPath)
		return uerr
	})
	if err != nil {
		return "", "", err
	}
	if err := jctx.Report(ctx, models.StatusUploading, 90); err != nil {
		return "", "", err
	}

	var thumbURL string
	err = withRetry(ctx, func() error {
		var uerr error
		thumbURL, uerr = w.storage.UploadThumbnail(ctx, job.RenderID, result.ThumbnailPath)
		return uerr
	})
	if err != nil {
		return "", "", err
	}
	if err := jctx.Report(ctx, models.StatusUploading, 95); err != nil {
		return "", "", err
	}

	// Re-renders reuse public ids; stale CDN copies must go.
	w.storage.Purge(ctx, videoURL)
	w.storage.Purge(ctx, thumbURL)

	return videoURL, thumbURL, nil
}

// withRetry retries transient failures of terminal-phase calls (uploads,
// completion). Anything non-transient short-circuits.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = terminalRetryBaseWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !models.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(terminalRetryTries))
	return err
}

// cancelJob handles the distinguished cancellation path: scratch space is
// removed immediately, nothing is retained.
func (w *Worker) cancelJob(job *models.Job, workDir string) {
	w.log.Info("Render cancelled", "jobId", job.ID, "renderId", job.RenderID)
	if workDir != "" {
		w.disk.CleanupNow(workDir)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := w.queue.MarkCancelled(ctx, job.ID); err != nil {
		w.log.Error("Failed to mark render cancelled", "jobId", job.ID, "error", err)
	}
	metrics.RecordCancelled()
}

// failJob records the failure and retains the scratch dir for debugging.
func (w *Worker) failJob(job *models.Job, workDir string, cause error) {
	w.log.Error("Render failed", "jobId", job.ID, "renderId", job.RenderID, "error", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := w.queue.Fail(ctx, job.ID, cause); err != nil {
		w.log.Error("Failed to mark render failed", "jobId", job.ID, "error", err)
	}
	metrics.RecordFailure()
	if workDir != "" {
		w.disk.ScheduleCleanup(workDir, w.opts.FailureRetention)
	}
}

// concurrencyCap returns the fleet-wide cap, refreshed at most once per
// refresh period.
func (w *Worker) concurrencyCap(ctx context.Context) int {
	w.mu.Lock()
	fresh := w.cap > 0 && time.Since(w.capFetched) < w.opts.CapRefresh
	cached := w.cap
	w.mu.Unlock()
	if fresh {
		return cached
	}

	limit := w.queue.FetchConcurrencyCap(ctx)
	w.mu.Lock()
	w.cap = limit
	w.capFetched = time.Now()
	w.mu.Unlock()
	return limit
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(w.opts.PollInterval):
	case <-ctx.Done():
	}
}

func (w *Worker) track(job *models.Job, jctx *JobContext, cancel context.CancelFunc) {
	w.mu.Lock()
	w.running[job.ID] = &runningJob{job: job, jctx: jctx, started: time.Now(), cancel: cancel}
	w.mu.Unlock()
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.running, jobID)
	w.mu.Unlock()
}

func (w *Worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) touchHeartbeat() {
	w.heartbeat.Store(time.Now().UnixNano())
	metrics.HeartbeatAge.Set(0)
}

// Heartbeat returns the time of the last worker-loop touch.
func (w *Worker) Heartbeat() time.Time {
	return time.Unix(0, w.heartbeat.Load())
}

// ShuttingDown reports whether the worker is draining.
func (w *Worker) ShuttingDown() bool {
	return w.shuttingDown.Load()
}

// Concurrency returns active and limit for the health endpoint.
func (w *Worker) Concurrency() (active, limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running), w.cap
}

// CurrentJobs snapshots the in-flight jobs.
func (w *Worker) CurrentJobs() []JobSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]JobSnapshot, 0, len(w.running))
	for _, r := range w.running {
		status, progress := r.jctx.Snapshot()
		out = append(out, JobSnapshot{
			JobID:    r.job.ID,
			RenderID: r.job.RenderID,
			Status:   status,
			Progress: progress,
			Started:  r.started,
		})
	}
	return out
}
