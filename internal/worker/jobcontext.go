package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelforge/render-worker/pkg/models"
)

// defaultCancelPoll throttles cancellation polls against the queue.
const defaultCancelPoll = 2 * time.Second

// JobContext carries one job's progress and cancellation state. It is the
// pipeline's sink: reports clamp progress monotonically, touch the worker
// heartbeat, and cancellation polls are cached between intervals.
type JobContext struct {
	jobID     string
	queue     Queue
	log       *slog.Logger
	pollEvery time.Duration

	heartbeat func()

	mu           sync.Mutex
	lastProgress int
	lastStatus   models.RenderStatus
	cancelled    bool
	lastPoll     time.Time
}

// NewJobContext creates the progress/cancellation context for one job.
func NewJobContext(jobID string, q Queue, heartbeat func(), pollEvery time.Duration, log *slog.Logger) *JobContext {
	if pollEvery <= 0 {
		pollEvery = defaultCancelPoll
	}
	return &JobContext{jobID: jobID, queue: q, heartbeat: heartbeat, pollEvery: pollEvery, log: log}
}

// Report persists a stage transition. Progress never moves backwards:
// stale reports are clamped to the high-water mark before they reach the
// queue, which clamps again server-side.
func (j *JobContext) Report(ctx context.Context, status models.RenderStatus, progress int) error {
	j.heartbeat()

	j.mu.Lock()
	if progress < j.lastProgress {
		progress = j.lastProgress
	}
	j.lastProgress = progress
	j.lastStatus = status
	j.mu.Unlock()

	if err := j.queue.ReportProgress(ctx, j.jobID, status, progress); err != nil {
		// A missed progress update never fails a render.
		j.log.Warn("Failed to report progress",
			"job_id", j.jobID, "status", status, "error", err)
	}
	return nil
}

// Cancelled polls the queue's cancellation flag, at most once per poll
// interval. Once true it stays true.
func (j *JobContext) Cancelled(ctx context.Context) bool {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return true
	}
	if time.Since(j.lastPoll) < j.pollEvery {
		j.mu.Unlock()
		return false
	}
	j.lastPoll = time.Now()
	j.mu.Unlock()

	cancelled, err := j.queue.IsCancelled(ctx, j.jobID)
	if err != nil {
		j.log.Warn("Cancellation poll failed", "job_id", j.jobID, "error", err)
		return false
	}
	if cancelled {
		j.mu.Lock()
		j.cancelled = true
		j.mu.Unlock()
	}
	return cancelled
}

// Snapshot returns the job's last reported status and progress.
func (j *JobContext) Snapshot() (models.RenderStatus, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastStatus, j.lastProgress
}
