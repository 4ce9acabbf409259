// Package queue is the database adapter for the render job queue. Claims
// go through a server-side function that enforces the fleet-wide
// concurrency cap atomically; everything else is plain row updates keyed
// by the claimed job id.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/pkg/models"
)

// DefaultConcurrencyCap applies when system_settings carries no limit.
const DefaultConcurrencyCap = 3

// FailureMessageMax bounds the error text persisted on a failed render.
const FailureMessageMax = 500

const claimQuery = `SELECT * FROM claim_render_job_with_limit($1)`

// Queue wraps the job-queue database.
type Queue struct {
	db  *sql.DB
	log *slog.Logger
}

// New creates a queue adapter over an open database handle.
func New(db *sql.DB, log *slog.Logger) *Queue {
	return &Queue{db: db, log: log}
}

// Claim atomically claims one queued job, respecting the fleet-wide cap.
// Returns models.ErrNoJob when nothing is claimable (empty queue or cap
// reached). A claimed row that cannot be parsed is failed in place and
// reported as models.ErrJobParseFailed so the loop moves on.
func (q *Queue) Claim(ctx context.Context, cap int) (*models.Job, error) {
	rows, err := q.db.QueryContext(ctx, claimQuery, cap)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.ClaimAttempts.WithLabelValues("empty").Inc()
			return nil, models.ErrNoJob
		}
		metrics.ClaimAttempts.WithLabelValues("error").Inc()
		return nil, models.Transientf("claim render job: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			metrics.ClaimAttempts.WithLabelValues("error").Inc()
			return nil, models.Transientf("claim render job: %v", err)
		}
		metrics.ClaimAttempts.WithLabelValues("empty").Inc()
		return nil, models.ErrNoJob
	}

	var (
		job          models.Job
		facecamURL   sql.NullString
		leadCSVURL   sql.NullString
		leadRowIndex sql.NullInt64
		namespace    sql.NullString
		salt         sql.NullString
		scenesRaw    []byte
		settingsRaw  []byte
	)
	err = rows.Scan(
		&job.ID,
		&job.RenderID,
		&job.CampaignID,
		&job.CampaignName,
		&scenesRaw,
		&facecamURL,
		&leadCSVURL,
		&leadRowIndex,
		&namespace,
		&salt,
		&settingsRaw,
	)
	if err != nil {
		// A row arrived but does not fit the expected shape: schema
		// drift, not a network blip. Retrying cannot help.
		metrics.ClaimAttempts.WithLabelValues("error").Inc()
		return nil, models.Permanent(fmt.Errorf("claim row shape: %w", err))
	}

	job.FacecamURL = facecamURL.String
	job.LeadCSVURL = leadCSVURL.String
	job.LeadRowIndex = int(leadRowIndex.Int64)
	job.CacheNamespace = namespace.String
	job.CacheKeySalt = salt.String

	if err := json.Unmarshal(scenesRaw, &job.Scenes); err != nil {
		q.failParse(ctx, job.ID, fmt.Sprintf("invalid scenes payload: %v", err))
		return nil, models.ErrJobParseFailed
	}
	job.Output, err = models.ParseOutputSettings(settingsRaw)
	if err != nil {
		q.failParse(ctx, job.ID, fmt.Sprintf("invalid output settings: %v", err))
		return nil, models.ErrJobParseFailed
	}

	metrics.ClaimAttempts.WithLabelValues("claimed").Inc()
	return &job, nil
}

// failParse marks an unparseable claimed job failed so it cannot wedge
// the queue. Best effort.
func (q *Queue) failParse(ctx context.Context, jobID, msg string) {
	if err := q.Fail(ctx, jobID, errors.New(msg)); err != nil {
		q.log.Error("Failed to fail unparseable job", "job_id", jobID, "error", err)
	}
}

// ReportProgress persists a stage transition and progress percentage.
// Progress is clamped server-side so late-arriving reports never move it
// backwards, and terminal rows are never touched.
func (q *Queue) ReportProgress(ctx context.Context, jobID string, status models.RenderStatus, progress int) error {
	const query = `
		UPDATE renders r
		SET status = $2,
		    progress = GREATEST(r.progress, $3),
		    updated_at = now()
		FROM render_jobs j
		WHERE j.id = $1
		  AND r.id = j.render_id
		  AND r.status NOT IN ('done', 'failed', 'cancelled')`

	if _, err := q.db.ExecContext(ctx, query, jobID, string(status), progress); err != nil {
		return models.Transientf("report progress: %v", err)
	}
	return nil
}

// Complete marks the render done with its public artifact URLs in a
// single transaction. Completing an already-terminal render is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID, videoURL, thumbnailURL string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Transientf("begin complete tx: %v", err)
	}
	defer tx.Rollback()

	const renderQuery = `
		UPDATE renders r
		SET status = 'done',
		    progress = 100,
		    video_url = $2,
		    thumbnail_url = $3,
		    completed_at = now(),
		    updated_at = now()
		FROM render_jobs j
		WHERE j.id = $1
		  AND r.id = j.render_id
		  AND r.status NOT IN ('done', 'failed', 'cancelled')`
	if _, err := tx.ExecContext(ctx, renderQuery, jobID, videoURL, thumbnailURL); err != nil {
		return models.Transientf("complete render: %v", err)
	}

	const jobQuery = `
		UPDATE render_jobs
		SET state = 'completed', finished_at = now()
		WHERE id = $1 AND state = 'processing'`
	if _, err := tx.ExecContext(ctx, jobQuery, jobID); err != nil {
		return models.Transientf("complete job row: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Transientf("commit complete tx: %v", err)
	}
	return nil
}

// Fail marks the render failed with a truncated root-cause message.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	msg := models.RootMessage(cause, FailureMessageMax)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Transientf("begin fail tx: %v", err)
	}
	defer tx.Rollback()

	const renderQuery = `
		UPDATE renders r
		SET status = 'failed',
		    error_message = $2,
		    updated_at = now()
		FROM render_jobs j
		WHERE j.id = $1
		  AND r.id = j.render_id
		  AND r.status NOT IN ('done', 'failed', 'cancelled')`
	if _, err := tx.ExecContext(ctx, renderQuery, jobID, msg); err != nil {
		return models.Transientf("fail render: %v", err)
	}

	const jobQuery = `
		UPDATE render_jobs
		SET state = 'failed', finished_at = now()
		WHERE id = $1 AND state = 'processing'`
	if _, err := tx.ExecContext(ctx, jobQuery, jobID); err != nil {
		return models.Transientf("fail job row: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Transientf("commit fail tx: %v", err)
	}
	return nil
}

// MarkCancelled records the cancelled terminal state after the worker has
// stopped work and removed its scratch space.
func (q *Queue) MarkCancelled(ctx context.Context, jobID string) error {
	const query = `
		UPDATE renders r
		SET status = 'cancelled', updated_at = now()
		FROM render_jobs j
		WHERE j.id = $1
		  AND r.id = j.render_id
		  AND r.status NOT IN ('done', 'failed')`
	if _, err := q.db.ExecContext(ctx, query, jobID); err != nil {
		return models.Transientf("mark cancelled: %v", err)
	}

	const jobQuery = `
		UPDATE render_jobs
		SET state = 'cancelled', finished_at = now()
		WHERE id = $1 AND state = 'processing'`
	if _, err := q.db.ExecContext(ctx, jobQuery, jobID); err != nil {
		return models.Transientf("mark job cancelled: %v", err)
	}
	return nil
}

// IsCancelled polls the cancellation flag for a claimed job.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	const query = `
		SELECT r.cancelled_at IS NOT NULL
		FROM renders r
		JOIN render_jobs j ON r.id = j.render_id
		WHERE j.id = $1`

	var cancelled bool
	err := q.db.QueryRowContext(ctx, query, jobID).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		// Row gone: treat as cancelled so the worker stops promptly.
		return true, nil
	}
	if err != nil {
		return false, models.Transientf("poll cancellation: %v", err)
	}
	return cancelled, nil
}

// FetchConcurrencyCap reads the fleet-wide concurrent job limit from
// system settings, falling back to the default when unset or malformed.
func (q *Queue) FetchConcurrencyCap(ctx context.Context) int {
	const query = `SELECT value FROM system_settings WHERE key = 'max_concurrent_jobs'`

	var raw []byte
	err := q.db.QueryRowContext(ctx, query).Scan(&raw)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			q.log.Warn("Failed to read concurrency cap, using default", "error", err)
		}
		return DefaultConcurrencyCap
	}

	var payload struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Limit < 1 {
		q.log.Warn("Malformed concurrency cap setting, using default", "value", string(raw))
		return DefaultConcurrencyCap
	}
	return payload.Limit
}

// Ping verifies database liveness for the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return q.db.PingContext(ctx)
}
