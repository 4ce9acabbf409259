// Package pipeline turns one claimed job into final artifacts: capture
// every scene, normalize, concatenate, composite the facecam, extract a
// thumbnail. Stage transitions and progress flow through the caller's
// sink; cancellation is checked at every stage boundary and between
// scenes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reelforge/render-worker/internal/cache"
	"github.com/reelforge/render-worker/internal/media"
	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/internal/recorder"
	"github.com/reelforge/render-worker/pkg/models"
)

// Scene capture retry policy: three attempts at 1s, 2s, 4s.
const (
	sceneRecordTries    = 3
	sceneRecordBaseWait = time.Second
)

const thumbnailAtSec = 3.0

var tracer = otel.Tracer("render-pipeline")

// SceneRecorder captures one scene to a raw video file.
type SceneRecorder interface {
	RecordScene(ctx context.Context, spec recorder.CaptureSpec) error
}

// CaptureCache stores raw captures across jobs.
type CaptureCache interface {
	Get(ctx context.Context, key string, sceneDurationSec int) (cache.Entry, bool)
	Put(key, srcPath string, trimHintMs int, scene models.Scene) (string, error)
}

// MediaOps is the slice of media operations the pipeline drives.
type MediaOps interface {
	Probe(ctx context.Context, path string) (media.ProbeResult, error)
	Normalize(ctx context.Context, spec media.NormalizeSpec) error
	Concat(ctx context.Context, segments []string, output string, fps int) error
	Overlay(ctx context.Context, spec media.OverlaySpec) error
	Thumbnail(ctx context.Context, input, output string, atSec float64) error
	DetectContentStart(ctx context.Context, path string) (int, error)
}

// Sink receives stage transitions and answers cancellation polls.
type Sink interface {
	Report(ctx context.Context, status models.RenderStatus, progress int) error
	Cancelled(ctx context.Context) bool
}

// Result is the pipeline's output, ready for upload.
type Result struct {
	VideoPath     string
	ThumbnailPath string
}

// Pipeline renders jobs.
type Pipeline struct {
	recorder   SceneRecorder
	cache      CaptureCache
	media      MediaOps
	maskPath   string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Pipeline. maskPath points at the pre-baked facecam mask.
func New(rec SceneRecorder, cc CaptureCache, ops MediaOps, maskPath string, log *slog.Logger) *Pipeline {
	return &Pipeline{
		recorder:   rec,
		cache:      cc,
		media:      ops,
		maskPath:   maskPath,
		httpClient: &http.Client{},
		log:        log,
	}
}

// Run executes the full render for a prepared job inside workDir.
func (p *Pipeline) Run(ctx context.Context, job *models.Job, prep Prepared, workDir string, sink Sink) (Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline-run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.scenes", len(prep.Scenes)),
	)

	captures, err := p.recordScenes(ctx, job, prep.Scenes, workDir, sink)
	if err != nil {
		return Result{}, err
	}

	segments, err := p.normalizeScenes(ctx, job, prep.Scenes, captures, workDir, sink)
	if err != nil {
		return Result{}, err
	}

	background, err := p.concatScenes(ctx, job, segments, workDir, sink)
	if err != nil {
		return Result{}, err
	}

	final := background
	if job.HasFacecam() {
		final, err = p.overlayFacecam(ctx, job, prep, background, workDir, sink)
		if err != nil {
			return Result{}, err
		}
	}

	thumb, err := p.makeThumbnail(ctx, final, workDir, sink)
	if err != nil {
		return Result{}, err
	}

	return Result{VideoPath: final, ThumbnailPath: thumb}, nil
}

// sceneCapture is one scene's raw capture with its trim hint.
type sceneCapture struct {
	path       string
	trimHintMs int
}

// recordScenes produces a raw capture per scene, cache first. Progress
// walks 10 to 40 across the scene list.
func (p *Pipeline) recordScenes(ctx context.Context, job *models.Job, scenes []models.Scene, workDir string, sink Sink) ([]sceneCapture, error) {
	if err := sink.Report(ctx, models.StatusRecording, 10); err != nil {
		return nil, err
	}

	captures := make([]sceneCapture, len(scenes))
	for i, scene := range scenes {
		if sink.Cancelled(ctx) {
			return nil, models.ErrCancelled
		}

		start := time.Now()
		capt, err := p.captureScene(ctx, job, scene, workDir)
		metrics.StageDuration.WithLabelValues("recording").Observe(time.Since(start).Seconds())
		if err != nil {
			if models.IsCancelled(err) {
				return nil, models.ErrCancelled
			}
			return nil, &models.SceneRecordError{SceneOrder: scene.Order, Err: err}
		}
		captures[i] = capt

		progress := 10 + 30*(i+1)/len(scenes)
		if err := sink.Report(ctx, models.StatusRecording, progress); err != nil {
			return nil, err
		}
	}
	return captures, nil
}

// captureScene returns a cached capture when one passes integrity, and
// otherwise records with retries and populates the cache.
func (p *Pipeline) captureScene(ctx context.Context, job *models.Job, scene models.Scene, workDir string) (sceneCapture, error) {
	key := cache.Fingerprint(cacheNamespace(job), scene, job.CacheKeySalt)
	rawPath := filepath.Join(workDir, fmt.Sprintf("scene_%d_raw.mp4", scene.Order))

	if entry, ok := p.cache.Get(ctx, key, scene.DurationSec); ok {
		// Work off a private copy: the cache entry stays subject to the
		// reaper's TTL eviction for the whole normalize stage.
		if err := copyFile(entry.Path, rawPath); err == nil {
			p.log.Info("Scene capture cache hit", "scene", scene.Order, "key", key)
			return sceneCapture{path: rawPath, trimHintMs: entry.TrimHintMs}, nil
		}
		p.log.Warn("Cached capture vanished, re-recording", "scene", scene.Order, "key", key)
	}

	spec := recorder.CaptureSpec{
		URL:         scene.URL,
		DurationSec: scene.DurationSec,
		Width:       job.Output.Width,
		Height:      job.Output.Height,
		FPS:         job.Output.FPS,
		Output:      rawPath,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = sceneRecordBaseWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.SceneRecordRetries.Inc()
			p.log.Warn("Retrying scene capture", "scene", scene.Order, "attempt", attempt)
		}
		recErr := p.recorder.RecordScene(ctx, spec)
		if recErr != nil && !retryable(recErr) {
			return struct{}{}, backoff.Permanent(recErr)
		}
		return struct{}{}, recErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(sceneRecordTries))
	if err != nil {
		return sceneCapture{}, err
	}

	trimHint, err := p.media.DetectContentStart(ctx, rawPath)
	if err != nil {
		trimHint = media.FallbackTrimHintMs
	}

	cached, err := p.cache.Put(key, rawPath, trimHint, scene)
	if err != nil {
		// Cache insertion failure must not fail the render; the raw file
		// is gone only if the move half-succeeded, so fall back to it.
		p.log.Warn("Failed to cache scene capture", "scene", scene.Order, "error", err)
		return sceneCapture{path: rawPath, trimHintMs: trimHint}, nil
	}
	return sceneCapture{path: cached, trimHintMs: trimHint}, nil
}

// retryable decides whether a capture failure is worth another browser
// session. Untyped recorder failures default to retryable; cancellation,
// validation, and explicitly permanent errors do not.
func retryable(err error) bool {
	if models.IsCancelled(err) || models.IsValidation(err) {
		return false
	}
	var perm *models.PermanentError
	return !errors.As(err, &perm)
}

// normalizeScenes re-encodes every capture to the exact output format.
func (p *Pipeline) normalizeScenes(ctx context.Context, job *models.Job, scenes []models.Scene, captures []sceneCapture, workDir string, sink Sink) ([]string, error) {
	if sink.Cancelled(ctx) {
		return nil, models.ErrCancelled
	}
	if err := sink.Report(ctx, models.StatusNormalizing, 50); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("normalizing").Observe(time.Since(start).Seconds())
	}()

	segments := make([]string, len(scenes))
	for i, scene := range scenes {
		out := filepath.Join(workDir, fmt.Sprintf("scene_%d.mp4", scene.Order))
		err := p.media.Normalize(ctx, media.NormalizeSpec{
			Input:       captures[i].path,
			Output:      out,
			Width:       job.Output.Width,
			Height:      job.Output.Height,
			FPS:         job.Output.FPS,
			DurationSec: scene.DurationSec,
			TrimStartMs: captures[i].trimHintMs,
		})
		if err != nil {
			return nil, fmt.Errorf("normalize scene %d: %w", scene.Order, err)
		}
		segments[i] = out
	}
	return segments, nil
}

// concatScenes joins the normalized segments. Progress 60 to 70.
func (p *Pipeline) concatScenes(ctx context.Context, job *models.Job, segments []string, workDir string, sink Sink) (string, error) {
	if sink.Cancelled(ctx) {
		return "", models.ErrCancelled
	}
	if err := sink.Report(ctx, models.StatusConcatenating, 60); err != nil {
		return "", err
	}

	start := time.Now()
	out := filepath.Join(workDir, "background.mp4")
	if err := p.media.Concat(ctx, segments, out, job.Output.FPS); err != nil {
		return "", fmt.Errorf("concatenate scenes: %w", err)
	}
	metrics.StageDuration.WithLabelValues("concatenating").Observe(time.Since(start).Seconds())

	if err := sink.Report(ctx, models.StatusConcatenating, 70); err != nil {
		return "", err
	}
	return out, nil
}

// overlayFacecam composites the facecam onto the background. Progress 70
// to 80.
func (p *Pipeline) overlayFacecam(ctx context.Context, job *models.Job, prep Prepared, background, workDir string, sink Sink) (string, error) {
	if sink.Cancelled(ctx) {
		return "", models.ErrCancelled
	}
	if err := sink.Report(ctx, models.StatusOverlaying, 70); err != nil {
		return "", err
	}

	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("overlaying").Observe(time.Since(start).Seconds())
	}()

	bgProbe, err := p.media.Probe(ctx, background)
	if err != nil {
		return "", fmt.Errorf("probe background: %w", err)
	}
	camProbe, err := p.media.Probe(ctx, prep.FacecamPath)
	if err != nil {
		return "", fmt.Errorf("probe facecam: %w", err)
	}

	out := filepath.Join(workDir, "final.mp4")
	err = p.media.Overlay(ctx, media.OverlaySpec{
		Background:            background,
		Facecam:               prep.FacecamPath,
		Mask:                  p.maskPath,
		Output:                out,
		Width:                 job.Output.Width,
		Height:                job.Output.Height,
		FPS:                   job.Output.FPS,
		Layout:                job.Output.Facecam,
		BackgroundDurationSec: bgProbe.DurationSec,
		FacecamDurationSec:    camProbe.DurationSec,
		FacecamHasAudio:       camProbe.HasAudio,
		BackgroundHasAudio:    bgProbe.HasAudio,
	})
	if err != nil {
		return "", fmt.Errorf("overlay facecam: %w", err)
	}

	if err := sink.Report(ctx, models.StatusOverlaying, 80); err != nil {
		return "", err
	}
	return out, nil
}

// makeThumbnail extracts the poster frame. Progress 80 to 85.
func (p *Pipeline) makeThumbnail(ctx context.Context, video, workDir string, sink Sink) (string, error) {
	if sink.Cancelled(ctx) {
		return "", models.ErrCancelled
	}
	if err := sink.Report(ctx, models.StatusCreatingThumbnail, 80); err != nil {
		return "", err
	}

	start := time.Now()
	out := filepath.Join(workDir, "thumbnail.jpg")
	at := thumbnailAtSec
	if res, err := p.media.Probe(ctx, video); err == nil && res.DurationSec < thumbnailAtSec {
		at = res.DurationSec / 2
	}
	if err := p.media.Thumbnail(ctx, video, out, at); err != nil {
		return "", fmt.Errorf("extract thumbnail: %w", err)
	}
	metrics.StageDuration.WithLabelValues("creating_thumbnail").Observe(time.Since(start).Seconds())

	if err := sink.Report(ctx, models.StatusCreatingThumbnail, 85); err != nil {
		return "", err
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// cacheNamespace scopes fingerprints to the campaign unless the job
// pins its own namespace.
func cacheNamespace(job *models.Job) string {
	if job.CacheNamespace != "" {
		return job.CacheNamespace
	}
	return job.CampaignID
}
