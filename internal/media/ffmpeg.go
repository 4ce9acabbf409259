package media

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reelforge/render-worker/pkg/models"
)

const (
	// Encoding targets for every intermediate and final artifact.
	videoCRF    = "18"
	videoPreset = "veryfast"

	// Hard ceiling on any single media-tool invocation.
	transcodeTimeout = 10 * time.Minute

	// Trim hint reported when no scene change is detected in a capture.
	FallbackTrimHintMs = 500

	// Perceptual delta threshold for content-start detection.
	sceneChangeThreshold = "0.3"
)

var tracer = otel.Tracer("render-media")

// Ops is the typed wrapper over the external media tool. All invocations
// go through argument builders; nothing is shell-interpolated.
type Ops struct {
	ffmpegBin  string
	ffprobeBin string
	log        *slog.Logger
}

// NewOps creates a media Ops wrapper. Empty binary names fall back to
// ffmpeg/ffprobe on PATH.
func NewOps(ffmpegBin, ffprobeBin string, log *slog.Logger) *Ops {
	if strings.TrimSpace(ffmpegBin) == "" {
		ffmpegBin = "ffmpeg"
	}
	if strings.TrimSpace(ffprobeBin) == "" {
		ffprobeBin = "ffprobe"
	}
	return &Ops{ffmpegBin: ffmpegBin, ffprobeBin: ffprobeBin, log: log}
}

// NormalizeSpec describes one raw capture re-encode.
type NormalizeSpec struct {
	Input       string
	Output      string
	Width       int
	Height      int
	FPS         int
	DurationSec int
	TrimStartMs int
}

// FrameCount returns the exact number of frames the normalized segment
// must contain.
func (s NormalizeSpec) FrameCount() int {
	return int(math.Round(float64(s.DurationSec) * float64(s.FPS)))
}

// BuildNormalizeArgs constructs the re-encode arguments. The trim seek is
// placed after the input so it lands on a frame instead of a keyframe.
func BuildNormalizeArgs(s NormalizeSpec) []string {
	return []string{
		"-y",
		"-i", s.Input,
		"-ss", formatSeconds(float64(s.TrimStartMs) / 1000.0),
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%d", s.Width, s.Height, s.FPS),
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-crf", videoCRF,
		"-preset", videoPreset,
		"-frames:v", strconv.Itoa(s.FrameCount()),
		s.Output,
	}
}

// Normalize re-encodes a raw capture to the target container: exact
// dimensions and fps, frame-accurate trim, audio dropped, exactly
// round(duration*fps) frames.
func (o *Ops) Normalize(ctx context.Context, s NormalizeSpec) error {
	ctx, span := tracer.Start(ctx, "media-normalize")
	defer span.End()
	return o.run(ctx, BuildNormalizeArgs(s))
}

// BuildConcatArgs constructs the concat re-encode arguments. The demuxer
// trusts container framing; the re-encode guarantees monotonic timestamps.
func BuildConcatArgs(listPath, output string, fps int) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-an",
		"-r", strconv.Itoa(fps),
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-crf", videoCRF,
		"-preset", videoPreset,
		output,
	}
}

// WriteConcatList writes the concat demuxer list file for the ordered
// segments. Single quotes in paths are escaped per the demuxer's rules.
func WriteConcatList(listPath string, segments []string) error {
	var b strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			abs = seg
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return os.WriteFile(listPath, []byte(b.String()), 0o644)
}

// Concat joins the ordered normalized segments into one contiguous stream.
// A single segment still goes through the same path.
func (o *Ops) Concat(ctx context.Context, segments []string, output string, fps int) error {
	ctx, span := tracer.Start(ctx, "media-concat")
	defer span.End()

	if len(segments) == 0 {
		return fmt.Errorf("concat: no segments")
	}

	listPath := output + ".segments.txt"
	if err := WriteConcatList(listPath, segments); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	return o.run(ctx, BuildConcatArgs(listPath, output, fps))
}

// BuildThumbnailArgs constructs the single-frame extraction arguments.
func BuildThumbnailArgs(input, output string, atSec float64) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(atSec),
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	}
}

// Thumbnail extracts a single JPEG frame at the given timestamp.
func (o *Ops) Thumbnail(ctx context.Context, input, output string, atSec float64) error {
	ctx, span := tracer.Start(ctx, "media-thumbnail")
	defer span.End()
	return o.run(ctx, BuildThumbnailArgs(input, output, atSec))
}

var sceneChangeRe = regexp.MustCompile(`pts_time:([0-9]+\.?[0-9]*)`)

// ParseSceneChange extracts the first scene-change timestamp in
// milliseconds from showinfo output. Returns false when none was logged.
func ParseSceneChange(output string) (int, bool) {
	m := sceneChangeRe.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	sec, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int(sec * 1000), true
}

// DetectContentStart analyzes a raw capture for the first significant
// scene change on downsampled frames at 10 Hz and returns its offset in
// milliseconds. Captures without a detectable change report the fallback.
func (o *Ops) DetectContentStart(ctx context.Context, path string) (int, error) {
	ctx, span := tracer.Start(ctx, "media-detect-content-start")
	defer span.End()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, o.ffmpegBin,
		"-i", path,
		"-vf", fmt.Sprintf("fps=10,scale=160:-1,select='gt(scene,%s)',showinfo", sceneChangeThreshold),
		"-frames:v", "1",
		"-f", "null", "-",
	)

	// showinfo logs to stderr.
	out, err := cmd.CombinedOutput()
	if err != nil && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if ms, ok := ParseSceneChange(string(out)); ok {
		return ms, nil
	}
	if err != nil {
		o.log.Warn("Content-start detection failed, using fallback", "path", path, "error", err)
	}
	return FallbackTrimHintMs, nil
}

// run executes ffmpeg with the built arguments, monitoring stderr for
// progress and errors the way every invocation in this package does.
func (o *Ops) run(ctx context.Context, args []string) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, transcodeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, o.ffmpegBin, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		o.monitorOutput(ctx, stderrPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Transientf("ffmpeg failed: %v", cmdErr)
	}
	return nil
}

// monitorOutput reads and logs ffmpeg output.
func (o *Ops) monitorOutput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			line := scanner.Text()
			if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
				o.log.Debug("FFmpeg progress", "output", line)
			} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				o.log.Warn("FFmpeg warning", "output", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		o.log.Warn("FFmpeg output scanner error", "error", err)
	}
}

// formatSeconds renders a duration in seconds without trailing zeros
// beyond millisecond precision.
func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}
