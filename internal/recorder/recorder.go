// Package recorder captures web pages to raw video. Each scene leases a
// headless browser from the farm, drives it over the devtools protocol,
// and pipes screencast frames into an encoder at the target frame rate.
package recorder

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// LeadInSec is recorded ahead of the scene proper; content-start
	// detection trims it back out.
	LeadInSec = 1.0

	// sceneTimeoutMargin bounds a capture past its nominal duration.
	sceneTimeoutMargin = 30 * time.Second

	// settleQuiet is how long the network must stay quiet to count as idle.
	settleQuiet = 500 * time.Millisecond

	screencastQuality = 80
)

var tracer = otel.Tracer("render-recorder")

// Recorder drives the browser farm.
type Recorder struct {
	endpoint        string
	token           string
	sessionTimeout  time.Duration
	pageLoadWait    time.Duration
	networkIdleWait time.Duration
	ffmpegBin       string
	httpClient      *http.Client
	log             *slog.Logger
}

// Options configures a Recorder.
type Options struct {
	Endpoint        string
	Token           string
	SessionTimeout  time.Duration
	PageLoadWait    time.Duration
	NetworkIdleWait time.Duration
	FFmpegBin       string
}

// New creates a Recorder against the browser farm endpoint.
func New(opts Options, log *slog.Logger) *Recorder {
	bin := opts.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Recorder{
		endpoint:        opts.Endpoint,
		token:           opts.Token,
		sessionTimeout:  opts.SessionTimeout,
		pageLoadWait:    opts.PageLoadWait,
		networkIdleWait: opts.NetworkIdleWait,
		ffmpegBin:       bin,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             log,
	}
}

// CaptureSpec describes one scene capture.
type CaptureSpec struct {
	URL         string
	DurationSec int
	Width       int
	Height      int
	FPS         int
	Output      string
}

// RecordScene captures one scene into spec.Output. The capture includes a
// short lead-in before the page is considered presentable; the caller
// trims it using the detected content start.
func (r *Recorder) RecordScene(ctx context.Context, spec CaptureSpec) error {
	ctx, span := tracer.Start(ctx, "record-scene")
	defer span.End()
	span.SetAttributes(
		attribute.String("scene.url", spec.URL),
		attribute.Int("scene.duration_sec", spec.DurationSec),
	)

	timeout := time.Duration(spec.DurationSec)*time.Second + sceneTimeoutMargin
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := r.createSession(ctx, spec.Width, spec.Height)
	if err != nil {
		return err
	}
	defer r.releaseSession(sess)

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, sess.WSURL)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var inflight atomic.Int64
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			inflight.Add(1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			inflight.Add(-1)
		}
	})

	err = chromedp.Run(browserCtx,
		emulation.SetDeviceMetricsOverride(int64(spec.Width), int64(spec.Height), 1, false),
		network.Enable(),
		chromedp.Navigate(normalizeURL(spec.URL)),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", spec.URL, err)
	}

	r.waitNetworkIdle(browserCtx, &inflight)

	if err := r.settlePage(browserCtx); err != nil {
		// Readiness nudges are best effort; the fixed wait still applies.
		r.log.Warn("Page readiness protocol incomplete", "url", spec.URL, "error", err)
	}

	select {
	case <-time.After(r.pageLoadWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	return r.capture(browserCtx, spec)
}

// waitNetworkIdle blocks until no network request has been in flight for
// settleQuiet, capped by the configured idle wait. Pages that stream
// forever simply run out the cap.
func (r *Recorder) waitNetworkIdle(ctx context.Context, inflight *atomic.Int64) {
	deadline := time.Now().Add(r.networkIdleWait)
	quietSince := time.Time{}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				return
			}
			if inflight.Load() > 0 {
				quietSince = time.Time{}
				continue
			}
			if quietSince.IsZero() {
				quietSince = time.Now()
			} else if time.Since(quietSince) >= settleQuiet {
				return
			}
		}
	}
}

// settlePage nudges lazily rendering embeds into painting: foreground
// focus, lifecycle active, loaded fonts, synthetic resize and scroll, a
// one-pixel scroll jiggle, and two frames of paint.
func (r *Recorder) settlePage(ctx context.Context) error {
	return chromedp.Run(ctx,
		page.BringToFront(),
		emulation.SetFocusEmulationEnabled(true),
		page.SetWebLifecycleState(page.SetWebLifecycleStateStateActive),
		chromedp.Evaluate(`document.fonts.ready.then(() => true)`, nil, awaitPromise),
		chromedp.Evaluate(`
			window.dispatchEvent(new Event('resize'));
			window.dispatchEvent(new Event('scroll'));
			window.scrollBy(0, 1);
			window.scrollBy(0, -1);
			true`, nil),
		chromedp.Evaluate(`
			new Promise(resolve =>
				requestAnimationFrame(() => requestAnimationFrame(resolve))
			).then(() => true)`, nil, awaitPromise),
	)
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// BuildCaptureArgs constructs the encoder invocation that consumes the
// screencast frame stream on stdin. Raw captures favor encode speed; the
// normalize pass re-encodes at quality settings.
func BuildCaptureArgs(output string, fps int) []string {
	return []string{
		"-y",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fps),
		output,
	}
}

// capture streams screencast frames into the encoder for the scene
// duration plus lead-in. The browser emits frames only when the page
// repaints, so the writer duplicates the latest frame against the wall
// clock to hold the target rate.
func (r *Recorder) capture(ctx context.Context, spec CaptureSpec) error {
	frameCh := make(chan []byte, 16)
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		frame, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		data, err := base64.StdEncoding.DecodeString(frame.Data)
		if err == nil {
			select {
			case frameCh <- data:
			default: // writer is behind, drop in favor of fresher frames
			}
		}
		sessionID := frame.SessionID
		go func() {
			_ = chromedp.Run(ctx, page.ScreencastFrameAck(sessionID))
		}()
	})

	err := chromedp.Run(ctx, page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(screencastQuality).
		WithMaxWidth(int64(spec.Width)).
		WithMaxHeight(int64(spec.Height)).
		WithEveryNthFrame(1))
	if err != nil {
		return fmt.Errorf("start screencast: %w", err)
	}
	defer func() {
		_ = chromedp.Run(ctx, page.StopScreencast())
	}()

	cmd := exec.Command(r.ffmpegBin, BuildCaptureArgs(spec.Output, spec.FPS)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	encoderDone := make(chan error, 1)
	go func() { encoderDone <- cmd.Wait() }()

	totalDur := time.Duration((float64(spec.DurationSec)+LeadInSec)*1000) * time.Millisecond
	interval := time.Second / time.Duration(spec.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	stop := time.After(totalDur)

	var latest []byte
	var framesSent int64
	start := time.Now()

	// Wait for the first frame so the capture never opens on an empty
	// buffer.
	select {
	case latest = <-frameCh:
	case <-ctx.Done():
		r.abortEncoder(cmd, stdin, encoderDone)
		return ctx.Err()
	case <-time.After(10 * time.Second):
		r.abortEncoder(cmd, stdin, encoderDone)
		return fmt.Errorf("no screencast frame within 10s for %s", spec.URL)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			r.abortEncoder(cmd, stdin, encoderDone)
			return ctx.Err()
		case f := <-frameCh:
			latest = f
		case <-stop:
			break loop
		case <-ticker.C:
			// Duplicate against the wall clock so slow repaint intervals
			// never shorten the output.
			expected := int64(time.Since(start).Seconds() * float64(spec.FPS))
			dups := expected - framesSent
			if dups < 1 {
				dups = 1
			}
			for i := int64(0); i < dups; i++ {
				if _, err := stdin.Write(latest); err != nil {
					r.abortEncoder(cmd, stdin, encoderDone)
					return fmt.Errorf("write frame to encoder: %w", err)
				}
			}
			framesSent += dups
		}
	}

	stdin.Close()
	select {
	case err := <-encoderDone:
		if err != nil {
			return fmt.Errorf("encoder failed: %w", err)
		}
	case <-time.After(15 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return fmt.Errorf("encoder flush timed out")
	}

	r.log.Info("Scene captured",
		"url", spec.URL, "frames", framesSent, "duration_sec", spec.DurationSec)
	return nil
}

// abortEncoder tears the encoder down on a failed capture.
func (r *Recorder) abortEncoder(cmd *exec.Cmd, stdin interface{ Close() error }, done chan error) {
	stdin.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
	}
}
