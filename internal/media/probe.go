package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const maxProbeTimeout = 30 * time.Second

// ProbeResult is the subset of stream metadata the pipeline decides on.
type ProbeResult struct {
	DurationSec float64
	Width       int
	Height      int
	FPS         float64
	StreamCount int
	HasVideo    bool
	HasAudio    bool
}

// Probe runs ffprobe against the file and returns its stream metadata.
func (o *Ops) Probe(ctx context.Context, filePath string) (ProbeResult, error) {
	path := strings.TrimSpace(filePath)
	if path == "" {
		return ProbeResult{}, errors.New("file path is required")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, o.ffprobeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return ProbeResult{}, fmt.Errorf("ffprobe failed: %w", err)
		}
		return ProbeResult{}, fmt.Errorf("ffprobe failed: %w: %s", err, msg)
	}

	return ParseProbeOutput(stdout.Bytes())
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// ParseProbeOutput decodes ffprobe JSON into a ProbeResult.
func ParseProbeOutput(raw []byte) (ProbeResult, error) {
	var payload probePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ProbeResult{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	res := ProbeResult{StreamCount: len(payload.Streams)}
	res.DurationSec, _ = strconv.ParseFloat(payload.Format.Duration, 64)

	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			res.HasVideo = true
			if s.Width > 0 {
				res.Width = s.Width
				res.Height = s.Height
			}
			if fps := parseFrameRate(s.AvgFrameRate); fps > 0 {
				res.FPS = fps
			}
			// Some containers only carry duration on the stream.
			if res.DurationSec == 0 {
				if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
					res.DurationSec = d
				}
			}
		case "audio":
			res.HasAudio = true
		}
	}

	return res, nil
}

// parseFrameRate converts an ffprobe "num/den" rate to a float.
func parseFrameRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		f, _ := strconv.ParseFloat(rate, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
