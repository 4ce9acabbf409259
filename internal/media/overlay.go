package media

import (
	"context"
	"fmt"
	"strconv"

	"github.com/reelforge/render-worker/pkg/models"
)

// Shadow geometry around the facecam rectangle.
const (
	shadowPad   = 16 // transparent canvas padding around the mask alpha
	shadowBlur  = 16 // box-blur radius
	shadowDropY = 6  // vertical offset of the shadow under the cam
)

// audioSampleRate is the output rate; every audio branch is pinned to it.
const audioSampleRate = 48000

// OverlaySpec describes one facecam composite invocation: three inputs
// (background, facecam, pre-baked alpha mask) and the layer geometry.
type OverlaySpec struct {
	Background string
	Facecam    string
	Mask       string
	Output     string

	Width  int
	Height int
	FPS    int
	Layout models.FacecamLayout

	// StartOffsetSec head-pads the facecam (cloned start frames plus
	// prepended audio silence) when the cam enters late.
	StartOffsetSec float64

	// Durations drive tail padding and the explicit audio whole_dur.
	BackgroundDurationSec float64
	FacecamDurationSec    float64

	FacecamHasAudio    bool
	BackgroundHasAudio bool
}

// HasAudio reports whether the composite will carry an audio stream.
func (s OverlaySpec) HasAudio() bool {
	return s.FacecamHasAudio || s.BackgroundHasAudio
}

// CamPosition computes the pixel position of the facecam rectangle for
// the given corner and margin.
func CamPosition(width, height, pip, margin int, corner models.Corner) (x, y int) {
	switch corner {
	case models.CornerTopLeft:
		return margin, margin
	case models.CornerTopRight:
		return width - pip - margin, margin
	case models.CornerBottomLeft:
		return margin, height - pip - margin
	default: // bottom-right
		return width - pip - margin, height - pip - margin
	}
}

// BuildOverlayGraph constructs the composite filter graph:
// facecam crop/scale/pad → alpha-merge with the mask → soft shadow from
// the mask's second alpha split → shadow then cam layered onto the
// background, plus the audio branch with explicit whole-duration padding.
func BuildOverlayGraph(s OverlaySpec) *Graph {
	g := &Graph{}
	pip := s.Layout.PiPWidth
	camX, camY := CamPosition(s.Width, s.Height, pip, s.Layout.Margin, s.Layout.Corner)
	shadowSize := pip + 2*shadowPad

	// Facecam: reset timestamps, center-crop square, scale to PiP width,
	// then pad its head and tail to cover the background's timeline.
	cam := Chain{
		Inputs: []string{"1:v"},
		Steps: []Step{
			{Name: "setpts", Args: "PTS-STARTPTS"},
			{Name: "crop", Args: `'min(iw\,ih)':'min(iw\,ih)'`},
			{Name: "scale", Args: fmt.Sprintf("%d:%d", pip, pip)},
		},
		Outputs: []string{"camrgb"},
	}
	if s.StartOffsetSec > 0 {
		cam.Steps = append(cam.Steps, Step{
			Name: "tpad",
			Args: fmt.Sprintf("start_duration=%s:start_mode=clone", formatSeconds(s.StartOffsetSec)),
		})
	}
	if tail := s.BackgroundDurationSec - s.StartOffsetSec - s.FacecamDurationSec; tail > 0.001 {
		switch s.Layout.EndPad {
		case models.EndPadLoop:
			cam.Steps = append(cam.Steps,
				Step{Name: "loop", Args: "loop=-1:size=32767"},
				Step{Name: "trim", Args: "duration=" + formatSeconds(s.BackgroundDurationSec)},
			)
		default: // freeze
			cam.Steps = append(cam.Steps, Step{
				Name: "tpad",
				Args: fmt.Sprintf("stop_duration=%s:stop_mode=clone", formatSeconds(tail)),
			})
		}
	}
	g.Add(cam)

	// Mask: scale to PiP width, take its alpha, split for cam and shadow.
	g.Add(Chain{
		Inputs: []string{"2:v"},
		Steps: []Step{
			{Name: "scale", Args: fmt.Sprintf("%d:%d", pip, pip)},
			{Name: "format", Args: "rgba"},
			{Name: "alphaextract"},
			{Name: "split", Args: "2"},
		},
		Outputs: []string{"maskcam", "maskshadow"},
	})

	// Rounded cam: merge facecam RGB with the mask alpha.
	g.Add(Chain{
		Inputs:  []string{"camrgb", "maskcam"},
		Steps:   []Step{{Name: "alphamerge"}},
		Outputs: []string{"cam"},
	})

	// Shadow: pad the alpha onto a larger transparent canvas, blur it,
	// and merge onto an opaque-black canvas at 50% alpha.
	g.Add(Chain{
		Inputs: []string{"maskshadow"},
		Steps: []Step{
			{Name: "pad", Args: fmt.Sprintf("%d:%d:%d:%d:black@0", shadowSize, shadowSize, shadowPad, shadowPad)},
			{Name: "boxblur", Args: strconv.Itoa(shadowBlur)},
		},
		Outputs: []string{"shadowalpha"},
	})
	g.Add(Chain{
		Steps: []Step{
			{Name: "color", Args: fmt.Sprintf("c=black:s=%dx%d", shadowSize, shadowSize)},
			{Name: "format", Args: "rgba"},
		},
		Outputs: []string{"shadowbase"},
	})
	g.Add(Chain{
		Inputs: []string{"shadowbase", "shadowalpha"},
		Steps: []Step{
			{Name: "alphamerge"},
			{Name: "colorchannelmixer", Args: "aa=0.5"},
		},
		Outputs: []string{"shadow"},
	})

	// Layer shadow then cam onto the background; the composite ends with
	// the background.
	g.Add(Chain{
		Inputs:  []string{"0:v", "shadow"},
		Steps:   []Step{{Name: "overlay", Args: fmt.Sprintf("%d:%d", camX-shadowPad, camY-shadowPad+shadowDropY)}},
		Outputs: []string{"bgshadow"},
	})
	g.Add(Chain{
		Inputs:  []string{"bgshadow", "cam"},
		Steps:   []Step{{Name: "overlay", Args: fmt.Sprintf("%d:%d:shortest=1", camX, camY)}},
		Outputs: []string{"outv"},
	})

	// Audio: facecam audio wins; silence is prepended for a late cam
	// entry, and padding to the background duration is always explicit —
	// implicit whole-duration padding is unreliable in the tool.
	wholeDur := formatSeconds(s.BackgroundDurationSec)
	switch {
	case s.FacecamHasAudio && s.StartOffsetSec > 0:
		// The concat filter needs both inputs at one sample rate, and
		// aevalsrc defaults to 44.1 kHz; pin everything to the output's
		// 48 kHz.
		g.Add(Chain{
			Inputs: []string{"1:a"},
			Steps: []Step{
				{Name: "asetpts", Args: "PTS-STARTPTS"},
				{Name: "aresample", Args: strconv.Itoa(audioSampleRate)},
			},
			Outputs: []string{"fca"},
		})
		g.Add(Chain{
			Steps: []Step{{
				Name: "aevalsrc",
				Args: fmt.Sprintf("0:d=%s:s=%d", formatSeconds(s.StartOffsetSec), audioSampleRate),
			}},
			Outputs: []string{"lead"},
		})
		g.Add(Chain{
			Inputs: []string{"lead", "fca"},
			Steps: []Step{
				{Name: "concat", Args: "n=2:v=0:a=1"},
				{Name: "apad", Args: "whole_dur=" + wholeDur},
			},
			Outputs: []string{"outa"},
		})
	case s.FacecamHasAudio:
		g.Add(Chain{
			Inputs: []string{"1:a"},
			Steps: []Step{
				{Name: "asetpts", Args: "PTS-STARTPTS"},
				{Name: "apad", Args: "whole_dur=" + wholeDur},
			},
			Outputs: []string{"outa"},
		})
	case s.BackgroundHasAudio:
		g.Add(Chain{
			Inputs:  []string{"0:a"},
			Steps:   []Step{{Name: "apad", Args: "whole_dur=" + wholeDur}},
			Outputs: []string{"outa"},
		})
	}

	return g
}

// BuildOverlayArgs constructs the full composite invocation:
// H.264 high profile, yuv420p, CRF 18, veryfast, AAC 128k 48kHz,
// faststart.
func BuildOverlayArgs(s OverlaySpec) []string {
	args := []string{
		"-y",
		"-i", s.Background,
		"-i", s.Facecam,
		"-i", s.Mask,
		"-filter_complex", BuildOverlayGraph(s).String(),
		"-map", "[outv]",
	}
	if s.HasAudio() {
		args = append(args,
			"-map", "[outa]",
			"-c:a", "aac",
			"-b:a", "128k",
			"-ar", "48000",
		)
	}
	args = append(args,
		"-c:v", "libx264",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-crf", videoCRF,
		"-preset", videoPreset,
		"-r", strconv.Itoa(s.FPS),
		"-movflags", "+faststart",
		s.Output,
	)
	return args
}

// Overlay composites the facecam (rounded, shadowed) onto the background
// in a single media-tool invocation.
func (o *Ops) Overlay(ctx context.Context, s OverlaySpec) error {
	ctx, span := tracer.Start(ctx, "media-overlay")
	defer span.End()
	return o.run(ctx, BuildOverlayArgs(s))
}
