package models

import (
	"encoding/json"
	"fmt"
)

// RenderStatus represents the externally observable state of a render.
type RenderStatus string

const (
	StatusQueued            RenderStatus = "queued"
	StatusRecording         RenderStatus = "recording"
	StatusNormalizing       RenderStatus = "normalizing"
	StatusConcatenating     RenderStatus = "concatenating"
	StatusOverlaying        RenderStatus = "overlaying"
	StatusCreatingThumbnail RenderStatus = "creating_thumbnail"
	StatusUploading         RenderStatus = "uploading"
	StatusDone              RenderStatus = "done"
	StatusFailed            RenderStatus = "failed"
	StatusCancelled         RenderStatus = "cancelled"
)

// statusRank orders the non-terminal statuses along the pipeline. Terminal
// error states (failed, cancelled) are reachable from any rank.
var statusRank = map[RenderStatus]int{
	StatusQueued:            0,
	StatusRecording:         1,
	StatusNormalizing:       2,
	StatusConcatenating:     3,
	StatusOverlaying:        4,
	StatusCreatingThumbnail: 5,
	StatusUploading:         6,
	StatusDone:              7,
}

// Rank returns the pipeline position of the status, or -1 for terminal
// error states and unknown values.
func (s RenderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsValid returns true if the status is a known RenderStatus.
func (s RenderStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusRecording, StatusNormalizing, StatusConcatenating,
		StatusOverlaying, StatusCreatingThumbnail, StatusUploading,
		StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for statuses after which no further updates occur.
func (s RenderStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// SceneEntryType distinguishes manually entered scene URLs from URLs
// substituted out of a lead CSV column.
type SceneEntryType string

const (
	EntryManual SceneEntryType = "manual"
	EntryCSV    SceneEntryType = "csv"
)

// MaxJobDurationSec caps the summed scene duration of a single job.
const MaxJobDurationSec = 300

// Scene is one contiguous capture of a single URL for a prescribed duration.
type Scene struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	DurationSec int            `json:"durationSec"`
	Order       int            `json:"order"`
	EntryType   SceneEntryType `json:"entryType"`
	CSVColumn   string         `json:"csvColumn,omitempty"`
}

// Validate checks a single scene's fields.
func (s *Scene) Validate() error {
	if s.URL == "" && s.EntryType != EntryCSV {
		return &ValidationError{Msg: fmt.Sprintf("scene %d: url is required", s.Order)}
	}
	if s.DurationSec < 1 {
		return &ValidationError{Msg: fmt.Sprintf("scene %d: duration must be at least 1s", s.Order)}
	}
	if s.DurationSec > MaxJobDurationSec {
		return &ValidationError{Msg: fmt.Sprintf("scene %d: duration %ds exceeds %ds limit", s.Order, s.DurationSec, MaxJobDurationSec)}
	}
	if s.EntryType != EntryManual && s.EntryType != EntryCSV {
		return &ValidationError{Msg: fmt.Sprintf("scene %d: unknown entry type %q", s.Order, s.EntryType)}
	}
	if s.EntryType == EntryCSV && s.CSVColumn == "" {
		return &ValidationError{Msg: fmt.Sprintf("scene %d: csv scenes require a column name", s.Order)}
	}
	return nil
}

// Corner anchors the facecam overlay.
type Corner string

const (
	CornerTopLeft     Corner = "top-left"
	CornerTopRight    Corner = "top-right"
	CornerBottomLeft  Corner = "bottom-left"
	CornerBottomRight Corner = "bottom-right"
)

// EndPadMode controls how the facecam fills time past its own duration.
type EndPadMode string

const (
	EndPadFreeze EndPadMode = "freeze"
	EndPadLoop   EndPadMode = "loop"
)

// FacecamLayout describes the picture-in-picture rectangle.
type FacecamLayout struct {
	PiPWidth int        `json:"pipWidth"`
	Margin   int        `json:"margin"`
	Corner   Corner     `json:"corner"`
	EndPad   EndPadMode `json:"endPad"`
}

// Output defaults.
const (
	DefaultWidth    = 1920
	DefaultHeight   = 1080
	DefaultFPS      = 60
	DefaultPiPWidth = 230
	DefaultMargin   = 24
)

// OutputSettings holds the target dimensions and facecam layout for a job.
type OutputSettings struct {
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	FPS     int           `json:"fps"`
	Facecam FacecamLayout `json:"facecam"`
}

// ApplyDefaults fills zero-valued fields with the platform defaults
// (1920x1080 @ 60, 230px PiP with 24px margin in the bottom-right, freeze pad).
func (o *OutputSettings) ApplyDefaults() {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.Facecam.PiPWidth <= 0 {
		o.Facecam.PiPWidth = DefaultPiPWidth
	}
	if o.Facecam.Margin <= 0 {
		o.Facecam.Margin = DefaultMargin
	}
	if o.Facecam.Corner == "" {
		o.Facecam.Corner = CornerBottomRight
	}
	if o.Facecam.EndPad == "" {
		o.Facecam.EndPad = EndPadFreeze
	}
}

// ParseOutputSettings decodes the jsonb settings column, filling defaults.
// An empty payload yields the default settings.
func ParseOutputSettings(raw []byte) (OutputSettings, error) {
	var o OutputSettings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return OutputSettings{}, fmt.Errorf("parse output settings: %w", err)
		}
	}
	o.ApplyDefaults()
	return o, nil
}

// Job is one claimed render job, exclusively owned by a single worker
// between claim and terminal update.
type Job struct {
	ID           string
	RenderID     string
	CampaignID   string
	CampaignName string
	Scenes       []Scene

	// Optional facecam overlay asset.
	FacecamURL string

	// Optional lead personalization inputs.
	LeadCSVURL   string
	LeadRowIndex int // meaningful only when LeadCSVURL is set

	// Optional cache fingerprint inputs.
	CacheNamespace string
	CacheKeySalt   string

	Output OutputSettings
}

// HasFacecam reports whether a facecam overlay asset is attached.
func (j *Job) HasFacecam() bool { return j.FacecamURL != "" }

// HasLeadRow reports whether the job references a lead CSV row.
func (j *Job) HasLeadRow() bool { return j.LeadCSVURL != "" }

// TotalDurationSec returns the summed scene duration.
func (j *Job) TotalDurationSec() int {
	total := 0
	for _, s := range j.Scenes {
		total += s.DurationSec
	}
	return total
}
