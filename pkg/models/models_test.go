package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusRank(t *testing.T) {
	order := []RenderStatus{
		StatusQueued, StatusRecording, StatusNormalizing, StatusConcatenating,
		StatusOverlaying, StatusCreatingThumbnail, StatusUploading, StatusDone,
	}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("Rank(%s)=%d not after Rank(%s)=%d",
				order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
	if StatusFailed.Rank() != -1 || StatusCancelled.Rank() != -1 {
		t.Error("terminal error states must have rank -1")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []RenderStatus{StatusDone, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusUploading.IsTerminal() {
		t.Error("uploading should not be terminal")
	}
}

func TestSceneValidate(t *testing.T) {
	tests := []struct {
		name    string
		scene   Scene
		wantErr bool
	}{
		{"valid manual", Scene{URL: "https://example.com", DurationSec: 10, EntryType: EntryManual}, false},
		{"valid csv without url", Scene{DurationSec: 5, EntryType: EntryCSV, CSVColumn: "website"}, false},
		{"missing url", Scene{DurationSec: 10, EntryType: EntryManual}, true},
		{"zero duration", Scene{URL: "https://example.com", DurationSec: 0, EntryType: EntryManual}, true},
		{"over max duration", Scene{URL: "https://example.com", DurationSec: 301, EntryType: EntryManual}, true},
		{"unknown entry type", Scene{URL: "https://example.com", DurationSec: 10, EntryType: "weird"}, true},
		{"csv without column", Scene{URL: "https://example.com", DurationSec: 10, EntryType: EntryCSV}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scene.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("Validate() error should be a ValidationError, got %T", err)
			}
		})
	}
}

func TestOutputSettingsDefaults(t *testing.T) {
	o, err := ParseOutputSettings(nil)
	if err != nil {
		t.Fatalf("ParseOutputSettings(nil) error = %v", err)
	}
	if o.Width != 1920 || o.Height != 1080 || o.FPS != 60 {
		t.Errorf("default dimensions = %dx%d@%d, want 1920x1080@60", o.Width, o.Height, o.FPS)
	}
	if o.Facecam.PiPWidth != 230 || o.Facecam.Margin != 24 {
		t.Errorf("default layout = %d/%d, want 230/24", o.Facecam.PiPWidth, o.Facecam.Margin)
	}
	if o.Facecam.Corner != CornerBottomRight {
		t.Errorf("default corner = %s, want bottom-right", o.Facecam.Corner)
	}
	if o.Facecam.EndPad != EndPadFreeze {
		t.Errorf("default end pad = %s, want freeze", o.Facecam.EndPad)
	}
}

func TestOutputSettingsPartialJSON(t *testing.T) {
	o, err := ParseOutputSettings([]byte(`{"width":1280,"height":720,"fps":30,"facecam":{"corner":"top-left"}}`))
	if err != nil {
		t.Fatalf("ParseOutputSettings() error = %v", err)
	}
	if o.Width != 1280 || o.Height != 720 || o.FPS != 30 {
		t.Errorf("dimensions = %dx%d@%d, want 1280x720@30", o.Width, o.Height, o.FPS)
	}
	if o.Facecam.Corner != CornerTopLeft {
		t.Errorf("corner = %s, want top-left", o.Facecam.Corner)
	}
	// Unspecified layout fields still fill in.
	if o.Facecam.PiPWidth != 230 {
		t.Errorf("pip width = %d, want default 230", o.Facecam.PiPWidth)
	}
}

func TestOutputSettingsBadJSON(t *testing.T) {
	if _, err := ParseOutputSettings([]byte(`{"width":"wide"}`)); err == nil {
		t.Error("expected error for malformed settings")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("socket closed")

	if !IsTransient(Transient(base)) {
		t.Error("Transient error not classified transient")
	}
	if IsTransient(Permanent(base)) {
		t.Error("Permanent error classified transient")
	}
	if !IsTransient(&SceneRecordError{SceneOrder: 1, Err: base}) {
		t.Error("SceneRecordError should be transient by default")
	}
	if IsTransient(&ValidationError{Msg: "bad"}) {
		t.Error("ValidationError classified transient")
	}

	// Wrapping preserves classification.
	wrapped := fmt.Errorf("stage failed: %w", Transient(base))
	if !IsTransient(wrapped) {
		t.Error("wrapped transient not classified transient")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient should unwrap to the underlying error")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(ErrCancelled) {
		t.Error("ErrCancelled not detected")
	}
	if !IsCancelled(fmt.Errorf("pipeline: %w", ErrCancelled)) {
		t.Error("wrapped ErrCancelled not detected")
	}
	if IsCancelled(errors.New("other")) {
		t.Error("unrelated error detected as cancelled")
	}
}

func TestRootMessageTruncation(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	msg := RootMessage(errors.New(string(long)), 500)
	if len(msg) != 500 {
		t.Errorf("truncated length = %d, want 500", len(msg))
	}
	if RootMessage(nil, 500) != "" {
		t.Error("nil error should yield empty message")
	}
}

func TestJobHelpers(t *testing.T) {
	job := Job{
		Scenes: []Scene{
			{DurationSec: 15},
			{DurationSec: 15},
		},
		FacecamURL: "https://cdn.example.com/cam.mp4",
	}
	if job.TotalDurationSec() != 30 {
		t.Errorf("TotalDurationSec() = %d, want 30", job.TotalDurationSec())
	}
	if !job.HasFacecam() {
		t.Error("HasFacecam() = false, want true")
	}
	if job.HasLeadRow() {
		t.Error("HasLeadRow() = true, want false")
	}
}
