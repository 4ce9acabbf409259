package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/pkg/models"
)

const assetDownloadTimeout = 2 * time.Minute

// Prepared holds the job's resolved inputs: scenes with final URLs and
// downloaded overlay assets.
type Prepared struct {
	Scenes      []models.Scene
	FacecamPath string
}

// Prepare downloads the job's input assets into workDir, substitutes
// CSV-sourced scene URLs for the job's lead row, and checks every
// precondition that should fail the job before a browser is leased.
func (p *Pipeline) Prepare(ctx context.Context, job *models.Job, workDir string) (Prepared, error) {
	prep := Prepared{Scenes: make([]models.Scene, len(job.Scenes))}
	copy(prep.Scenes, job.Scenes)

	if job.HasLeadRow() {
		csvPath := filepath.Join(workDir, "leads.csv")
		if err := p.download(ctx, job.LeadCSVURL, csvPath); err != nil {
			return Prepared{}, fmt.Errorf("download lead csv: %w", err)
		}
		if err := substituteLeadURLs(prep.Scenes, csvPath, job.LeadRowIndex); err != nil {
			return Prepared{}, err
		}
	}

	if err := validateScenes(prep.Scenes); err != nil {
		return Prepared{}, err
	}

	if job.HasFacecam() {
		prep.FacecamPath = filepath.Join(workDir, "facecam.mp4")
		if err := p.download(ctx, job.FacecamURL, prep.FacecamPath); err != nil {
			return Prepared{}, fmt.Errorf("download facecam: %w", err)
		}
		if err := p.checkFacecamDuration(ctx, prep.FacecamPath, prep.Scenes); err != nil {
			return Prepared{}, err
		}
	}

	return prep, nil
}

// substituteLeadURLs resolves csv-entry scenes against one lead row.
// Bad references are validation failures: the job can never succeed.
func substituteLeadURLs(scenes []models.Scene, csvPath string, rowIndex int) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("open lead csv: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return &models.ValidationError{Msg: fmt.Sprintf("malformed lead csv: %v", err)}
	}
	if len(records) < 2 {
		return &models.ValidationError{Msg: "lead csv has no data rows"}
	}

	header := records[0]
	rows := records[1:]
	if rowIndex < 0 || rowIndex >= len(rows) {
		return &models.ValidationError{
			Msg: fmt.Sprintf("lead row %d out of range: csv has %d rows", rowIndex, len(rows)),
		}
	}
	row := rows[rowIndex]

	for i := range scenes {
		if scenes[i].EntryType != models.EntryCSV {
			continue
		}
		col := columnIndex(header, scenes[i].CSVColumn)
		if col < 0 {
			return &models.ValidationError{
				Msg: fmt.Sprintf("scene %d: csv column %q not found", scenes[i].Order, scenes[i].CSVColumn),
			}
		}
		if col >= len(row) || row[col] == "" {
			return &models.ValidationError{
				Msg: fmt.Sprintf("scene %d: csv column %q empty for lead row %d", scenes[i].Order, scenes[i].CSVColumn, rowIndex),
			}
		}
		scenes[i].URL = row[col]
	}
	return nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

// validateScenes enforces the per-job scene preconditions.
func validateScenes(scenes []models.Scene) error {
	if len(scenes) == 0 {
		return &models.ValidationError{Msg: "job has no scenes"}
	}
	total := 0
	for i := range scenes {
		if err := scenes[i].Validate(); err != nil {
			return err
		}
		if scenes[i].URL == "" {
			return &models.ValidationError{Msg: fmt.Sprintf("scene %d: no url after csv substitution", scenes[i].Order)}
		}
		total += scenes[i].DurationSec
	}
	if total > models.MaxJobDurationSec {
		return &models.ValidationError{
			Msg: fmt.Sprintf("scenes total %ds exceeds %ds limit", total, models.MaxJobDurationSec),
		}
	}
	return nil
}

// checkFacecamDuration requires the facecam to cover the scene timeline
// exactly, to whole seconds.
func (p *Pipeline) checkFacecamDuration(ctx context.Context, facecamPath string, scenes []models.Scene) error {
	res, err := p.media.Probe(ctx, facecamPath)
	if err != nil {
		return fmt.Errorf("probe facecam: %w", err)
	}
	total := 0
	for _, s := range scenes {
		total += s.DurationSec
	}
	if int(res.DurationSec) != total {
		return &models.ValidationError{
			Msg: fmt.Sprintf("Duration mismatch: facecam is %ds but scenes total %ds", int(res.DurationSec), total),
		}
	}
	return nil
}

// download fetches one asset to disk. Server errors are transient; client
// errors mean the asset reference itself is bad.
func (p *Pipeline) download(ctx context.Context, url, dest string) error {
	start := time.Now()
	defer func() {
		metrics.AssetDownloadDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, assetDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Permanent(fmt.Errorf("build asset request: %w", err))
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.Transientf("fetch %s: %v", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return models.Transientf("fetch %s: upstream returned %d", url, resp.StatusCode)
	default:
		return models.Permanent(fmt.Errorf("fetch %s: upstream returned %d", url, resp.StatusCode))
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return models.Transientf("stream %s: %v", url, err)
	}
	return nil
}
