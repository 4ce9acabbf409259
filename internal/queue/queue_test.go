package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/reelforge/render-worker/pkg/models"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, slog.New(slog.NewTextHandler(os.Stderr, nil))), mock
}

func claimColumns() []string {
	return []string{
		"id", "render_id", "campaign_id", "campaign_name", "scenes",
		"facecam_url", "lead_csv_url", "lead_row_index",
		"cache_namespace", "cache_key_salt", "output_settings",
	}
}

const scenesJSON = `[
	{"id": "s1", "url": "https://demo.example.com", "durationSec": 10, "order": 0, "entryType": "manual"},
	{"id": "s2", "url": "", "durationSec": 5, "order": 1, "entryType": "csv", "csvColumn": "website"}
]`

func TestClaim(t *testing.T) {
	q, mock := newTestQueue(t)

	rows := sqlmock.NewRows(claimColumns()).AddRow(
		"job-1", "render-1", "campaign-1", "Spring Outreach", []byte(scenesJSON),
		"https://cdn.example.com/facecam.mp4", "https://cdn.example.com/leads.csv", int64(3),
		"campaign-1", "v2", []byte(`{"width": 1280, "height": 720}`),
	)
	mock.ExpectQuery(`SELECT \* FROM claim_render_job_with_limit`).
		WithArgs(3).
		WillReturnRows(rows)

	job, err := q.Claim(context.Background(), 3)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if job.ID != "job-1" || job.RenderID != "render-1" {
		t.Errorf("job ids = %s/%s", job.ID, job.RenderID)
	}
	if len(job.Scenes) != 2 {
		t.Fatalf("scenes = %d, want 2", len(job.Scenes))
	}
	if job.Scenes[1].EntryType != models.EntryCSV || job.Scenes[1].CSVColumn != "website" {
		t.Errorf("csv scene not decoded: %+v", job.Scenes[1])
	}
	if !job.HasFacecam() || !job.HasLeadRow() || job.LeadRowIndex != 3 {
		t.Errorf("optional fields not decoded: %+v", job)
	}
	// Partial settings keep explicit values and default the rest.
	if job.Output.Width != 1280 || job.Output.FPS != models.DefaultFPS {
		t.Errorf("output settings = %+v", job.Output)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectQuery(`claim_render_job_with_limit`).
		WithArgs(3).
		WillReturnError(sql.ErrNoRows)

	_, err := q.Claim(context.Background(), 3)
	if !errors.Is(err, models.ErrNoJob) {
		t.Errorf("Claim() error = %v, want ErrNoJob", err)
	}
}

func TestClaimDatabaseErrorIsTransient(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectQuery(`claim_render_job_with_limit`).
		WithArgs(3).
		WillReturnError(errors.New("connection reset"))

	_, err := q.Claim(context.Background(), 3)
	if err == nil || !models.IsTransient(err) {
		t.Errorf("Claim() error = %v, want transient", err)
	}
}

func TestClaimSchemaDriftIsPermanent(t *testing.T) {
	q, mock := newTestQueue(t)
	// The claim function returns a row with the wrong column shape.
	mock.ExpectQuery(`claim_render_job_with_limit`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "render_id"}).AddRow("job-1", "render-1"))

	_, err := q.Claim(context.Background(), 3)
	if err == nil {
		t.Fatal("Claim() succeeded on a mis-shaped row")
	}
	var perm *models.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("Claim() error = %v, want permanent", err)
	}
	if models.IsTransient(err) {
		t.Error("schema drift must not be retried as transient")
	}
}

func TestClaimUnparseableJobIsFailedInPlace(t *testing.T) {
	q, mock := newTestQueue(t)

	rows := sqlmock.NewRows(claimColumns()).AddRow(
		"job-1", "render-1", "campaign-1", "Spring Outreach", []byte(`{not json`),
		nil, nil, nil, nil, nil, []byte(`{}`),
	)
	mock.ExpectQuery(`claim_render_job_with_limit`).WithArgs(3).WillReturnRows(rows)

	// The bad job must be failed so it cannot wedge the queue.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE renders`).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE render_jobs`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := q.Claim(context.Background(), 3)
	if !errors.Is(err, models.ErrJobParseFailed) {
		t.Fatalf("Claim() error = %v, want ErrJobParseFailed", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReportProgress(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec(`UPDATE renders`).
		WithArgs("job-1", "recording", 25).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.ReportProgress(context.Background(), "job-1", models.StatusRecording, 25); err != nil {
		t.Fatalf("ReportProgress() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestComplete(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE renders`).
		WithArgs("job-1", "https://cdn.example.com/v.mp4", "https://cdn.example.com/t.jpg").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE render_jobs`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.Complete(context.Background(), "job-1",
		"https://cdn.example.com/v.mp4", "https://cdn.example.com/t.jpg")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFailTruncatesMessage(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE renders`).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE render_jobs`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	long := errors.New(strings.Repeat("x", 900))
	if err := q.Fail(context.Background(), "job-1", long); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	// The persisted message itself is verified through RootMessage.
	got := models.RootMessage(long, FailureMessageMax)
	if len(got) > FailureMessageMax {
		t.Errorf("failure message length = %d, want <= %d", len(got), FailureMessageMax)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIsCancelled(t *testing.T) {
	tests := []struct {
		name      string
		cancelled bool
	}{
		{"not cancelled", false},
		{"cancelled", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, mock := newTestQueue(t)
			mock.ExpectQuery(`cancelled_at IS NOT NULL`).
				WithArgs("job-1").
				WillReturnRows(sqlmock.NewRows([]string{"cancelled"}).AddRow(tt.cancelled))

			got, err := q.IsCancelled(context.Background(), "job-1")
			if err != nil {
				t.Fatalf("IsCancelled() error = %v", err)
			}
			if got != tt.cancelled {
				t.Errorf("IsCancelled() = %v, want %v", got, tt.cancelled)
			}
		})
	}
}

func TestIsCancelledMissingRow(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectQuery(`cancelled_at IS NOT NULL`).
		WithArgs("job-1").
		WillReturnError(sql.ErrNoRows)

	got, err := q.IsCancelled(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("IsCancelled() error = %v", err)
	}
	if !got {
		t.Error("a vanished render row should read as cancelled")
	}
}

func TestFetchConcurrencyCap(t *testing.T) {
	tests := []struct {
		name string
		rows func() *sqlmock.Rows
		err  error
		want int
	}{
		{
			"configured limit",
			func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"limit": 5}`))
			},
			nil, 5,
		},
		{
			"missing setting",
			nil, sql.ErrNoRows, DefaultConcurrencyCap,
		},
		{
			"malformed value",
			func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"value"}).AddRow([]byte(`"oops"`))
			},
			nil, DefaultConcurrencyCap,
		},
		{
			"zero limit rejected",
			func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"limit": 0}`))
			},
			nil, DefaultConcurrencyCap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, mock := newTestQueue(t)
			exp := mock.ExpectQuery(`system_settings`)
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnRows(tt.rows())
			}

			if got := q.FetchConcurrencyCap(context.Background()); got != tt.want {
				t.Errorf("FetchConcurrencyCap() = %d, want %d", got, tt.want)
			}
		})
	}
}
