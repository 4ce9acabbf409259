package storage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/reelforge/render-worker/pkg/models"
)

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestClient(serverURL string) *Client {
	return NewClient(Options{
		Endpoint:   serverURL,
		Zone:       "reelforge-renders",
		AccessKey:  "test-key",
		CDNBaseURL: "https://cdn.example.com",
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestUploadVideo(t *testing.T) {
	var gotPath, gotKey, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotKey = r.Header.Get("AccessKey")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	path := writeArtifact(t, "final.mp4", "video-bytes")

	url, err := c.UploadVideo(context.Background(), "render-abc", path)
	if err != nil {
		t.Fatalf("UploadVideo() error = %v", err)
	}
	if url != "https://cdn.example.com/renders/videos/render-abc.mp4" {
		t.Errorf("public url = %s", url)
	}
	if gotPath != "/reelforge-renders/renders/videos/render-abc.mp4" {
		t.Errorf("upload path = %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("access key header = %s", gotKey)
	}
	if gotType != "video/mp4" {
		t.Errorf("content type = %s", gotType)
	}
	if string(gotBody) != "video-bytes" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestUploadThumbnail(t *testing.T) {
	var gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	path := writeArtifact(t, "thumb.jpg", "jpeg-bytes")

	url, err := c.UploadThumbnail(context.Background(), "render-abc", path)
	if err != nil {
		t.Fatalf("UploadThumbnail() error = %v", err)
	}
	if url != "https://cdn.example.com/renders/thumbs/render-abc.jpg" {
		t.Errorf("public url = %s", url)
	}
	if gotPath != "/reelforge-renders/renders/thumbs/render-abc.jpg" {
		t.Errorf("upload path = %s", gotPath)
	}
	if gotType != "image/jpeg" {
		t.Errorf("content type = %s", gotType)
	}
}

func TestUploadErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"server error retries", http.StatusBadGateway, true},
		{"auth error is permanent", http.StatusUnauthorized, false},
		{"conflict is permanent", http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(srv.URL)
			path := writeArtifact(t, "final.mp4", "x")

			_, err := c.UploadVideo(context.Background(), "render-abc", path)
			if err == nil {
				t.Fatal("UploadVideo() succeeded on error status")
			}
			if models.IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, models.IsTransient(err), tt.wantTransient)
			}
		})
	}
}

func TestUploadMissingFileIsPermanent(t *testing.T) {
	c := newTestClient("http://127.0.0.1:0")
	_, err := c.UploadVideo(context.Background(), "render-abc", "/no/such/file.mp4")
	if err == nil || models.IsTransient(err) {
		t.Errorf("missing artifact should be permanent, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	t.Run("sends authorized purge", func(t *testing.T) {
		var gotPath, gotQuery, gotKey string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.Query().Get("url")
			gotKey = r.Header.Get("AccessKey")
		}))
		defer srv.Close()

		c := NewClient(Options{
			Endpoint:       srv.URL,
			Zone:           "z",
			CDNBaseURL:     "https://cdn.example.com",
			PullZoneID:     "12345",
			PullZoneAPIKey: "purge-key",
		}, slog.New(slog.NewTextHandler(os.Stderr, nil)))

		c.Purge(context.Background(), "https://cdn.example.com/renders/videos/render-abc.mp4")

		if gotPath != "/pullzone/12345/purgeCache" {
			t.Errorf("purge path = %s", gotPath)
		}
		if gotQuery != "https://cdn.example.com/renders/videos/render-abc.mp4" {
			t.Errorf("purge url param = %s", gotQuery)
		}
		if gotKey != "purge-key" {
			t.Errorf("purge access key = %s", gotKey)
		}
	})

	t.Run("no-op without credentials", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			called = true
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		c.Purge(context.Background(), "https://cdn.example.com/x.mp4")
		if called {
			t.Error("purge fired without pull-zone credentials")
		}
	})
}
