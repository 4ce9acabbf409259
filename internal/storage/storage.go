// Package storage uploads final render artifacts to the CDN-backed
// object store over its HTTP PUT API and computes their public URLs.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/pkg/models"
)

const (
	// DefaultUploadTimeout bounds a single artifact upload.
	DefaultUploadTimeout = 10 * time.Minute

	videoPathTemplate = "renders/videos/%s.mp4"
	thumbPathTemplate = "renders/thumbs/%s.jpg"

	accessKeyHeader = "AccessKey"
)

var tracer = otel.Tracer("render-storage")

// Client uploads artifacts to one storage zone.
type Client struct {
	endpoint      string
	zone          string
	accessKey     string
	cdnBaseURL    string
	pullZoneID    string
	pullZoneKey   string
	uploadTimeout time.Duration
	httpClient    *http.Client
	log           *slog.Logger
}

// Options configures a storage client.
type Options struct {
	Endpoint       string
	Zone           string
	AccessKey      string
	CDNBaseURL     string
	PullZoneID     string
	PullZoneAPIKey string
	UploadTimeout  time.Duration
}

// NewClient creates a storage client. The upload timeout defaults when
// unset.
func NewClient(opts Options, log *slog.Logger) *Client {
	timeout := opts.UploadTimeout
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &Client{
		endpoint:      strings.TrimRight(opts.Endpoint, "/"),
		zone:          opts.Zone,
		accessKey:     opts.AccessKey,
		cdnBaseURL:    strings.TrimRight(opts.CDNBaseURL, "/"),
		pullZoneID:    opts.PullZoneID,
		pullZoneKey:   opts.PullZoneAPIKey,
		uploadTimeout: timeout,
		httpClient:    &http.Client{},
		log:           log,
	}
}

// UploadVideo streams the final video to the store and returns its public
// CDN URL.
func (c *Client) UploadVideo(ctx context.Context, publicID, path string) (string, error) {
	remote := fmt.Sprintf(videoPathTemplate, publicID)
	if err := c.putFile(ctx, remote, path, "video/mp4"); err != nil {
		return "", err
	}
	return c.publicURL(remote), nil
}

// UploadThumbnail streams the thumbnail to the store and returns its
// public CDN URL.
func (c *Client) UploadThumbnail(ctx context.Context, publicID, path string) (string, error) {
	remote := fmt.Sprintf(thumbPathTemplate, publicID)
	if err := c.putFile(ctx, remote, path, "image/jpeg"); err != nil {
		return "", err
	}
	return c.publicURL(remote), nil
}

// putFile PUTs one file to {endpoint}/{zone}/{remote}. The body streams
// from disk; nothing is buffered in memory.
func (c *Client) putFile(ctx context.Context, remote, path, contentType string) error {
	ctx, span := tracer.Start(ctx, "storage-upload")
	defer span.End()
	span.SetAttributes(attribute.String("storage.key", remote))

	start := time.Now()
	defer func() {
		metrics.UploadDuration.Observe(time.Since(start).Seconds())
	}()

	file, err := os.Open(path)
	if err != nil {
		return models.Permanent(fmt.Errorf("open artifact %s: %w", path, err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return models.Permanent(fmt.Errorf("stat artifact %s: %w", path, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	uploadURL := fmt.Sprintf("%s/%s/%s", c.endpoint, c.zone, remote)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, file)
	if err != nil {
		return models.Permanent(fmt.Errorf("build upload request: %w", err))
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(accessKeyHeader, c.accessKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Transientf("upload %s timed out: %v", remote, err)
		}
		return models.Transientf("upload %s: %v", remote, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.log.InfoContext(ctx, "Artifact uploaded",
			"key", remote, "bytes", info.Size(), "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 500:
		return models.Transientf("upload %s: storage returned %d", remote, resp.StatusCode)
	default:
		return models.Permanent(fmt.Errorf("upload %s: storage returned %d", remote, resp.StatusCode))
	}
}

// publicURL maps a storage path to its CDN URL.
func (c *Client) publicURL(remote string) string {
	return c.cdnBaseURL + "/" + remote
}

// Purge invalidates cached copies of the given public URL at the CDN
// edge. A client without pull-zone credentials is a no-op; purge
// failures are logged, never fatal, since the object itself is fresh.
func (c *Client) Purge(ctx context.Context, publicURL string) {
	if c.pullZoneID == "" || c.pullZoneKey == "" {
		return
	}

	purgeURL := fmt.Sprintf("%s/pullzone/%s/purgeCache?url=%s",
		c.endpoint, c.pullZoneID, url.QueryEscape(publicURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, purgeURL, nil)
	if err != nil {
		c.log.Warn("Failed to build purge request", "url", publicURL, "error", err)
		return
	}
	req.Header.Set(accessKeyHeader, c.pullZoneKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("CDN purge failed", "url", publicURL, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.log.Warn("CDN purge rejected", "url", publicURL, "status", resp.StatusCode)
	}
}
