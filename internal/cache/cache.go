// Package cache stores raw scene captures keyed by a content fingerprint,
// so re-renders of the same campaign skip browser sessions entirely.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/reelforge/render-worker/internal/media"
	"github.com/reelforge/render-worker/internal/metrics"
	"github.com/reelforge/render-worker/pkg/models"
)

// Minimum believable duration for a cached capture, as a fraction of the
// scene's requested duration.
const integrityDurationFraction = 0.20

// Prober verifies cached files before they are reused.
type Prober interface {
	Probe(ctx context.Context, path string) (media.ProbeResult, error)
}

// Entry is a cache hit: the capture file plus its recorded trim hint.
type Entry struct {
	Path       string
	TrimHintMs int
}

// sidecar is the metadata written next to each cached capture.
type sidecar struct {
	TrimHintMs  int    `json:"trimHintMs"`
	SourceURL   string `json:"sourceUrl"`
	DurationSec int    `json:"durationSec"`
}

// Store is a directory-backed capture cache.
type Store struct {
	dir    string
	prober Prober
	log    *slog.Logger
}

// NewStore creates a capture cache rooted at dir, creating it if needed.
func NewStore(dir string, prober Prober, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir, prober: prober, log: log}, nil
}

// Fingerprint derives the 128-bit cache key for a scene. Two scenes share
// a key only when namespace, final URL, entry type and salt all match.
func Fingerprint(namespace string, scene models.Scene, salt string) string {
	payload := strings.Join([]string{
		namespace,
		scene.URL,
		string(scene.EntryType),
		salt,
	}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(payload)).String()
}

func (s *Store) capturePath(key string) string {
	return filepath.Join(s.dir, key+".webm")
}

func (s *Store) sidecarPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get looks up a cached capture and verifies it still decodes. A capture
// that fails the integrity probe is evicted and reported as a miss; the
// caller re-records.
func (s *Store) Get(ctx context.Context, key string, sceneDurationSec int) (Entry, bool) {
	path := s.capturePath(key)
	if _, err := os.Stat(path); err != nil {
		metrics.RecordCacheMiss()
		return Entry{}, false
	}

	res, err := s.prober.Probe(ctx, path)
	if err != nil || !s.intact(res, sceneDurationSec) {
		s.log.Warn("Evicting corrupt cached capture", "key", key, "error", err)
		s.evict(key)
		metrics.RecordCacheMiss()
		return Entry{}, false
	}

	entry := Entry{Path: path, TrimHintMs: media.FallbackTrimHintMs}
	if meta, err := s.readSidecar(key); err == nil {
		entry.TrimHintMs = meta.TrimHintMs
	}
	metrics.RecordCacheHit()
	return entry, true
}

// intact checks that a cached file still looks like a usable capture:
// at least one stream and a duration of at least min(2s, 20% of the
// scene duration).
func (s *Store) intact(res media.ProbeResult, sceneDurationSec int) bool {
	if res.StreamCount < 1 || !res.HasVideo {
		return false
	}
	minDur := 2.0
	if frac := float64(sceneDurationSec) * integrityDurationFraction; frac < minDur {
		minDur = frac
	}
	return res.DurationSec >= minDur
}

// Put moves a freshly recorded capture into the cache under key. The file
// lands via a temp name and an atomic rename so concurrent readers never
// see a partial capture. The source file is consumed.
func (s *Store) Put(key, srcPath string, trimHintMs int, scene models.Scene) (string, error) {
	tmp := s.capturePath(key) + ".tmp"
	if err := moveFile(srcPath, tmp); err != nil {
		return "", fmt.Errorf("stage capture into cache: %w", err)
	}
	final := s.capturePath(key)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit capture into cache: %w", err)
	}

	meta := sidecar{TrimHintMs: trimHintMs, SourceURL: scene.URL, DurationSec: scene.DurationSec}
	raw, err := json.Marshal(meta)
	if err == nil {
		err = os.WriteFile(s.sidecarPath(key), raw, 0o644)
	}
	if err != nil {
		// The capture itself is good; a lost trim hint just means the
		// fallback hint on the next hit.
		s.log.Warn("Failed to write cache sidecar", "key", key, "error", err)
	}
	return final, nil
}

func (s *Store) readSidecar(key string) (sidecar, error) {
	raw, err := os.ReadFile(s.sidecarPath(key))
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, err
	}
	return meta, nil
}

func (s *Store) evict(key string) {
	os.Remove(s.capturePath(key))
	os.Remove(s.sidecarPath(key))
}

// Dir returns the cache root, used by the disk reaper.
func (s *Store) Dir() string {
	return s.dir
}

// moveFile renames when possible and falls back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
