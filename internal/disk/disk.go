// Package disk owns the working-directory lifecycle: per-job scratch
// space, deferred cleanup after failures, and a daily reaper that sweeps
// leftovers and expired cache entries. Deletion failures are logged and
// never surface to job outcomes.
package disk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// tombstoneName marks a job directory for deferred deletion; the file
// holds the unix timestamp after which the reaper may remove it.
const tombstoneName = ".cleanup-at"

// Manager creates and retires per-job working directories under a single
// root, with a cache directory swept on a TTL.
type Manager struct {
	root      string
	cacheDir  string
	cacheTTL  time.Duration
	maxAge    time.Duration
	cleanupOn bool
	log       *slog.Logger
	cron      *cron.Cron
	timeNow   func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	// Jobs finish concurrently, so the timer list is shared state.
	timerMu       sync.Mutex
	pendingTimers []*time.Timer
}

// Options configures a Manager.
type Options struct {
	Root           string
	CacheDir       string
	CacheTTL       time.Duration
	MaxAge         time.Duration
	CleanupEnabled bool
}

// NewManager creates the work root and returns a manager. The reaper is
// not started until StartReaper.
func NewManager(opts Options, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Manager{
		root:      opts.Root,
		cacheDir:  opts.CacheDir,
		cacheTTL:  opts.CacheTTL,
		maxAge:    opts.MaxAge,
		cleanupOn: opts.CleanupEnabled,
		log:       log,
		timeNow:   time.Now,
		afterFunc: time.AfterFunc,
	}, nil
}

// JobDir creates and returns the scratch directory for one job,
// namespaced by campaign so a campaign's failures group together.
func (m *Manager) JobDir(campaignID, jobID string) (string, error) {
	dir := filepath.Join(m.root, sanitize(campaignID), sanitize(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	// A retried job reuses the path; drop any tombstone from a prior run.
	os.Remove(filepath.Join(dir, tombstoneName))
	return dir, nil
}

// CleanupNow removes a job directory immediately. Errors are logged only.
func (m *Manager) CleanupNow(dir string) {
	if !m.within(dir) {
		m.log.Warn("Refusing to remove path outside work root", "path", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("Failed to remove job dir", "path", dir, "error", err)
	}
}

// ScheduleCleanup tombstones a job directory for deletion after the given
// retention and arms an in-process timer. The tombstone persists the
// deadline so the daily reaper finishes the work if the process restarts.
func (m *Manager) ScheduleCleanup(dir string, retention time.Duration) {
	if !m.cleanupOn {
		return
	}
	if !m.within(dir) {
		m.log.Warn("Refusing to tombstone path outside work root", "path", dir)
		return
	}

	deadline := m.timeNow().Add(retention)
	stamp := strconv.FormatInt(deadline.Unix(), 10)
	if err := os.WriteFile(filepath.Join(dir, tombstoneName), []byte(stamp), 0o644); err != nil {
		m.log.Warn("Failed to write cleanup tombstone", "path", dir, "error", err)
		return
	}

	t := m.afterFunc(retention, func() { m.reapTombstoned(dir) })
	m.timerMu.Lock()
	m.pendingTimers = append(m.pendingTimers, t)
	m.timerMu.Unlock()
}

// StartReaper arms the daily sweep. Call Stop to halt it.
func (m *Manager) StartReaper() {
	if !m.cleanupOn {
		return
	}
	m.cron = cron.New()
	m.cron.AddFunc("@daily", m.Sweep)
	m.cron.Start()
}

// Stop halts the reaper and any pending per-job timers.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	for _, t := range m.pendingTimers {
		t.Stop()
	}
}

// Sweep runs one reaper pass: expired tombstones, over-age job dirs, and
// cache entries past their TTL.
func (m *Manager) Sweep() {
	m.sweepJobs()
	m.sweepCache()
}

func (m *Manager) sweepJobs() {
	now := m.timeNow()
	campaigns, err := os.ReadDir(m.root)
	if err != nil {
		m.log.Warn("Reaper cannot read work root", "error", err)
		return
	}
	for _, c := range campaigns {
		if !c.IsDir() {
			continue
		}
		campaignDir := filepath.Join(m.root, c.Name())
		jobs, err := os.ReadDir(campaignDir)
		if err != nil {
			continue
		}
		empty := true
		for _, j := range jobs {
			if !j.IsDir() {
				empty = false
				continue
			}
			dir := filepath.Join(campaignDir, j.Name())
			if m.dueForRemoval(dir, now) {
				m.reapTombstoned(dir)
			} else {
				empty = false
			}
		}
		if empty {
			os.Remove(campaignDir)
		}
	}
}

// dueForRemoval reports whether a job dir's tombstone deadline has passed
// or the dir has outlived the absolute age limit.
func (m *Manager) dueForRemoval(dir string, now time.Time) bool {
	raw, err := os.ReadFile(filepath.Join(dir, tombstoneName))
	if err == nil {
		if unix, perr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); perr == nil {
			if now.Unix() >= unix {
				return true
			}
		}
	}
	if m.maxAge > 0 {
		if info, err := os.Stat(dir); err == nil && now.Sub(info.ModTime()) > m.maxAge {
			return true
		}
	}
	return false
}

func (m *Manager) reapTombstoned(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("Reaper failed to remove job dir", "path", dir, "error", err)
		return
	}
	m.log.Info("Reaped job dir", "path", dir)
}

func (m *Manager) sweepCache() {
	if m.cacheDir == "" || m.cacheTTL <= 0 {
		return
	}
	cutoff := m.timeNow().Add(-m.cacheTTL)
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		m.log.Warn("Reaper cannot read cache dir", "error", err)
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(m.cacheDir, e.Name())
			if err := os.Remove(path); err != nil {
				m.log.Warn("Reaper failed to evict cache entry", "path", path, "error", err)
			}
		}
	}
}

func (m *Manager) within(dir string) bool {
	rel, err := filepath.Rel(m.root, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// sanitize strips path separators from identifiers used as dir names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.':
			return '_'
		}
		return r
	}, id)
}
