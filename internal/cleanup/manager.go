// Package cleanup removes staged uploads and worker artifacts on every exit path.
package cleanup

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager hands out per-job scopes and sweeps stale scratch files.
type Manager struct {
	dir     string
	keep    bool
	logger  *slog.Logger
	remove  func(name string) error
	readDir func(name string) ([]os.DirEntry, error)
	now     func() time.Time
}

// NewManager builds a manager for the scratch directory. When keep is true
// files are left in place for debugging and only logged.
func NewManager(dir string, keep bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:     dir,
		keep:    keep,
		logger:  logger,
		remove:  os.Remove,
		readDir: os.ReadDir,
		now:     time.Now,
	}
}

// Scope tracks the files owned by one job until Release.
type Scope struct {
	m     *Manager
	jobID string

	mu       sync.Mutex
	paths    []string
	released bool
}

// Scope opens a cleanup scope for a job. Callers defer Release right away.
func (m *Manager) Scope(jobID string) *Scope {
	return &Scope{m: m, jobID: jobID}
}

// Track registers paths for removal. Paths that never get created are fine.
func (s *Scope) Track(paths ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		if p != "" {
			s.paths = append(s.paths, p)
		}
	}
}

// Paths returns a snapshot of tracked paths.
func (s *Scope) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Release removes every tracked path. Failures are logged and never returned;
// a second call is a no-op. It returns the number of files removed.
func (s *Scope) Release() int {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return 0
	}
	s.released = true
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	if s.m.keep {
		if len(paths) > 0 {
			s.m.logger.Warn("keeping job artifacts", "job", s.jobID, "paths", paths)
		}
		return 0
	}

	removed := 0
	for _, p := range paths {
		err := s.m.remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			s.m.logger.Warn("failed to remove job artifact", "job", s.jobID, "path", p, "err", err)
		}
	}
	if removed > 0 {
		s.m.logger.Debug("removed job artifacts", "job", s.jobID, "count", removed)
	}
	return removed
}

// SweepStale removes regular files in the scratch directory older than
// retention. It catches files orphaned by a crash mid-request.
func (m *Manager) SweepStale(retention time.Duration) (int, error) {
	if m.keep || retention <= 0 {
		return 0, nil
	}

	entries, err := m.readDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		m.logger.Error("scratch sweep failed", "dir", m.dir, "err", err)
		return 0, err
	}

	cutoff := m.now().Add(-retention)
	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(m.dir, entry.Name())
			if err := m.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.logger.Warn("failed to remove stale file", "path", path, "err", err)
			} else {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		m.logger.Info("swept stale scratch files", "count", cleaned)
	}
	return cleaned, nil
}

// NewManagerForTests constructs a manager with injectable dependencies.
func NewManagerForTests(
	dir string,
	keep bool,
	logger *slog.Logger,
	remove func(name string) error,
	now func() time.Time,
) *Manager {
	m := NewManager(dir, keep, logger)
	m.remove = remove
	m.now = now
	return m
}
