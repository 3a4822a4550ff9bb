// Package lock implements filesystem-visible mutual exclusion between
// store updaters and readers.
//
// Two lock kinds exist: the exclusive update-lock (one well-known file
// name) and access-locks (one uniquely-named file per reader session).
// This is deliberately crude mutual exclusion: conflicts fail
// immediately, nothing blocks, and lock files older than a staleness
// age are reclaimed as presumed abandoned. Callers depend on the
// fail-fast behavior; do not upgrade it to a waiting lock.
package lock

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/logging"
)

// accessLockPattern names per-session access-lock files. The "*" is
// replaced with a unique suffix by os.CreateTemp.
const accessLockPattern = "access-*.lock"

// Manager coordinates lock files in one store directory.
type Manager struct {
	cfg *config.Config
}

// NewManager creates a lock manager for the given configuration.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// List returns the names of all lock files currently present.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.StoreDir())
	if err != nil {
		return nil, errors.NewIO("list store directory", err)
	}

	var locks []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".lock") {
			locks = append(locks, entry.Name())
		}
	}
	return locks, nil
}

// ReclaimStale deletes lock files older than the configured staleness
// age. This is a heuristic for abandoned locks, not leader election.
func (m *Manager) ReclaimStale() error {
	log := logging.Component("lock")

	locks, err := m.List()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-m.cfg.Lock.StaleAge)
	for _, name := range locks {
		path := filepath.Join(m.cfg.StoreDir(), name)
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			log.Warn("reclaiming stale lock", "lock", name, "age", time.Since(info.ModTime()))
			os.Remove(path)
		}
	}
	return nil
}

// AcquireUpdate takes the exclusive update-lock. It fails with a
// conflict error if any lock file (update or access) already exists.
// The returned release function removes the lock and is safe on every
// exit path.
func (m *Manager) AcquireUpdate() (release func(), err error) {
	if err := m.ReclaimStale(); err != nil {
		return nil, err
	}

	locks, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(locks) > 0 {
		return nil, errors.NewConflict(m.cfg.StoreDir(), locks[0])
	}

	path := m.cfg.UpdateLockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.NewConflict(m.cfg.StoreDir(), config.UpdateLockName)
		}
		return nil, errors.NewIO("create update lock", err)
	}
	f.Close()

	logging.Component("lock").Debug("update lock acquired", "path", path)
	return func() { os.Remove(path) }, nil
}

// AcquireAccess takes a uniquely-named access-lock for one reader
// session. It fails with a conflict error if an update-lock exists;
// concurrent readers never block each other.
func (m *Manager) AcquireAccess() (release func(), err error) {
	if err := m.ReclaimStale(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(m.cfg.UpdateLockPath()); err == nil {
		return nil, errors.NewConflict(m.cfg.StoreDir(), config.UpdateLockName)
	}

	f, err := os.CreateTemp(m.cfg.StoreDir(), accessLockPattern)
	if err != nil {
		return nil, errors.NewIO("create access lock", err)
	}
	path := f.Name()
	f.Close()

	logging.Component("lock").Debug("access lock acquired", "path", path)
	return func() { os.Remove(path) }, nil
}
