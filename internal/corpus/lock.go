package corpus

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	kerrors "github.com/ketolab/ketorank/internal/errors"
)

// LockFileName is created in the data directory while an index run holds it.
const LockFileName = ".index.lock"

// FileLock serializes index runs across processes sharing a data directory.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock for dataDir. Nothing is acquired yet.
func NewFileLock(dataDir string) *FileLock {
	lockPath := filepath.Join(dataDir, LockFileName)
	return &FileLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock acquires the lock without blocking. A lock held elsewhere yields an
// ERR_208_INDEX_LOCKED error.
func (l *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return kerrors.New(kerrors.ErrCodeIndexLocked, "another index run holds the data directory", nil).
			WithDetail("lock", l.path).
			WithSuggestion("Wait for the running 'ketorank index' to finish")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// IsLocked reports whether this FileLock holds the lock.
func (l *FileLock) IsLocked() bool { return l.locked }
