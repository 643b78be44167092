// Package fslock serializes writers of the append-only JSONL logs and the
// artifact directories with exclusive advisory file locks. The lock is taken
// on the target file itself, so cooperating processes contend on one inode
// exactly like flock(2) over an opened log file.
package fslock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 25 * time.Millisecond

// WithLock runs fn while holding an exclusive advisory lock on path. The
// parent directory is created if missing. Acquisition honors ctx; the lock is
// released on every exit path including fn failure.
func WithLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", path)
	}
	defer fl.Unlock() //nolint:errcheck // release is best-effort, fd close drops it regardless

	return fn()
}

// AppendLine appends one line (a newline is added) to path under the
// exclusive lock.
func AppendLine(ctx context.Context, path string, line []byte) error {
	return WithLock(ctx, path, func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := f.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("append %s: %w", path, err)
		}
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return fmt.Errorf("append %s: %w", path, err)
		}
		return f.Close()
	})
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
