package storage

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrWouldBlock is returned by TryLock when another process holds the lock.
var ErrWouldBlock = errors.New("lock is held by another process")

// FileLock is an exclusive advisory lock on a lock file.
type FileLock struct {
	file *os.File
}

// TryLock takes the lock at path without waiting, creating the file if needed.
func TryLock(path string) (*FileLock, error) {
	f, err := acquireFileLock(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{file: f}, nil
}

// Lock takes the lock at path, polling every interval while another process
// holds it, until ctx is done.
func Lock(ctx context.Context, path string, interval time.Duration) (*FileLock, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		l, err := TryLock(path)
		if !errors.Is(err, ErrWouldBlock) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock and removes the lock file. It is safe to call on
// a nil or already released lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return releaseFileLock(f)
}
