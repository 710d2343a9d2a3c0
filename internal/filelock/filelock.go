package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond
)

// ErrTimeout is returned when the lock is still held by someone else after the timeout
var ErrTimeout = errors.New("timed out waiting for file lock")

// Acquire takes an exclusive advisory lock on path, creating the file if needed.
// It polls every retry until timeout elapses or ctx is done. The returned
// function releases the lock.
func Acquire(ctx context.Context, path string, timeout, retry time.Duration) (unlock func() error, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retry <= 0 {
		retry = DefaultRetryInterval
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}

	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}
