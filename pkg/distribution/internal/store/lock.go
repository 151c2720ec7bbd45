package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/model-store/pkg/distribution/types"
)

// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 50 * time.Millisecond

// fileLock is an OS advisory lock on an open file. The kernel drops it when
// the holding process exits, so a crashed pull never leaves a stale lock.
// Locks taken through separate opens conflict within one process as well.
type fileLock struct {
	f *os.File
}

// acquireLock locks path, polling until the lock is free. A timeout of zero
// waits until ctx is done. waited reports whether the lock was contended.
func acquireLock(ctx context.Context, path string, exclusive bool, timeout time.Duration) (l *fileLock, waited bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, false, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("opening lock file: %w", err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := tryLock(f, exclusive)
		if err != nil {
			f.Close()
			return nil, waited, fmt.Errorf("locking %s: %w", path, err)
		}
		if ok {
			return &fileLock{f: f}, waited, nil
		}
		waited = true
		select {
		case <-ctx.Done():
			f.Close()
			return nil, waited, ctx.Err()
		case <-deadline:
			f.Close()
			return nil, waited, &types.LockTimeoutError{Name: path, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. The lock file itself is kept.
func (l *fileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// tryAcquireLock takes an exclusive lock on path without waiting.
func tryAcquireLock(path string) (*fileLock, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("opening lock file: %w", err)
	}
	ok, err := tryLock(f, true)
	if err != nil || !ok {
		f.Close()
		return nil, false, err
	}
	return &fileLock{f: f}, true, nil
}
