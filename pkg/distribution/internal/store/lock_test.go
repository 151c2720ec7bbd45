package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/model-store/pkg/distribution/types"
)

func TestFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs", "main.lock")
	ctx := context.Background()

	held, waited, err := acquireLock(ctx, path, true, time.Second)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if waited {
		t.Fatalf("uncontended lock reported a wait")
	}

	t.Run("times out", func(t *testing.T) {
		_, waited, err := acquireLock(ctx, path, true, 120*time.Millisecond)
		if !errors.Is(err, types.ErrLockTimeout) {
			t.Fatalf("expected lock timeout, got %v", err)
		}
		var lte *types.LockTimeoutError
		if !errors.As(err, &lte) || lte.Name != path {
			t.Fatalf("unexpected error %v", err)
		}
		if !waited {
			t.Fatalf("expected contended lock to report a wait")
		}
	})

	t.Run("shared conflicts with exclusive", func(t *testing.T) {
		if _, _, err := acquireLock(ctx, path, false, 60*time.Millisecond); !errors.Is(err, types.ErrLockTimeout) {
			t.Fatalf("expected lock timeout, got %v", err)
		}
	})

	t.Run("context cancels wait", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
		defer cancel()
		if _, _, err := acquireLock(cctx, path, true, 0); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context error, got %v", err)
		}
	})

	t.Run("waiter proceeds after release", func(t *testing.T) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			held.Unlock()
		}()
		l, waited, err := acquireLock(ctx, path, true, 5*time.Second)
		if err != nil {
			t.Fatalf("acquireLock: %v", err)
		}
		defer l.Unlock()
		if !waited {
			t.Fatalf("expected waiter to report a wait")
		}
	})
}

func TestSharedLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gc.lock")
	ctx := context.Background()
	a, _, err := acquireLock(ctx, path, false, time.Second)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	b, _, err := acquireLock(ctx, path, false, time.Second)
	if err != nil {
		t.Fatalf("second shared lock: %v", err)
	}
	if _, ok, err := tryAcquireLock(path); err != nil || ok {
		t.Fatalf("expected exclusive lock to fail while shared locks are held: %v %v", ok, err)
	}
	a.Unlock()
	b.Unlock()
	l, ok, err := tryAcquireLock(path)
	if err != nil || !ok {
		t.Fatalf("expected exclusive lock after release: %v %v", ok, err)
	}
	l.Unlock()
}
