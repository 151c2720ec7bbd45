package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/docker/model-store/pkg/distribution/download"
	"github.com/docker/model-store/pkg/distribution/types"
)

func (s *LocalStore) gcLockPath() string {
	return filepath.Join(s.rootPath, gcLockFile)
}

func (s *LocalStore) partialDir() string {
	return filepath.Join(s.rootPath, stagingDir, "partial")
}

// Remove deletes the model with the given canonical name or ID. Removing a
// model that does not exist succeeds.
func (s *LocalStore) Remove(ctx context.Context, name string) error {
	m, err := s.Lookup(name)
	var id string
	switch {
	case err == nil:
		id = m.ID()
	case isNotFound(err):
		return nil
	default:
		// An unreadable reference is still removable by ID.
		id = name
	}
	storeName, refName, ok := splitID(id)
	if !ok {
		return err
	}
	_, err = s.modelStore(storeName).remove(ctx, refName)
	return err
}

func splitID(id string) (storeName, refName string, ok bool) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// reachableBlobs returns every blob referenced by a snapshot that some
// reference in the root points at. Any unreadable reference or snapshot
// makes reachability unknown and is returned as an error.
func (s *LocalStore) reachableBlobs() (map[digest.Digest]bool, error) {
	reachable := map[digest.Digest]bool{}
	var errs []error
	err := s.walkRefs(func(e refEntry) error {
		ref, _, err := LoadReference(e.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		} else if err != nil {
			errs = append(errs, err)
			return nil
		}
		snap, err := s.modelStore(e.storeName).loadSnapshot(ref.Snapshot)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		for _, f := range snap.Files {
			reachable[f.Digest] = true
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reachable, nil
}

// sweep prunes the unreferenced snapshots of the given model stores and
// then deletes blobs unreachable from any reference in the root. It holds
// the GC lock exclusively so no pull is between deduplication and publish.
func (s *LocalStore) sweep(ctx context.Context, stores ...*modelStore) (*GCReport, error) {
	lock, _, err := acquireLock(ctx, s.gcLockPath(), true, s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("sweeping blobs: %w", err)
	}
	defer lock.Unlock()

	report := &GCReport{}
	var errs []error
	for _, m := range stores {
		removed, err := m.pruneSnapshots()
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning snapshots of %s: %w", m.name, err))
		}
		report.Snapshots += len(removed)
	}

	reachable, err := s.reachableBlobs()
	if err != nil {
		errs = append(errs, fmt.Errorf("blob sweep aborted: %w", err))
		return report, errors.Join(errs...)
	}
	err = s.walkBlobs(func(d digest.Digest, path string, size int64) error {
		if reachable[d] {
			return nil
		}
		if err := s.removeBlob(d); err != nil {
			errs = append(errs, fmt.Errorf("removing blob %s: %w", d, err))
			return nil
		}
		s.log.WithField("digest", d).Debug("Removed unreachable blob")
		report.Blobs = append(report.Blobs, d)
		report.ReclaimedBytes += size
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// GCReport summarises what a collection removed.
type GCReport struct {
	Blobs          []digest.Digest
	Snapshots      int
	Partials       int
	ReclaimedBytes int64
}

// GC prunes unreferenced snapshots in every model store, sweeps unreachable
// blobs and discards abandoned partial downloads. Partials still locked by
// a running pull are kept.
func (s *LocalStore) GC(ctx context.Context) (*GCReport, error) {
	names, err := s.storeNames()
	if err != nil {
		return nil, err
	}
	list := make([]*modelStore, 0, len(names))
	for _, n := range names {
		list = append(list, s.modelStore(n))
	}

	report, err := s.sweep(ctx, list...)
	if report == nil {
		return nil, err
	}
	errs := []error{err}

	n, reclaimed, err := s.removeStalePartials(ctx)
	report.Partials += n
	report.ReclaimedBytes += reclaimed
	errs = append(errs, err)

	s.log.WithField("blobs", len(report.Blobs)).WithField("reclaimed", report.ReclaimedBytes).Info("Garbage collection finished")
	return report, errors.Join(errs...)
}

// removeStalePartials deletes staged downloads whose lock is free.
func (s *LocalStore) removeStalePartials(ctx context.Context) (int, int64, error) {
	entries, err := os.ReadDir(s.partialDir())
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	} else if err != nil {
		return 0, 0, err
	}
	var (
		n         int
		reclaimed int64
		errs      []error
	)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), lockSuffix) || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.partialDir(), e.Name())
		if base, ok := strings.CutSuffix(path, download.ValidatorSuffix); ok {
			// A validator without its partial is stale.
			if _, err := os.Stat(base); errors.Is(err, os.ErrNotExist) {
				os.Remove(path)
			}
			continue
		}
		lock, ok, err := tryAcquireLock(path + lockSuffix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		info, statErr := os.Stat(path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		} else {
			n++
			if statErr == nil {
				reclaimed += info.Size()
			}
		}
		os.Remove(path + download.ValidatorSuffix)
		os.Remove(path + lockSuffix)
		lock.Unlock()
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return n, reclaimed, errors.Join(errs...)
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
