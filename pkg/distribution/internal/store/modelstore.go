package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// modelStore is one "<kind>/<path>" directory holding refs and snapshots.
type modelStore struct {
	s    *LocalStore
	name string
	dir  string
}

func (s *LocalStore) modelStore(name string) *modelStore {
	return &modelStore{
		s:    s,
		name: name,
		dir:  filepath.Join(s.rootPath, storeDir(name)),
	}
}

func (m *modelStore) refPath(refName string) string {
	return filepath.Join(m.dir, refsDir, escapeName(refName))
}

// lockPath is kept apart from the refs directory so no reference name can
// collide with a lock file.
func (m *modelStore) lockPath(refName string) string {
	return filepath.Join(m.dir, locksDir, escapeName(refName))
}

func (m *modelStore) snapshotsDir() string {
	return filepath.Join(m.dir, snapshotsDir)
}

func (m *modelStore) snapshotPath(id digest.Digest) string {
	return filepath.Join(m.snapshotsDir(), snapshotFileName(id))
}

func (m *modelStore) loadSnapshot(id digest.Digest) (*Snapshot, error) {
	return LoadSnapshot(m.snapshotPath(id))
}

func (m *modelStore) snapshotIDs() ([]digest.Digest, error) {
	entries, err := os.ReadDir(m.snapshotsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading snapshots of %s: %w", m.name, err)
	}
	var ids []digest.Digest
	for _, e := range entries {
		if id, ok := parseSnapshotFileName(e.Name()); ok && e.Type().IsRegular() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// loadRefLocked loads a reference while its lock is held and persists the
// upgraded form of a deprecated file. A missing reference yields nil.
func (m *modelStore) loadRefLocked(refName string) (*Reference, error) {
	path := m.refPath(refName)
	ref, migrated, err := LoadReference(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if migrated {
		m.s.log.WithField("path", path).Info("Migrating reference file")
		if err := SaveReference(ref, path); err != nil {
			return nil, fmt.Errorf("persisting migrated reference: %w", err)
		}
	}
	return ref, nil
}

// refNames lists the reference files of the model store.
func (m *modelStore) refNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, refsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !isTempName(e.Name()) {
			names = append(names, unescapeName(e.Name()))
		}
	}
	return names, nil
}

// referencedSnapshots returns the snapshots pointed at by the store's refs.
// A reference that cannot be loaded makes the set unknown and is an error.
func (m *modelStore) referencedSnapshots() (map[digest.Digest]bool, error) {
	names, err := m.refNames()
	if err != nil {
		return nil, err
	}
	set := map[digest.Digest]bool{}
	for _, n := range names {
		ref, _, err := LoadReference(m.refPath(n))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		set[ref.Snapshot] = true
	}
	return set, nil
}

// pruneSnapshots deletes snapshots no reference of the store points at.
func (m *modelStore) pruneSnapshots() ([]digest.Digest, error) {
	keep, err := m.referencedSnapshots()
	if err != nil {
		return nil, err
	}
	ids, err := m.snapshotIDs()
	if err != nil {
		return nil, err
	}
	var removed []digest.Digest
	var errs []error
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := os.Remove(m.snapshotPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing snapshot %s: %w", id, err))
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}

// remove deletes a reference, then its snapshot when no other reference of
// the store shares it, then sweeps unreachable blobs. Each step is
// idempotent. Failures are collected rather than rolled back.
func (m *modelStore) remove(ctx context.Context, refName string) (removed bool, err error) {
	log := m.s.log.WithFields(logrus.Fields{"store": m.name, "ref": refName})
	lock, _, err := acquireLock(ctx, m.lockPath(refName), true, m.s.lockTimeout)
	if err != nil {
		return false, err
	}
	defer lock.Unlock()

	var errs []error
	ref, loadErr := m.loadRefLocked(refName)
	if ref == nil && loadErr == nil {
		return false, nil
	}
	if loadErr != nil {
		// The file is removed anyway so a corrupt reference can be cleared.
		log.WithError(loadErr).Warn("Removing unreadable reference")
	}
	if err := os.Remove(m.refPath(refName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("removing reference: %w", err)
	}
	log.Info("Removed reference")

	if ref != nil {
		shared, err := m.referencedSnapshots()
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("checking snapshot references: %w", err))
		case !shared[ref.Snapshot]:
			if err := os.Remove(m.snapshotPath(ref.Snapshot)); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("removing snapshot %s: %w", ref.Snapshot, err))
			}
		}
	}

	if _, err := m.s.sweep(ctx, m); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}
