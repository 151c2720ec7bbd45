package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/download"
	"github.com/docker/model-store/pkg/distribution/metrics"
	"github.com/docker/model-store/pkg/distribution/types"
)

const (
	// DefaultLockTimeout bounds the wait for a model lock.
	DefaultLockTimeout = 30 * time.Second
	// DefaultConcurrency is the number of objects fetched in parallel.
	DefaultConcurrency = 4

	stagingDir   = ".staging"
	gcLockFile   = ".gc.lock"
	refsDir      = "refs"
	snapshotsDir = "snapshots"
	locksDir     = ".locks"
	lockSuffix   = ".lock"
)

// LocalStore implements the global model store on the local filesystem.
type LocalStore struct {
	rootPath    string
	lockTimeout time.Duration
	concurrency int
	log         *logrus.Entry
	engine      *download.Engine
	metrics     *metrics.Metrics
	now         func() time.Time
	// hook, when set, runs at named points of a pull and fails it on error.
	hook func(point string) error
}

// RootPath returns the root path of the store
func (s *LocalStore) RootPath() string {
	return s.rootPath
}

// Options represents options for creating a store
type Options struct {
	RootPath    string
	LockTimeout time.Duration
	// Concurrency bounds parallel fetches and deep verification.
	Concurrency int
	Logger      *logrus.Entry
	// Engine fetches remote objects. A default engine is used when nil.
	Engine  *download.Engine
	Metrics *metrics.Metrics
}

// New creates a new LocalStore
func New(opts Options) (*LocalStore, error) {
	if opts.RootPath == "" {
		return nil, errors.New("store root path is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &LocalStore{
		rootPath:    opts.RootPath,
		lockTimeout: opts.LockTimeout,
		concurrency: opts.Concurrency,
		log:         log.WithField("component", "store"),
		engine:      opts.Engine,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = DefaultLockTimeout
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.engine == nil {
		s.engine = download.New(download.WithLogger(log), download.WithMetrics(opts.Metrics))
	}

	if err := os.MkdirAll(s.rootPath, 0755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	if err := s.checkLayout(); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// ModelSummary describes one reference in the store.
type ModelSummary struct {
	// Name is the canonical reference the model was pulled as.
	Name string
	// StoreName is the model store directory relative to the root.
	StoreName string
	// RefName is the reference file name inside the model store.
	RefName   string
	Snapshot  digest.Digest
	Transport string
	Size      int64
	Modified  time.Time
}

// ID identifies the reference independently of its content,
// "<store-name>/<ref-name>".
func (m ModelSummary) ID() string {
	return m.StoreName + "/" + m.RefName
}

// SkippedEntry is a reference that could not be loaded.
type SkippedEntry struct {
	Path string
	Err  error
}

// ListReport is the result of List.
type ListReport struct {
	Models  []ModelSummary
	Skipped []SkippedEntry
}

// refEntry locates one reference file.
type refEntry struct {
	storeName string
	refName   string
	path      string
}

// walkRefs calls fn for every reference file under the root, in lexical order.
func (s *LocalStore) walkRefs(fn func(e refEntry) error) error {
	err := filepath.WalkDir(s.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.rootPath {
				return err
			}
			s.log.WithError(err).WithField("path", path).Warn("Skipping unreadable path")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.rootPath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == blobsDir || strings.HasPrefix(d.Name(), ".") && path != s.rootPath {
			return filepath.SkipDir
		}
		if d.Name() != refsDir || rel == refsDir {
			return nil
		}
		storeName := storeNameFromDir(filepath.Dir(rel))
		entries, err := os.ReadDir(path)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("Skipping unreadable refs directory")
			return filepath.SkipDir
		}
		for _, e := range entries {
			name := e.Name()
			if !e.Type().IsRegular() || isTempName(name) {
				continue
			}
			if err := fn(refEntry{storeName: storeName, refName: unescapeName(name), path: filepath.Join(path, name)}); err != nil {
				return err
			}
		}
		return filepath.SkipDir
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// storeNames lists every model store under the root, including stores
// whose references are all gone but whose snapshots remain.
func (s *LocalStore) storeNames() ([]string, error) {
	seen := map[string]bool{}
	var names []string
	err := filepath.WalkDir(s.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.rootPath {
				return err
			}
			return nil
		}
		if !d.IsDir() || path == s.rootPath {
			return nil
		}
		if d.Name() == blobsDir && filepath.Dir(path) == filepath.Clean(s.rootPath) || strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if d.Name() != refsDir && d.Name() != snapshotsDir {
			return nil
		}
		rel, err := filepath.Rel(s.rootPath, filepath.Dir(path))
		if err != nil {
			return err
		}
		if name := storeNameFromDir(rel); rel != "." && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return filepath.SkipDir
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(names)
	return names, err
}

// List returns every loadable reference. Corrupt references are logged and
// reported in Skipped instead of failing the listing.
func (s *LocalStore) List() (*ListReport, error) {
	report := &ListReport{}
	err := s.walkRefs(func(e refEntry) error {
		ref, _, err := LoadReference(e.path)
		if err != nil {
			s.log.WithError(err).WithField("path", e.path).Warn("Skipping unreadable reference")
			report.Skipped = append(report.Skipped, SkippedEntry{Path: e.path, Err: err})
			return nil
		}
		report.Models = append(report.Models, ModelSummary{
			Name:      ref.Name,
			StoreName: e.storeName,
			RefName:   e.refName,
			Snapshot:  ref.Snapshot,
			Transport: ref.Transport,
			Size:      ref.Size,
			Modified:  ref.Modified,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	sort.Slice(report.Models, func(i, j int) bool { return report.Models[i].Name < report.Models[j].Name })
	return report, nil
}

// Lookup finds a model by canonical name or by ID.
func (s *LocalStore) Lookup(name string) (*ModelSummary, error) {
	report, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, m := range report.Models {
		if m.Name == name || m.ID() == name {
			return &m, nil
		}
	}
	for _, sk := range report.Skipped {
		if s.entryID(sk.Path) == name {
			return nil, sk.Err
		}
	}
	return nil, &types.NotFoundError{Reference: name}
}

// entryID maps a reference file path back to "<store-name>/<ref-name>".
func (s *LocalStore) entryID(path string) string {
	rel, err := filepath.Rel(s.rootPath, path)
	if err != nil {
		return ""
	}
	dir, ref := filepath.Split(rel)
	return storeNameFromDir(filepath.Dir(filepath.Clean(dir))) + "/" + unescapeName(ref)
}

// Snapshot loads the current snapshot of a model.
func (s *LocalStore) Snapshot(name string) (*Snapshot, error) {
	m, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	return s.modelStore(m.StoreName).loadSnapshot(m.Snapshot)
}

// Resolve maps every relative path of the current snapshot of name to the
// absolute path of its blob.
func (s *LocalStore) Resolve(name string) (map[string]string, error) {
	snap, err := s.Snapshot(name)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(snap.Files))
	for _, f := range snap.Files {
		p, err := s.blobPath(f.Digest)
		if err != nil {
			return nil, err
		}
		paths[f.Path] = p
	}
	return paths, nil
}

// Verify audits the current snapshot of name against the blob pool. With
// deep set every blob is re-hashed.
func (s *LocalStore) Verify(name string, deep bool) (*ValidationReport, error) {
	snap, err := s.Snapshot(name)
	if err != nil {
		return nil, err
	}
	return s.validateSnapshot(snap, deep)
}

// Snapshots lists every snapshot kept in a model store, newest first.
func (s *LocalStore) Snapshots(storeName string) ([]*Snapshot, error) {
	ms := s.modelStore(storeName)
	ids, err := ms.snapshotIDs()
	if err != nil {
		return nil, err
	}
	var snaps []*Snapshot
	for _, id := range ids {
		snap, err := ms.loadSnapshot(id)
		if err != nil {
			s.log.WithError(err).Warn("Skipping unreadable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Created.After(snaps[j].Created) })
	return snaps, nil
}
