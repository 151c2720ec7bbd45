package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/sourcegraph/conc/pool"

	"github.com/docker/model-store/pkg/distribution/checksum"
	"github.com/docker/model-store/pkg/distribution/internal/atomicfile"
	"github.com/docker/model-store/pkg/distribution/transport"
	mstypes "github.com/docker/model-store/pkg/distribution/types"
)

// SnapshotFile is one blob presented at a relative path.
type SnapshotFile struct {
	Digest    digest.Digest   `json:"digest"`
	Path      string          `json:"path"`
	Size      int64           `json:"size"`
	MediaType types.MediaType `json:"mediaType,omitempty"`
}

// Snapshot is the immutable file set of one pull.
type Snapshot struct {
	ID        digest.Digest     `json:"id"`
	Created   time.Time         `json:"created"`
	Reference string            `json:"reference"`
	Transport string            `json:"transport"`
	Files     []SnapshotFile    `json:"files"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewSnapshot builds a snapshot and derives its ID from the reference and
// the file list, so identical pulls yield identical IDs.
func NewSnapshot(reference, kind string, files []SnapshotFile, metadata map[string]string, created time.Time) (*Snapshot, error) {
	sorted := append([]SnapshotFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	s := &Snapshot{
		Created:   created.UTC(),
		Reference: reference,
		Transport: kind,
		Files:     sorted,
		Metadata:  metadata,
	}
	if err := s.validateFiles(); err != nil {
		return nil, err
	}
	id, err := s.computeID()
	if err != nil {
		return nil, err
	}
	s.ID = id
	return s, nil
}

func (s *Snapshot) computeID() (digest.Digest, error) {
	b, err := json.Marshal(struct {
		Reference string         `json:"reference"`
		Files     []SnapshotFile `json:"files"`
	}{s.Reference, s.Files})
	if err != nil {
		return "", fmt.Errorf("encoding snapshot id: %w", err)
	}
	return digest.FromBytes(b), nil
}

func (s *Snapshot) validateFiles() error {
	if len(s.Files) == 0 {
		return errors.New("snapshot has no files")
	}
	seen := make(map[string]bool, len(s.Files))
	for _, f := range s.Files {
		if err := transport.ValidateRelativePath(f.Path); err != nil {
			return err
		}
		if err := checksum.Validate(f.Digest); err != nil {
			return fmt.Errorf("file %s: %w", f.Path, err)
		}
		if seen[f.Path] {
			return fmt.Errorf("duplicate path %s", f.Path)
		}
		seen[f.Path] = true
	}
	return nil
}

// Size is the sum of all file sizes.
func (s *Snapshot) Size() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.Size
	}
	return n
}

// snapshotFileName renders id without a colon, "<alg>-<hex>".
func snapshotFileName(id digest.Digest) string {
	return string(id.Algorithm()) + "-" + id.Encoded()
}

func parseSnapshotFileName(name string) (digest.Digest, bool) {
	alg, hex, ok := strings.Cut(name, "-")
	if !ok {
		return "", false
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(alg), hex)
	return d, checksum.Validate(d) == nil
}

// LoadSnapshot reads and checks the snapshot file at path.
func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &mstypes.CorruptSnapshotError{Path: path, Err: err}
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, &mstypes.CorruptSnapshotError{Path: path, Err: err}
	}
	if err := s.validateFiles(); err != nil {
		return nil, &mstypes.CorruptSnapshotError{Path: path, Err: err}
	}
	id, err := s.computeID()
	if err != nil {
		return nil, &mstypes.CorruptSnapshotError{Path: path, Err: err}
	}
	if id != s.ID {
		return nil, &mstypes.CorruptSnapshotError{Path: path, Err: fmt.Errorf("id %s does not match content %s", s.ID, id)}
	}
	return &s, nil
}

// writeSnapshot persists s under dir. Every blob must already be in the
// pool. A snapshot with the same ID on disk is left as is.
func (s *LocalStore) writeSnapshot(dir string, snap *Snapshot) (string, error) {
	path := filepath.Join(dir, snapshotFileName(snap.ID))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	for _, f := range snap.Files {
		ok, _, err := s.hasBlob(f.Digest)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("snapshot %s references missing blob %s", snap.ID, f.Digest)
		}
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := atomicfile.WriteFile(path, append(b, '\n'), 0644); err != nil {
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	return path, nil
}

// ValidationReport is the result of auditing a snapshot against the pool.
type ValidationReport struct {
	Snapshot digest.Digest
	// Missing lists blobs absent from the pool.
	Missing []digest.Digest
	// Corrupt lists blobs whose content no longer matches their digest.
	// Only populated by deep validation.
	Corrupt []*mstypes.IntegrityError
}

// OK reports whether the snapshot is fully intact.
func (r *ValidationReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Corrupt) == 0
}

// validateSnapshot checks that every blob of snap is present and, when deep
// is set, re-hashes each one.
func (s *LocalStore) validateSnapshot(snap *Snapshot, deep bool) (*ValidationReport, error) {
	report := &ValidationReport{Snapshot: snap.ID}
	var present []SnapshotFile
	for _, f := range snap.Files {
		ok, _, err := s.hasBlob(f.Digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.Missing = append(report.Missing, f.Digest)
			continue
		}
		present = append(present, f)
	}
	if !deep {
		return report, nil
	}

	p := pool.NewWithResults[*mstypes.IntegrityError]().WithErrors().WithMaxGoroutines(s.concurrency)
	for _, f := range present {
		p.Go(func() (*mstypes.IntegrityError, error) {
			path, err := s.blobPath(f.Digest)
			if err != nil {
				return nil, err
			}
			var ie *mstypes.IntegrityError
			if err := checksum.VerifyFile(path, f.Digest); errors.As(err, &ie) {
				return ie, nil
			} else if err != nil {
				return nil, err
			}
			return nil, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	for _, ie := range results {
		if ie != nil {
			report.Corrupt = append(report.Corrupt, ie)
		}
	}
	sort.Slice(report.Corrupt, func(i, j int) bool { return report.Corrupt[i].Path < report.Corrupt[j].Path })
	return report, nil
}
