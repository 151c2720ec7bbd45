package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/docker/model-store/pkg/distribution/checksum"
)

const (
	blobsDir = "blobs"
)

// blobsDir returns the path to the blobs directory
func (s *LocalStore) blobsDir() string {
	return filepath.Join(s.rootPath, blobsDir)
}

// blobPath returns the path to the blob for the given digest.
func (s *LocalStore) blobPath(d digest.Digest) (string, error) {
	if err := checksum.Validate(d); err != nil {
		return "", fmt.Errorf("unsafe digest: %w", err)
	}

	path := filepath.Join(s.rootPath, blobsDir, string(d.Algorithm()), d.Encoded())

	cleanRootPath := filepath.Clean(s.rootPath)
	cleanPath := filepath.Clean(path)
	relPath, err := filepath.Rel(cleanRootPath, cleanPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal attempt detected: %s", path)
	}

	return cleanPath, nil
}

// hasBlob reports whether a regular file exists for d.
func (s *LocalStore) hasBlob(d digest.Digest) (bool, int64, error) {
	path, err := s.blobPath(d)
	if err != nil {
		return false, 0, err
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, 0, nil
	case err != nil:
		return false, 0, fmt.Errorf("check blob existence: %w", err)
	}
	return fi.Mode().IsRegular(), fi.Size(), nil
}

// placeBlob moves the verified file src into the pool under d. When the
// digest is already present the pool copy wins and src is removed, so
// placement is idempotent across concurrent pulls.
func (s *LocalStore) placeBlob(src string, d digest.Digest) (placed bool, err error) {
	path, err := s.blobPath(d)
	if err != nil {
		return false, err
	}
	if ok, _, err := s.hasBlob(d); err != nil {
		return false, err
	} else if ok {
		return false, os.Remove(src)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create blob directory: %w", err)
	}
	// src is complete and verified, so a rename racing another pull of the
	// same digest replaces identical content.
	if err := os.Rename(src, path); err != nil {
		return false, fmt.Errorf("rename blob file: %w", err)
	}
	return true, nil
}

// removeBlob removes the blob with the given digest from the store.
func (s *LocalStore) removeBlob(d digest.Digest) error {
	path, err := s.blobPath(d)
	if err != nil {
		return fmt.Errorf("get blob path: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// walkBlobs calls fn for every blob in the pool. Files whose name is not a
// valid digest are ignored.
func (s *LocalStore) walkBlobs(fn func(d digest.Digest, path string, size int64) error) error {
	err := filepath.WalkDir(s.blobsDir(), func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		alg := filepath.Base(filepath.Dir(path))
		d := digest.NewDigestFromEncoded(digest.Algorithm(alg), e.Name())
		if checksum.Validate(d) != nil {
			return nil
		}
		return fn(d, path, info.Size())
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
