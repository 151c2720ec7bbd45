package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/docker/model-store/pkg/distribution/internal/atomicfile"
)

const (
	// CurrentVersion is the current version of the store layout
	CurrentVersion = "2.1.0"

	layoutFile = "layout.json"
)

// Layout is the content of layout.json at the store root.
type Layout struct {
	Version string `json:"version"`
}

func (s *LocalStore) layoutPath() string {
	return filepath.Join(s.rootPath, layoutFile)
}

func (s *LocalStore) readLayout() (Layout, error) {
	b, err := os.ReadFile(s.layoutPath())
	if err != nil {
		return Layout{}, err
	}
	var l Layout
	if err := json.Unmarshal(b, &l); err != nil {
		return Layout{}, fmt.Errorf("parsing %s: %w", layoutFile, err)
	}
	return l, nil
}

func (s *LocalStore) writeLayout(l Layout) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding layout: %w", err)
	}
	return atomicfile.WriteFile(s.layoutPath(), b, 0644)
}

// checkLayout refuses layouts written by a newer major version and upgrades
// missing or older ones.
func (s *LocalStore) checkLayout() error {
	current := semver.MustParse(CurrentVersion)
	l, err := s.readLayout()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s.writeLayout(Layout{Version: CurrentVersion})
	case err != nil:
		return err
	}
	v, err := semver.NewVersion(l.Version)
	if err != nil {
		return fmt.Errorf("invalid store layout version %q: %w", l.Version, err)
	}
	if v.Major() > current.Major() {
		return fmt.Errorf("store layout version %s is newer than supported version %s", v, current)
	}
	if v.LessThan(current) {
		s.log.WithField("from", v.String()).Info("Upgrading store layout")
		if v.LessThan(semver.MustParse("2.1.0")) {
			if err := s.moveRefLocks(); err != nil {
				return fmt.Errorf("upgrading store layout: %w", err)
			}
		}
		return s.writeLayout(Layout{Version: CurrentVersion})
	}
	return nil
}

// moveRefLocks upgrades 2.0 stores, which kept reference locks as
// "refs/<name>.lock" and reference names unescaped. The locks now live in
// their own directory, so the old files are deleted, and references whose
// names now need escaping are renamed.
func (s *LocalStore) moveRefLocks() error {
	var errs []error
	err := filepath.WalkDir(s.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != s.rootPath && (d.Name() == blobsDir || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != refsDir || !d.Type().IsRegular() || isTempName(d.Name()) {
			return nil
		}
		switch name := d.Name(); {
		case strings.HasSuffix(name, lockSuffix):
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		case escapeName(name) != name:
			if err := os.Rename(path, filepath.Join(filepath.Dir(path), escapeName(name))); err != nil {
				errs = append(errs, err)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Version returns the store version
func (s *LocalStore) Version() string {
	l, err := s.readLayout()
	if err != nil {
		return "unknown"
	}
	return l.Version
}
