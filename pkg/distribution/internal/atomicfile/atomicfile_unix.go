//go:build !windows

// Package atomicfile replaces small files so readers never see a torn write.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// WriteFile replaces path with data. Readers observe either the old
// or the new content, and the new content is durable before the rename.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, perm)
}
