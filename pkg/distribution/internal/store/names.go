package store

import (
	"path/filepath"
	"strings"
)

// escapePrefix marks a name that was escaped on disk.
const escapePrefix = "%"

// escapeName maps a store segment or reference name to its on-disk form.
// The store reserves names starting with '.' for temporary files and lock
// directories, and the refs and snapshots directories of every model store.
// Names that would collide with either get escapePrefix prepended, and so
// does any name that already starts with it.
func escapeName(name string) string {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, escapePrefix) || name == refsDir || name == snapshotsDir {
		return escapePrefix + name
	}
	return name
}

// unescapeName reverses escapeName.
func unescapeName(name string) string {
	return strings.TrimPrefix(name, escapePrefix)
}

// storeDir is the directory of the model store name, relative to the root.
func storeDir(name string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = escapeName(s)
	}
	return filepath.Join(segs...)
}

// storeNameFromDir reverses storeDir for a slash-separated relative path.
func storeNameFromDir(rel string) string {
	segs := strings.Split(filepath.ToSlash(rel), "/")
	for i, s := range segs {
		segs[i] = unescapeName(s)
	}
	return strings.Join(segs, "/")
}

// isTempName reports whether a file in a refs or snapshots directory is an
// in-flight atomic write rather than a store entry.
func isTempName(name string) bool {
	return strings.HasPrefix(name, ".")
}
