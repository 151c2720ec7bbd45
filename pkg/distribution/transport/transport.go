// Package transport resolves scheme-qualified model references into the
// remote objects that make up a model.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

// Kind names a transport variant.
type Kind string

const (
	KindHuggingFace Kind = "huggingface"
	KindModelScope  Kind = "modelscope"
	KindOllama      Kind = "ollama"
	KindOCI         Kind = "oci"
	KindURL         Kind = "url"
)

// Transport resolves references of one Kind. Implementations never cache
// resolutions across calls.
type Transport interface {
	Kind() Kind
	// Resolve describes every remote object of ref, or fails as a whole.
	Resolve(ctx context.Context, ref Reference) (*ResolvedModel, error)
	// Exists reports whether ref exists upstream without downloading content.
	Exists(ctx context.Context, ref Reference) (bool, error)
}

// RemoteObject is one file of a resolved model.
type RemoteObject struct {
	// Locator is an http, https or file URL.
	Locator string
	// ExpectedDigest is empty when the remote does not publish one.
	ExpectedDigest digest.Digest
	// RelativePath is where the object is presented inside a snapshot.
	RelativePath string
	// SizeHint is zero when unknown.
	SizeHint  int64
	MediaType types.MediaType
	// Header is sent with every request for the object.
	Header http.Header
}

// ResolvedModel is the per-call result of resolving a reference.
type ResolvedModel struct {
	// CanonicalName is the fully qualified reference.
	CanonicalName string
	// Kind is the transport that produced the resolution.
	Kind Kind
	// StoreName is the model store directory, "<kind>/<path>".
	StoreName string
	// RefName is the logical name of the reference file inside the store.
	RefName  string
	Objects  []RemoteObject
	Metadata map[string]string
	// Transport, when set, must be used to fetch the objects.
	Transport http.RoundTripper
}

// ValidateRelativePath rejects paths that could escape a snapshot directory.
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty relative path")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || strings.Contains(p, `\`) {
		return fmt.Errorf("relative path %q must not be absolute or contain backslashes", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return fmt.Errorf("relative path %q must not carry a drive letter", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return fmt.Errorf("relative path %q contains an invalid segment", p)
		}
	}
	if path.Clean(p) != p {
		return fmt.Errorf("relative path %q is not clean", p)
	}
	return nil
}

// StoreName builds "<kind>/<segments...>" with segments made safe for use
// as directory names.
func StoreName(kind Kind, segments ...string) string {
	parts := []string{string(kind)}
	for _, s := range segments {
		for _, seg := range strings.Split(s, "/") {
			if seg == "" {
				continue
			}
			parts = append(parts, SanitizeSegment(seg))
		}
	}
	return strings.Join(parts, "/")
}

// SanitizeSegment makes a single path segment safe for every supported
// filesystem.
func SanitizeSegment(s string) string {
	r := strings.NewReplacer(":", "-", "\\", "-", "@", "-", "*", "-", "?", "-", "\"", "-", "<", "-", ">", "-", "|", "-")
	s = r.Replace(s)
	if s == "." || s == ".." {
		return strings.Repeat("-", len(s))
	}
	return s
}
