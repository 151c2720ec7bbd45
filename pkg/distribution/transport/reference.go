package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/model-store/pkg/distribution/types"
)

// schemes maps every accepted scheme prefix to its transport kind.
var schemes = map[string]Kind{
	"hf":           KindHuggingFace,
	"huggingface":  KindHuggingFace,
	"ms":           KindModelScope,
	"modelscope":   KindModelScope,
	"ollama":       KindOllama,
	"oci":          KindOCI,
	"docker":       KindOCI,
	"http":         KindURL,
	"https":        KindURL,
	"file":         KindURL,
	"url":          KindURL,
	"urltransport": KindURL,
}

// canonicalSchemes is the scheme written in canonical names.
var canonicalSchemes = map[Kind]string{
	KindHuggingFace: "hf",
	KindModelScope:  "ms",
	KindOllama:      "ollama",
	KindOCI:         "oci",
}

// defaultRevisions is the revision of references that name none.
var defaultRevisions = map[Kind]string{
	KindHuggingFace: "main",
	KindModelScope:  "master",
	KindOllama:      "latest",
	KindOCI:         "latest",
}

// DefaultRevision returns the revision a reference of kind k without one
// resolves to. URL references have no revision.
func (k Kind) DefaultRevision() string {
	return defaultRevisions[k]
}

// Scheme returns the scheme written in canonical names of kind k.
func (k Kind) Scheme() string {
	if s, ok := canonicalSchemes[k]; ok {
		return s
	}
	return string(k)
}

// Reference is a parsed "<scheme>://<path>[:<revision>]" string.
type Reference struct {
	// Raw is the reference as the caller spelled it.
	Raw string
	// Scheme is the scheme as spelled, lowercased.
	Scheme string
	Kind   Kind
	// Path is the part after "://" without the revision.
	Path string
	// Revision is empty when the reference names none.
	Revision string
}

// Canonical returns the canonical form of the reference with rev as the
// revision, or the reference's own revision when rev is empty. URL
// references keep their scheme as spelled; the url transport decides the
// scheme url:// and urltransport:// stand for.
func (r Reference) Canonical(rev string) string {
	if r.Kind == KindURL {
		return r.Scheme + "://" + r.Path
	}
	if rev == "" {
		rev = r.Revision
	}
	s := r.Kind.Scheme() + "://" + r.Path
	if rev != "" {
		s += ":" + rev
	}
	return s
}

func (r Reference) String() string {
	return r.Raw
}

// ParseReference parses s. A reference without a scheme uses defaultScheme.
// The revision is the suffix after the last ':' that follows the last '/';
// URL references and digest references ("@") carry none.
func ParseReference(s, defaultScheme string) (Reference, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Reference{}, types.NewReferenceError(s, errors.New("empty reference"))
	}
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		scheme, rest = defaultScheme, raw
	}
	scheme = strings.ToLower(scheme)
	kind, ok := schemes[scheme]
	if !ok {
		return Reference{}, types.NewReferenceError(s, fmt.Errorf("unknown scheme %q", scheme))
	}
	ref := Reference{Raw: raw, Scheme: scheme, Kind: kind, Path: rest}
	if kind != KindURL && !strings.Contains(rest, "@") {
		slash := strings.LastIndex(rest, "/")
		if colon := strings.LastIndex(rest, ":"); colon > slash {
			ref.Path, ref.Revision = rest[:colon], rest[colon+1:]
			if ref.Revision == "" {
				return Reference{}, types.NewReferenceError(s, errors.New("empty revision"))
			}
		}
	}
	ref.Path = strings.Trim(ref.Path, "/")
	if kind == KindURL && scheme == "file" {
		// file:///abs/path keeps its leading slash.
		ref.Path = "/" + ref.Path
	}
	if ref.Path == "" || ref.Path == "/" {
		return Reference{}, types.NewReferenceError(s, errors.New("empty path"))
	}
	if kind != KindURL {
		for _, seg := range strings.Split(ref.Path, "/") {
			if seg == "" || seg == "." || seg == ".." {
				return Reference{}, types.NewReferenceError(s, fmt.Errorf("invalid path segment %q", seg))
			}
		}
	}
	return ref, nil
}
