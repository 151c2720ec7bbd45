// Package hub is the shared base of transports whose registries expose a
// listing of a repository's files.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/transport"
	modeltypes "github.com/docker/model-store/pkg/distribution/types"
)

// Entry is one file of a listed repository.
type Entry struct {
	Path      string
	Size      int64
	Digest    digest.Digest
	Locator   string
	MediaType types.MediaType
}

// Lister is implemented by each registry-API variant.
type Lister interface {
	Kind() transport.Kind
	// DefaultRevision is used when a reference names no revision.
	DefaultRevision() string
	// SplitRepo separates the repository from an optional file selection.
	SplitRepo(p string) (repo, selection string, err error)
	// List returns the files of repo at rev. A missing repository is a
	// *types.NotFoundError.
	List(ctx context.Context, repo, rev string) ([]Entry, error)
	// Unit returns the weights unit an entry belongs to, and false for
	// side files. More than one unit without a selection is ambiguous.
	Unit(e Entry) (string, bool)
	// Header is sent with every download of the repository's files.
	Header() http.Header
}

// Transport adapts a Lister to transport.Transport.
type Transport struct {
	lister Lister
	log    *logrus.Entry
}

// New returns a Transport backed by l.
func New(l Lister, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		lister: l,
		log:    log.WithField("component", "transport/"+string(l.Kind())),
	}
}

func (t *Transport) Kind() transport.Kind {
	return t.lister.Kind()
}

// Resolve lists the repository and maps the selected entries to remote
// objects. Dotfiles are never part of a model.
func (t *Transport) Resolve(ctx context.Context, ref transport.Reference) (*transport.ResolvedModel, error) {
	rev := ref.Revision
	if rev == "" {
		rev = t.lister.DefaultRevision()
	}
	repo, selection, err := t.lister.SplitRepo(ref.Path)
	if err != nil {
		return nil, modeltypes.NewReferenceError(ref.Raw, err)
	}
	entries, err := t.lister.List(ctx, repo, rev)
	if err != nil {
		return nil, err
	}
	entries = visible(entries)

	selected, err := t.selectEntries(ref, entries, selection)
	if err != nil {
		return nil, err
	}

	objects := make([]transport.RemoteObject, 0, len(selected))
	for _, e := range selected {
		if err := transport.ValidateRelativePath(e.Path); err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Raw, err)
		}
		if e.Locator == "" {
			return nil, fmt.Errorf("resolving %s: no locator for %s", ref.Raw, e.Path)
		}
		objects = append(objects, transport.RemoteObject{
			Locator:        e.Locator,
			ExpectedDigest: e.Digest,
			RelativePath:   e.Path,
			SizeHint:       e.Size,
			MediaType:      e.MediaType,
			Header:         t.lister.Header(),
		})
	}
	t.log.WithFields(logrus.Fields{"repo": repo, "revision": rev, "objects": len(objects)}).Debug("Resolved repository")

	meta := map[string]string{"repository": repo, "revision": rev}
	if selection != "" {
		meta["selection"] = selection
	}
	return &transport.ResolvedModel{
		CanonicalName: ref.Canonical(rev),
		Kind:          t.lister.Kind(),
		StoreName:     transport.StoreName(t.lister.Kind(), ref.Path),
		RefName:       transport.SanitizeSegment(rev),
		Objects:       objects,
		Metadata:      meta,
	}, nil
}

func (t *Transport) selectEntries(ref transport.Reference, entries []Entry, selection string) ([]Entry, error) {
	if selection != "" {
		var out []Entry
		group := shardGroup(selection)
		for _, e := range entries {
			switch {
			case e.Path == selection,
				strings.HasPrefix(e.Path, selection+"/"),
				group != "" && shardGroup(e.Path) == group:
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			return nil, &modeltypes.NotFoundError{Reference: ref.Raw, Err: fmt.Errorf("no file %q in repository", selection)}
		}
		return out, nil
	}

	units := map[string]struct{}{}
	for _, e := range entries {
		if u, ok := t.lister.Unit(e); ok {
			units[u] = struct{}{}
		}
	}
	switch len(units) {
	case 0:
		return nil, &modeltypes.NotFoundError{Reference: ref.Raw, Err: errors.New("repository holds no model weights")}
	case 1:
		return entries, nil
	}
	candidates := make([]string, 0, len(units))
	for u := range units {
		candidates = append(candidates, ref.Kind.Scheme()+"://"+path.Join(ref.Path, u))
	}
	sort.Strings(candidates)
	return nil, &modeltypes.AmbiguousReferenceError{Reference: ref.Raw, Candidates: candidates}
}

func visible(entries []Entry) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		hidden := false
		for _, seg := range strings.Split(e.Path, "/") {
			if strings.HasPrefix(seg, ".") {
				hidden = true
				break
			}
		}
		if !hidden {
			out = append(out, e)
		}
	}
	return out
}

var shardPattern = regexp.MustCompile(`^(.*)-\d{5}-of-(\d{5})\.gguf$`)

// shardGroup returns the group key of a split GGUF shard
// ("name-00001-of-00003.gguf" belongs to "name-of-00003.gguf"), or "".
func shardGroup(p string) string {
	m := shardPattern.FindStringSubmatch(p)
	if m == nil {
		return ""
	}
	return m[1] + "-of-" + m[2] + ".gguf"
}

// GGUFUnit returns the weights unit of a GGUF file, collapsing split
// shards into one unit. Projector files are side files.
func GGUFUnit(p string) (string, bool) {
	if !strings.HasSuffix(strings.ToLower(p), ".gguf") {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(path.Base(p)), "mmproj") {
		return "", false
	}
	if g := shardGroup(p); g != "" {
		return strings.Replace(g, "-of-", "-00001-of-", 1), true
	}
	return p, true
}

// Exists lists the repository.
func (t *Transport) Exists(ctx context.Context, ref transport.Reference) (bool, error) {
	rev := ref.Revision
	if rev == "" {
		rev = t.lister.DefaultRevision()
	}
	repo, _, err := t.lister.SplitRepo(ref.Path)
	if err != nil {
		return false, modeltypes.NewReferenceError(ref.Raw, err)
	}
	if _, err := t.lister.List(ctx, repo, rev); err != nil {
		if errors.Is(err, modeltypes.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckStatus maps a listing response status to the error taxonomy.
func CheckStatus(ref string, resp *http.Response) error {
	var target string
	if resp.Request != nil {
		target = resp.Request.URL.String()
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &modeltypes.NotFoundError{Reference: ref, Err: fmt.Errorf("%s: %s", target, resp.Status)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &modeltypes.AuthError{Reference: ref, Err: fmt.Errorf("%s: %s", target, resp.Status)}
	}
	return fmt.Errorf("listing %s: unexpected status %s", ref, resp.Status)
}
