// Package huggingface resolves hf:// references through the Hugging Face
// Hub API.
package huggingface

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/transport/hub"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	// maxPages bounds pagination of tree listings.
	maxPages = 1000
)

// Option configures the transport.
type Option func(*lister)

// WithEndpoint sets the Hub base URL.
func WithEndpoint(endpoint string) Option {
	return func(l *lister) {
		if endpoint != "" {
			l.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithToken sets the bearer token sent on listing and download requests.
func WithToken(token string) Option {
	return func(l *lister) { l.token = token }
}

// WithTransport sets the HTTP transport used for listings.
func WithTransport(rt http.RoundTripper) Option {
	return func(l *lister) {
		if rt != nil {
			l.client.HTTP = &http.Client{Transport: rt}
		}
	}
}

// WithUserAgent sets the User-Agent of listing requests.
func WithUserAgent(ua string) Option {
	return func(l *lister) { l.client.UserAgent = ua }
}

// New returns the Hugging Face transport.
func New(log *logrus.Entry, opts ...Option) *hub.Transport {
	l := &lister{
		endpoint: DefaultEndpoint,
		client:   hub.Client{HTTP: http.DefaultClient},
	}
	for _, o := range opts {
		o(l)
	}
	return hub.New(l, log)
}

type lister struct {
	endpoint string
	token    string
	client   hub.Client
}

// treeEntry is one element of GET /api/models/{repo}/tree/{rev}.
type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
	LFS  *struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

func (l *lister) Kind() transport.Kind {
	return transport.KindHuggingFace
}

func (l *lister) DefaultRevision() string {
	return transport.KindHuggingFace.DefaultRevision()
}

// SplitRepo treats the first two segments as the repository.
func (l *lister) SplitRepo(p string) (string, string, error) {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("expected <organization>/<repository>, got %q", p)
	}
	repo := parts[0] + "/" + parts[1]
	if len(parts) == 3 {
		return repo, parts[2], nil
	}
	return repo, "", nil
}

func (l *lister) Header() http.Header {
	h := http.Header{}
	if l.token != "" {
		h.Set("Authorization", "Bearer "+l.token)
	}
	return h
}

// Unit makes every GGUF file (or split group) its own unit and all
// safetensors shards a single one.
func (l *lister) Unit(e hub.Entry) (string, bool) {
	if u, ok := hub.GGUFUnit(e.Path); ok {
		return u, true
	}
	if strings.HasSuffix(e.Path, ".safetensors") {
		return "*.safetensors", true
	}
	return "", false
}

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// List walks the recursive tree listing, following Link pagination.
func (l *lister) List(ctx context.Context, repo, rev string) ([]hub.Entry, error) {
	ref := "hf://" + repo + ":" + rev
	next := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true", l.endpoint, repo, url.PathEscape(rev))
	var entries []hub.Entry
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("listing %s: too many pages", ref)
		}
		var tree []treeEntry
		h, err := l.client.GetJSON(ctx, ref, next, l.Header(), &tree)
		if err != nil {
			return nil, err
		}
		for _, te := range tree {
			if te.Type != "file" {
				continue
			}
			e := hub.Entry{
				Path:    te.Path,
				Size:    te.Size,
				Locator: l.resolveURL(repo, rev, te.Path),
			}
			if te.LFS != nil {
				d := digest.NewDigestFromEncoded(digest.SHA256, te.LFS.OID)
				if err := d.Validate(); err != nil {
					return nil, fmt.Errorf("listing %s: invalid lfs oid for %s: %w", ref, te.Path, err)
				}
				e.Digest = d
				e.Size = te.LFS.Size
			}
			entries = append(entries, e)
		}
		next = ""
		if m := nextLink.FindStringSubmatch(h.Get("Link")); m != nil {
			next = m[1]
		}
	}
	return entries, nil
}

func (l *lister) resolveURL(repo, rev, p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", l.endpoint, repo, url.PathEscape(rev), strings.Join(segs, "/"))
}
