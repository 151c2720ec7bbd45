// Package modelscope resolves ms:// references through the ModelScope
// repository API.
package modelscope

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/transport/hub"
	"github.com/docker/model-store/pkg/distribution/types"
)

const DefaultEndpoint = "https://modelscope.cn"

// Option configures the transport.
type Option func(*lister)

// WithEndpoint sets the ModelScope base URL.
func WithEndpoint(endpoint string) Option {
	return func(l *lister) {
		if endpoint != "" {
			l.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithToken sets the access token sent on listing and download requests.
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

// New returns the ModelScope transport.
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

// filesResponse is the body of GET /api/v1/models/{repo}/repo/files.
type filesResponse struct {
	Code    int64  `json:"Code"`
	Message string `json:"Message"`
	Success *bool  `json:"Success,omitempty"`
	Data    struct {
		Files []repoFile `json:"Files"`
	} `json:"Data"`
}

type repoFile struct {
	Name   string `json:"Name"`
	Path   string `json:"Path"`
	Type   string `json:"Type"`
	Size   int64  `json:"Size"`
	Sha256 string `json:"Sha256"`
}

func (l *lister) Kind() transport.Kind {
	return transport.KindModelScope
}

func (l *lister) DefaultRevision() string {
	return transport.KindModelScope.DefaultRevision()
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

// List reads the recursive file listing. The API answers unknown
// repositories with a 200 and a failure code in the body.
func (l *lister) List(ctx context.Context, repo, rev string) ([]hub.Entry, error) {
	ref := "ms://" + repo + ":" + rev
	q := url.Values{}
	q.Set("Revision", rev)
	q.Set("Recursive", "true")
	target := fmt.Sprintf("%s/api/v1/models/%s/repo/files?%s", l.endpoint, repo, q.Encode())

	var resp filesResponse
	if _, err := l.client.GetJSON(ctx, ref, target, l.Header(), &resp); err != nil {
		return nil, err
	}
	if (resp.Success != nil && !*resp.Success) || (resp.Code != 0 && resp.Code != http.StatusOK) {
		cause := fmt.Errorf("%s: code %d: %s", target, resp.Code, resp.Message)
		if resp.Code == http.StatusUnauthorized || resp.Code == http.StatusForbidden {
			return nil, &types.AuthError{Reference: ref, Err: cause}
		}
		return nil, &types.NotFoundError{Reference: ref, Err: cause}
	}

	var entries []hub.Entry
	for _, f := range resp.Data.Files {
		if f.Type != "blob" {
			continue
		}
		e := hub.Entry{
			Path:    f.Path,
			Size:    f.Size,
			Locator: l.fileURL(repo, rev, f.Path),
		}
		if f.Sha256 != "" {
			d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(f.Sha256))
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("listing %s: invalid sha256 for %s: %w", ref, f.Path, err)
			}
			e.Digest = d
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *lister) fileURL(repo, rev, p string) string {
	q := url.Values{}
	q.Set("Revision", rev)
	q.Set("FilePath", p)
	return fmt.Sprintf("%s/api/v1/models/%s/repo?%s", l.endpoint, repo, q.Encode())
}
