// Package ollama resolves ollama:// references against an Ollama-style
// registry, which serves Docker v2 manifests whose layers carry
// application/vnd.ollama.image.* media types.
package ollama

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/transport/hub"
	modeltypes "github.com/docker/model-store/pkg/distribution/types"
)

const (
	DefaultEndpoint  = "https://registry.ollama.ai"
	defaultNamespace = "library"
)

// Option configures the transport.
type Option func(*lister)

// WithEndpoint sets the registry base URL.
func WithEndpoint(endpoint string) Option {
	return func(l *lister) {
		if endpoint != "" {
			l.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithTransport sets the HTTP transport used for manifest requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(l *lister) {
		if rt != nil {
			l.client.HTTP = &http.Client{Transport: rt}
		}
	}
}

// WithUserAgent sets the User-Agent of manifest requests.
func WithUserAgent(ua string) Option {
	return func(l *lister) { l.client.UserAgent = ua }
}

// New returns the Ollama transport.
func New(log *logrus.Entry, opts ...Option) *hub.Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &lister{
		endpoint: DefaultEndpoint,
		client:   hub.Client{HTTP: http.DefaultClient},
		log:      log.WithField("component", "transport/ollama"),
	}
	for _, o := range opts {
		o(l)
	}
	return hub.New(l, log)
}

type lister struct {
	endpoint string
	client   hub.Client
	log      *logrus.Entry
}

func (l *lister) Kind() transport.Kind {
	return transport.KindOllama
}

func (l *lister) DefaultRevision() string {
	return transport.KindOllama.DefaultRevision()
}

// SplitRepo qualifies single-segment names with the library namespace.
// Ollama models have no file selection.
func (l *lister) SplitRepo(p string) (string, string, error) {
	parts := strings.Split(p, "/")
	switch len(parts) {
	case 1:
		return defaultNamespace + "/" + parts[0], "", nil
	case 2:
		return p, "", nil
	}
	return "", "", fmt.Errorf("expected [<namespace>/]<model>, got %q", p)
}

func (l *lister) Header() http.Header {
	return http.Header{}
}

// Unit is the model layer; everything else is a side file.
func (l *lister) Unit(e hub.Entry) (string, bool) {
	if modeltypes.IsWeights(e.MediaType) {
		return e.Path, true
	}
	return "", false
}

// List fetches the manifest of repo:tag and maps its layers to entries.
func (l *lister) List(ctx context.Context, repo, tag string) ([]hub.Entry, error) {
	ref := "ollama://" + repo + ":" + tag
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", l.endpoint, repo, tag)
	body, _, err := l.client.Get(ctx, ref, url, http.Header{"Accept": {string(types.DockerManifestSchema2)}})
	if err != nil {
		return nil, err
	}
	m, err := v1.ParseManifest(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing manifest of %s: %w", ref, err)
	}

	seen := map[string]int{}
	entries := make([]hub.Entry, 0, len(m.Layers))
	for _, layer := range m.Layers {
		base, ok := modeltypes.DefaultFileName(layer.MediaType)
		if !ok {
			l.log.WithFields(logrus.Fields{"model": ref, "mediaType": layer.MediaType}).Debug("Skipping unknown layer")
			continue
		}
		d, err := digest.Parse(layer.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("manifest of %s: layer %s: %w", ref, base, err)
		}
		// Repeated layers of one kind (licenses) become license, license-1, ...
		name := base
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		seen[base]++
		entries = append(entries, hub.Entry{
			Path:      name,
			Size:      layer.Size,
			Digest:    d,
			Locator:   fmt.Sprintf("%s/v2/%s/blobs/%s", l.endpoint, repo, layer.Digest),
			MediaType: layer.MediaType,
		})
	}
	return entries, nil
}
