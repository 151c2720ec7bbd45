// Package url resolves direct http, https and file locators. A URL names a
// single file whose content digest is unknown until it is downloaded.
package url

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/types"
)

// Transport resolves URL references without network access. Only Exists
// reaches the remote.
type Transport struct {
	scheme    string
	client    *http.Client
	userAgent string
	log       *logrus.Entry
}

// Option configures a Transport.
type Option func(*Transport)

// WithScheme sets the scheme url:// and urltransport:// references are
// rewritten to.
func WithScheme(scheme string) Option {
	return func(t *Transport) {
		if scheme != "" {
			t.scheme = strings.ToLower(scheme)
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.client = &http.Client{Transport: rt}
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(t *Transport) { t.userAgent = ua }
}

func WithLogger(log *logrus.Entry) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// New returns a URL Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		scheme: "https",
		client: http.DefaultClient,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.WithField("component", "transport/url")
	return t
}

func (t *Transport) Kind() transport.Kind {
	return transport.KindURL
}

// locator returns the URL the reference downloads from.
func (t *Transport) locator(ref transport.Reference) (*neturl.URL, error) {
	scheme := ref.Scheme
	if scheme == "url" || scheme == "urltransport" {
		scheme = t.scheme
	}
	switch scheme {
	case "http", "https", "file":
	default:
		return nil, types.NewReferenceError(ref.Raw, fmt.Errorf("unsupported url scheme %q", scheme))
	}
	u, err := neturl.Parse(scheme + "://" + ref.Path)
	if err != nil {
		return nil, types.NewReferenceError(ref.Raw, err)
	}
	if scheme == "file" {
		if u.Host != "" {
			return nil, types.NewReferenceError(ref.Raw, errors.New("file URLs must be absolute paths"))
		}
	} else if u.Host == "" {
		return nil, types.NewReferenceError(ref.Raw, errors.New("missing host"))
	}
	if base := path.Base(u.Path); base == "/" || base == "." || base == "" {
		return nil, types.NewReferenceError(ref.Raw, errors.New("URL names no file"))
	}
	return u, nil
}

// Resolve describes the single object behind the URL.
func (t *Transport) Resolve(_ context.Context, ref transport.Reference) (*transport.ResolvedModel, error) {
	u, err := t.locator(ref)
	if err != nil {
		return nil, err
	}
	base := transport.SanitizeSegment(path.Base(u.Path))
	if err := transport.ValidateRelativePath(base); err != nil {
		return nil, types.NewReferenceError(ref.Raw, err)
	}
	// Files of one directory share a model store and differ by ref name.
	segments := []string{path.Dir(u.Path)}
	if u.Host != "" {
		segments = append([]string{u.Host}, segments...)
	}
	obj := transport.RemoteObject{
		Locator:      u.String(),
		RelativePath: base,
	}
	if u.Scheme == "file" {
		// Local files are sized up front so a changed file is not mistaken
		// for the previously pulled one.
		if fi, err := os.Stat(filepath.FromSlash(u.Path)); err == nil && fi.Mode().IsRegular() {
			obj.SizeHint = fi.Size()
		}
	}
	return &transport.ResolvedModel{
		// Every spelling of one file records the scheme it is fetched with.
		CanonicalName: u.Scheme + "://" + ref.Path,
		Kind:          transport.KindURL,
		StoreName:     transport.StoreName(transport.KindURL, segments...),
		RefName:       base,
		Objects:       []transport.RemoteObject{obj},
		Metadata:      map[string]string{"url": u.String()},
	}, nil
}

// Exists stats file URLs and sends HEAD for http(s).
func (t *Transport) Exists(ctx context.Context, ref transport.Reference) (bool, error) {
	u, err := t.locator(ref)
	if err != nil {
		return false, err
	}
	if u.Scheme == "file" {
		fi, err := os.Stat(filepath.FromSlash(u.Path))
		switch {
		case errors.Is(err, os.ErrNotExist):
			return false, nil
		case errors.Is(err, os.ErrPermission):
			return false, &types.AuthError{Reference: ref.Raw, Err: err}
		case err != nil:
			return false, err
		}
		return fi.Mode().IsRegular(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", u, err)
	}
	resp.Body.Close()
	t.log.WithFields(logrus.Fields{"locator": u.String(), "status": resp.StatusCode}).Debug("HEAD")
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &types.AuthError{Reference: ref.Raw, Err: fmt.Errorf("%s: %s", u, resp.Status)}
	}
	return false, fmt.Errorf("checking %s: unexpected status %s", u, resp.Status)
}
