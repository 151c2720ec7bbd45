// Package oci resolves oci:// references against OCI distribution
// registries. Model files are the layers of an image (or of the host
// platform's image inside an index) and are downloaded as plain blobs.
package oci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/containerd/platforms"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ggcrtransport "github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/types"
)

const DefaultUserAgent = "model-store"

// Transport resolves references through the registry API.
type Transport struct {
	transport http.RoundTripper
	userAgent string
	keychain  authn.Keychain
	auth      authn.Authenticator
	insecure  bool
	platform  platforms.MatchComparer
	log       *logrus.Entry
}

// Option configures a Transport.
type Option func(*Transport)

func WithTransport(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.transport = rt
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(t *Transport) {
		if ua != "" {
			t.userAgent = ua
		}
	}
}

// WithAuthConfig uses basic credentials instead of the docker keychain.
func WithAuthConfig(username, password string) Option {
	return func(t *Transport) {
		if username != "" && password != "" {
			t.auth = &authn.Basic{Username: username, Password: password}
		}
	}
}

func WithKeychain(kc authn.Keychain) Option {
	return func(t *Transport) {
		if kc != nil {
			t.keychain = kc
		}
	}
}

// WithInsecure allows plain-HTTP registries.
func WithInsecure(insecure bool) Option {
	return func(t *Transport) { t.insecure = insecure }
}

// WithPlatform overrides the platform used to pick an image from an index.
func WithPlatform(p ocispec.Platform) Option {
	return func(t *Transport) { t.platform = platforms.Only(p) }
}

func WithLogger(log *logrus.Entry) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// New returns an OCI Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		transport: remote.DefaultTransport,
		userAgent: DefaultUserAgent,
		keychain:  authn.DefaultKeychain,
		platform:  platforms.Only(platforms.DefaultSpec()),
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.WithField("component", "transport/oci")
	return t
}

func (t *Transport) Kind() transport.Kind {
	return transport.KindOCI
}

func (t *Transport) parse(ref transport.Reference) (name.Reference, string, error) {
	s, rev := ref.Path, ref.Revision
	if !strings.Contains(s, "@") {
		if rev == "" {
			rev = transport.KindOCI.DefaultRevision()
		}
		s += ":" + rev
	}
	var nopts []name.Option
	if t.insecure {
		nopts = append(nopts, name.Insecure)
	}
	r, err := name.ParseReference(s, nopts...)
	if err != nil {
		return nil, "", types.NewReferenceError(ref.Raw, err)
	}
	return r, rev, nil
}

func (t *Transport) authenticator(repo name.Repository) (authn.Authenticator, error) {
	if t.auth != nil {
		return t.auth, nil
	}
	auth, err := t.keychain.Resolve(repo)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return auth, nil
}

func (t *Transport) remoteOptions(ctx context.Context, auth authn.Authenticator) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithTransport(t.transport),
		remote.WithUserAgent(t.userAgent),
		remote.WithAuth(auth),
	}
}

// Resolve fetches the manifest and describes the model layers.
func (t *Transport) Resolve(ctx context.Context, ref transport.Reference) (*transport.ResolvedModel, error) {
	nref, rev, err := t.parse(ref)
	if err != nil {
		return nil, err
	}
	repo := nref.Context()
	auth, err := t.authenticator(repo)
	if err != nil {
		return nil, err
	}

	desc, err := remote.Get(nref, t.remoteOptions(ctx, auth)...)
	if err != nil {
		return nil, mapError(ref.Raw, err)
	}
	img, err := t.image(ref.Raw, desc)
	if err != nil {
		return nil, err
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, mapError(ref.Raw, err)
	}

	objects, err := t.objects(ref.Raw, repo, manifest.Layers)
	if err != nil {
		return nil, err
	}

	rt, err := ggcrtransport.NewWithContext(ctx, repo.Registry, auth, t.transport, []string{repo.Scope(ggcrtransport.PullScope)})
	if err != nil {
		return nil, mapError(ref.Raw, err)
	}
	rt = ggcrtransport.NewUserAgent(rt, t.userAgent)

	refName := rev
	if refName == "" {
		refName = nref.Identifier()
	}
	t.log.WithFields(logrus.Fields{"reference": nref.Name(), "manifest": desc.Digest.String(), "objects": len(objects)}).Debug("Resolved image")
	return &transport.ResolvedModel{
		CanonicalName: ref.Canonical(rev),
		Kind:          transport.KindOCI,
		StoreName:     transport.StoreName(transport.KindOCI, strings.SplitN(ref.Path, "@", 2)[0]),
		RefName:       transport.SanitizeSegment(refName),
		Objects:       objects,
		Metadata: map[string]string{
			"registry":   repo.RegistryStr(),
			"repository": repo.RepositoryStr(),
			"manifest":   desc.Digest.String(),
		},
		Transport: rt,
	}, nil
}

// image returns desc as an image, choosing the host platform's manifest
// when desc is an index.
func (t *Transport) image(ref string, desc *remote.Descriptor) (v1.Image, error) {
	if !desc.MediaType.IsIndex() {
		img, err := desc.Image()
		if err != nil {
			return nil, mapError(ref, err)
		}
		return img, nil
	}
	idx, err := desc.ImageIndex()
	if err != nil {
		return nil, mapError(ref, err)
	}
	im, err := idx.IndexManifest()
	if err != nil {
		return nil, mapError(ref, err)
	}
	for _, m := range im.Manifests {
		if !m.MediaType.IsImage() {
			continue
		}
		// Artifact indexes often carry a single unplatformed manifest.
		if m.Platform == nil && len(im.Manifests) > 1 {
			continue
		}
		if m.Platform != nil && !t.platform.Match(ocispec.Platform{
			OS:           m.Platform.OS,
			Architecture: m.Platform.Architecture,
			Variant:      m.Platform.Variant,
		}) {
			continue
		}
		img, err := idx.Image(m.Digest)
		if err != nil {
			return nil, mapError(ref, err)
		}
		return img, nil
	}
	return nil, &types.NotFoundError{Reference: ref, Err: errors.New("no image for this platform in index")}
}

func (t *Transport) objects(ref string, repo name.Repository, layers []v1.Descriptor) ([]transport.RemoteObject, error) {
	seen := map[string]int{}
	var out []transport.RemoteObject
	for _, l := range layers {
		relPath, ok := l.Annotations[ocispec.AnnotationTitle]
		if !ok {
			base, known := types.DefaultFileName(l.MediaType)
			if !known {
				t.log.WithFields(logrus.Fields{"model": ref, "mediaType": l.MediaType}).Debug("Skipping non-model layer")
				continue
			}
			relPath = base
			if n := seen[base]; n > 0 {
				relPath = fmt.Sprintf("%s-%d", base, n)
			}
			seen[base]++
		}
		if err := transport.ValidateRelativePath(relPath); err != nil {
			return nil, fmt.Errorf("resolving %s: layer %s: %w", ref, l.Digest, err)
		}
		d, err := digest.Parse(l.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref, err)
		}
		out = append(out, transport.RemoteObject{
			Locator:        BlobURL(repo, l.Digest),
			ExpectedDigest: d,
			RelativePath:   relPath,
			SizeHint:       l.Size,
			MediaType:      l.MediaType,
		})
	}
	if len(out) == 0 {
		return nil, &types.NotFoundError{Reference: ref, Err: errors.New("image has no model layers")}
	}
	return out, nil
}

// BlobURL is the registry API URL of a blob in repo.
func BlobURL(repo name.Repository, d v1.Hash) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s",
		repo.Registry.Scheme(),
		repo.RegistryStr(),
		repo.RepositoryStr(),
		d.String())
}

// Exists issues a manifest HEAD.
func (t *Transport) Exists(ctx context.Context, ref transport.Reference) (bool, error) {
	nref, _, err := t.parse(ref)
	if err != nil {
		return false, err
	}
	auth, err := t.authenticator(nref.Context())
	if err != nil {
		return false, err
	}
	if _, err := remote.Head(nref, t.remoteOptions(ctx, auth)...); err != nil {
		err = mapError(ref.Raw, err)
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// mapError converts registry error codes to the error taxonomy.
func mapError(ref string, err error) error {
	var terr *ggcrtransport.Error
	if !errors.As(err, &terr) {
		return fmt.Errorf("registry request for %s: %w", ref, err)
	}
	for _, d := range terr.Errors {
		switch d.Code {
		case ggcrtransport.ManifestUnknownErrorCode, ggcrtransport.NameUnknownErrorCode, ggcrtransport.BlobUnknownErrorCode:
			return &types.NotFoundError{Reference: ref, Err: err}
		case ggcrtransport.UnauthorizedErrorCode, ggcrtransport.DeniedErrorCode:
			return &types.AuthError{Reference: ref, Err: err}
		}
	}
	switch terr.StatusCode {
	case http.StatusNotFound:
		return &types.NotFoundError{Reference: ref, Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &types.AuthError{Reference: ref, Err: err}
	}
	return fmt.Errorf("registry request for %s: %w", ref, err)
}
