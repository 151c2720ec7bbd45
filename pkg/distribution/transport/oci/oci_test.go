package oci

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/types"
)

func newRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func modelImage(t *testing.T, layers ...mutate.Addendum) v1.Image {
	t.Helper()
	img := mutate.MediaType(empty.Image, ggcrtypes.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.MediaTypeModelConfigV01)
	img, err := mutate.Append(img, layers...)
	require.NoError(t, err)
	return img
}

func addendum(content string, mt ggcrtypes.MediaType, title string) mutate.Addendum {
	a := mutate.Addendum{Layer: static.NewLayer([]byte(content), mt), MediaType: mt}
	if title != "" {
		a.Annotations = map[string]string{ocispec.AnnotationTitle: title}
	}
	return a
}

func push(t *testing.T, ref string, img v1.Image) {
	t.Helper()
	tag, err := name.NewTag(ref)
	require.NoError(t, err)
	require.NoError(t, remote.Write(tag, img))
}

func parse(t *testing.T, s string) transport.Reference {
	t.Helper()
	ref, err := transport.ParseReference(s, "")
	require.NoError(t, err)
	return ref
}

func newTransport() *Transport {
	return New(WithKeychain(authn.NewMultiKeychain()))
}

func TestResolve(t *testing.T) {
	host := newRegistry(t)
	img := modelImage(t,
		addendum("gguf weights", types.MediaTypeGGUF, "tiny.Q4.gguf"),
		addendum("MIT", types.MediaTypeLicense, ""),
		addendum("Apache", types.MediaTypeLicense, ""),
		addendum("ignored", ggcrtypes.DockerLayer, ""),
	)
	push(t, host+"/models/tiny:latest", img)

	rm, err := newTransport().Resolve(context.Background(), parse(t, "oci://"+host+"/models/tiny"))
	require.NoError(t, err)

	assert.Equal(t, "oci://"+host+"/models/tiny:latest", rm.CanonicalName)
	assert.Equal(t, transport.StoreName(transport.KindOCI, host, "models", "tiny"), rm.StoreName)
	assert.Equal(t, "latest", rm.RefName)
	require.NotNil(t, rm.Transport)

	manifest, err := img.Manifest()
	require.NoError(t, err)
	require.Len(t, rm.Objects, 3)
	assert.Equal(t, "tiny.Q4.gguf", rm.Objects[0].RelativePath)
	assert.Equal(t, "LICENSE", rm.Objects[1].RelativePath)
	assert.Equal(t, "LICENSE-1", rm.Objects[2].RelativePath)
	for i, o := range rm.Objects {
		assert.Equal(t, manifest.Layers[i].Digest.String(), o.ExpectedDigest.String())
		assert.Equal(t, manifest.Layers[i].Size, o.SizeHint)
	}

	// Objects download as plain blobs through the resolved transport.
	resp, err := (&http.Client{Transport: rm.Transport}).Get(rm.Objects[0].Locator)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "gguf weights", string(body))
}

func TestResolveIndex(t *testing.T) {
	host := newRegistry(t)
	spec := platforms.DefaultSpec()
	mine := modelImage(t, addendum("host weights", types.MediaTypeGGUF, ""))
	other := modelImage(t, addendum("other weights", types.MediaTypeGGUF, ""))

	otherArch := "s390x"
	if spec.Architecture == otherArch {
		otherArch = "riscv64"
	}
	idx := mutate.AppendManifests(empty.Index,
		mutate.IndexAddendum{Add: other, Descriptor: v1.Descriptor{Platform: &v1.Platform{OS: spec.OS, Architecture: otherArch}}},
		mutate.IndexAddendum{Add: mine, Descriptor: v1.Descriptor{Platform: &v1.Platform{OS: spec.OS, Architecture: spec.Architecture, Variant: spec.Variant}}},
	)
	tag, err := name.NewTag(host + "/models/multi:v1")
	require.NoError(t, err)
	require.NoError(t, remote.WriteIndex(tag, idx))

	rm, err := newTransport().Resolve(context.Background(), parse(t, "oci://"+host+"/models/multi:v1"))
	require.NoError(t, err)
	require.Len(t, rm.Objects, 1)
	want, err := mine.Manifest()
	require.NoError(t, err)
	assert.Equal(t, want.Layers[0].Digest.String(), rm.Objects[0].ExpectedDigest.String())
	assert.Equal(t, "model.gguf", rm.Objects[0].RelativePath)
	assert.Equal(t, "v1", rm.RefName)
}

func TestResolveByDigest(t *testing.T) {
	host := newRegistry(t)
	img := modelImage(t, addendum("w", types.MediaTypeSafetensors, ""))
	push(t, host+"/models/st:latest", img)
	d, err := img.Digest()
	require.NoError(t, err)

	rm, err := newTransport().Resolve(context.Background(), parse(t, "oci://"+host+"/models/st@"+d.String()))
	require.NoError(t, err)
	assert.Equal(t, transport.StoreName(transport.KindOCI, host, "models", "st"), rm.StoreName)
	assert.Equal(t, "sha256-"+d.Hex, rm.RefName)
	assert.Equal(t, "model.safetensors", rm.Objects[0].RelativePath)
}

func TestResolveErrors(t *testing.T) {
	host := newRegistry(t)
	push(t, host+"/models/plain:latest", modelImage(t, addendum("x", ggcrtypes.DockerLayer, "")))
	push(t, host+"/models/escape:latest", modelImage(t, addendum("x", types.MediaTypeGGUF, "../evil.gguf")))
	tr := newTransport()

	_, err := tr.Resolve(context.Background(), parse(t, "oci://"+host+"/models/missing"))
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = tr.Resolve(context.Background(), parse(t, "oci://"+host+"/models/plain"))
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	_, err = tr.Resolve(context.Background(), parse(t, "oci://"+host+"/models/escape"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrNotFound))
}

func TestResolveUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/" {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"errors":[{"code":"DENIED","message":"no"}]}`)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	_, err := newTransport().Resolve(context.Background(), parse(t, "oci://"+host+"/private/model"))
	assert.True(t, errors.Is(err, types.ErrUnauthorized), "got %v", err)
}

func TestExists(t *testing.T) {
	host := newRegistry(t)
	push(t, host+"/models/tiny:latest", modelImage(t, addendum("w", types.MediaTypeGGUF, "")))
	tr := newTransport()

	ok, err := tr.Exists(context.Background(), parse(t, "oci://"+host+"/models/tiny"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Exists(context.Background(), parse(t, "oci://"+host+"/models/tiny:other"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobURL(t *testing.T) {
	repo, err := name.NewRepository("registry.example.com/ai/model")
	require.NoError(t, err)
	h := v1.Hash{Algorithm: "sha256", Hex: strings.Repeat("a", 64)}
	assert.Equal(t, "https://registry.example.com/v2/ai/model/blobs/sha256:"+strings.Repeat("a", 64), BlobURL(repo, h))
}
