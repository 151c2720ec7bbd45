package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
)

func TestDefaultFileName(t *testing.T) {
	tests := []struct {
		mediaType types.MediaType
		name      string
		ok        bool
	}{
		{MediaTypeGGUF, "model.gguf", true},
		{MediaTypeLicense, "LICENSE", true},
		{MediaTypeOllamaModel, "model.gguf", true},
		{MediaTypeOllamaTemplate, "template", true},
		{types.MediaType(string(MediaTypeSafetensors) + "; name=shard"), "model.safetensors", true},
		{MediaTypeModelConfigV01, "", false},
		{types.OCILayer, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mediaType), func(t *testing.T) {
			name, ok := DefaultFileName(tt.mediaType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.ok, IsModelLayer(tt.mediaType))
		})
	}
}

func TestIsWeights(t *testing.T) {
	assert.True(t, IsWeights(MediaTypeGGUF))
	assert.True(t, IsWeights(MediaTypeOllamaModel))
	assert.False(t, IsWeights(MediaTypeLicense))
	assert.False(t, IsWeights(MediaTypeOllamaParams))
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name     string
		err      error
		sentinel error
		class    func(error) bool
	}{
		{"reference", NewReferenceError("ftp://x", cause), ErrInvalidReference, errdefs.IsInvalidArgument},
		{"not found", &NotFoundError{Reference: "hf://a/b"}, ErrNotFound, errdefs.IsNotFound},
		{"auth", &AuthError{Reference: "hf://a/b", Err: cause}, ErrUnauthorized, errdefs.IsUnauthorized},
		{"ambiguous", &AmbiguousReferenceError{Reference: "m", Candidates: []string{"a", "b"}}, ErrAmbiguousReference, errdefs.IsInvalidArgument},
		{"transfer", &TransferError{Locator: "u", Attempts: 3, LastCause: cause}, ErrTransfer, errdefs.IsUnavailable},
		{"integrity", &IntegrityError{Path: "p", Expected: digest.FromString("a"), Actual: digest.FromString("b")}, ErrIntegrity, errdefs.IsDataLoss},
		{"corrupt reference", &CorruptReferenceError{Path: "p", Err: cause}, ErrCorruptReference, errdefs.IsDataLoss},
		{"corrupt snapshot", &CorruptSnapshotError{Path: "p", Err: cause}, ErrCorruptSnapshot, errdefs.IsDataLoss},
		{"lock timeout", &LockTimeoutError{Name: "m", Timeout: time.Second}, ErrLockTimeout, errdefs.IsConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := &PullError{Model: "m", Stage: StageFetching, Err: fmt.Errorf("fetching: %w", tt.err)}
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.True(t, tt.class(wrapped))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &PullError{Model: "hf://org/repo:main", Stage: StageVerifying, Err: &IntegrityError{
		Path:     "model.gguf",
		Expected: digest.FromString("a"),
		Actual:   digest.FromString("b"),
	}}
	assert.Contains(t, err.Error(), `"hf://org/repo:main" during VERIFYING`)
	assert.Contains(t, err.Error(), "digest mismatch for model.gguf")

	amb := &AmbiguousReferenceError{Reference: "llama", Candidates: []string{"a", "b"}}
	assert.Contains(t, amb.Error(), "select one of: a, b")

	var transfer *TransferError
	assert.ErrorAs(t, fmt.Errorf("x: %w", &TransferError{Locator: "u", Attempts: 5}), &transfer)
	assert.Equal(t, 5, transfer.Attempts)
}
