package distribution

import (
	"github.com/docker/model-store/pkg/distribution/types"
)

// Errors returned by the client match these with errors.Is.
var (
	ErrInvalidReference = types.ErrInvalidReference
	ErrModelNotFound    = types.ErrNotFound
	ErrUnauthorized     = types.ErrUnauthorized
	ErrIntegrity        = types.ErrIntegrity
	ErrLockTimeout      = types.ErrLockTimeout
	ErrCorruptReference = types.ErrCorruptReference
)

type (
	// PullError annotates a failed pull with the model and the stage it
	// failed in.
	PullError      = types.PullError
	ReferenceError = types.ReferenceError
)
