package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
)

var (
	ErrInvalidReference   = errors.New("invalid model reference")
	ErrNotFound           = errors.New("model not found")
	ErrUnauthorized       = errors.New("unauthorized access to model")
	ErrAmbiguousReference = errors.New("ambiguous model reference")
	ErrTransfer           = errors.New("transfer failed")
	ErrIntegrity          = errors.New("content digest mismatch")
	ErrCorruptReference   = errors.New("corrupt reference file")
	ErrCorruptSnapshot    = errors.New("corrupt snapshot file")
	ErrLockTimeout        = errors.New("timed out waiting for model lock")
)

// Stage names a state of the pull state machine.
type Stage string

const (
	StageResolving  Stage = "RESOLVING"
	StageDiffing    Stage = "DIFFING"
	StageFetching   Stage = "FETCHING"
	StageVerifying  Stage = "VERIFYING"
	StagePublishing Stage = "PUBLISHING"
	StageDone       Stage = "DONE"
	StageFailed     Stage = "FAILED"
)

// ReferenceError represents an error related to an invalid model reference
type ReferenceError struct {
	Reference string
	Err       error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("invalid model reference %q: %v", e.Reference, e.Err)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

// Is implements error matching for ReferenceError
func (e *ReferenceError) Is(target error) bool {
	return target == ErrInvalidReference || target == errdefs.ErrInvalidArgument
}

// NotFoundError reports that a reference does not exist upstream or locally.
type NotFoundError struct {
	Reference string
	Err       error
}

func (e *NotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model %q not found", e.Reference)
	}
	return fmt.Sprintf("model %q not found: %v", e.Reference, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == errdefs.ErrNotFound
}

// AuthError reports missing or rejected credentials.
type AuthError struct {
	Reference string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required for %q (supply credentials for this registry): %v", e.Reference, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized || target == errdefs.ErrUnauthenticated
}

// AmbiguousReferenceError reports a reference matching several upstream entities.
type AmbiguousReferenceError struct {
	Reference  string
	Candidates []string
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("reference %q is ambiguous, select one of: %s", e.Reference, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousReferenceError) Is(target error) bool {
	return target == ErrAmbiguousReference || target == errdefs.ErrInvalidArgument
}

// TransferError is returned once a fetch has exhausted its retry budget.
type TransferError struct {
	Locator   string
	Attempts  int
	LastCause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s failed after %d attempts: %v", e.Locator, e.Attempts, e.LastCause)
}

func (e *TransferError) Unwrap() error {
	return e.LastCause
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer || target == errdefs.ErrUnavailable
}

// IntegrityError reports content whose digest differs from the expected one.
type IntegrityError struct {
	Path     string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity || target == errdefs.ErrDataLoss
}

// CorruptReferenceError reports an unreadable reference file.
type CorruptReferenceError struct {
	Path string
	Err  error
}

func (e *CorruptReferenceError) Error() string {
	return fmt.Sprintf("corrupt reference file %s: %v", e.Path, e.Err)
}

func (e *CorruptReferenceError) Unwrap() error {
	return e.Err
}

func (e *CorruptReferenceError) Is(target error) bool {
	return target == ErrCorruptReference || target == errdefs.ErrDataLoss
}

// CorruptSnapshotError reports an unreadable or incomplete snapshot file.
type CorruptSnapshotError struct {
	Path string
	Err  error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("corrupt snapshot file %s: %v", e.Path, e.Err)
}

func (e *CorruptSnapshotError) Unwrap() error {
	return e.Err
}

func (e *CorruptSnapshotError) Is(target error) bool {
	return target == ErrCorruptSnapshot || target == errdefs.ErrDataLoss
}

// LockTimeoutError reports that a model lock could not be acquired in time.
type LockTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for lock on %s", e.Timeout, e.Name)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout || target == errdefs.ErrConflict
}

// PullError annotates a pull failure with the model and the failing stage.
// It unwraps to the underlying typed error.
type PullError struct {
	Model string
	Stage Stage
	Err   error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("failed to pull model %q during %s: %v", e.Model, e.Stage, e.Err)
}

func (e *PullError) Unwrap() error {
	return e.Err
}

// NewReferenceError creates a new ReferenceError
func NewReferenceError(reference string, err error) error {
	return &ReferenceError{
		Reference: reference,
		Err:       err,
	}
}
