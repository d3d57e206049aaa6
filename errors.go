package strongroom

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrInvalidCredentials indicates a derived key failed to authenticate any
	// wrapped key. Surfaced to users as "wrong password".
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCorruptContainer indicates a container whose header is malformed or
	// fails authentication for reasons not explained by a wrong password.
	ErrCorruptContainer = errors.New("container is corrupted or unreadable")

	// ErrRotationInterrupted indicates a rotation journal was found pending at
	// startup. The vault requires a password unlock so the rotation can be
	// resumed; fast-path unlock must not be offered.
	ErrRotationInterrupted = errors.New("password rotation was interrupted")

	// ErrAuthFailed is the raw AEAD authentication failure underlying the two
	// errors above.
	ErrAuthFailed = errors.New("authentication failed - data may be corrupted or tampered")

	ErrVaultLocked         = errors.New("vault is locked")
	ErrVaultNotInitialized = errors.New("vault is not initialized")
	ErrVaultInitialized    = errors.New("vault is already initialized")
	ErrInvalidHeader       = errors.New("invalid container header")
	ErrUnsupportedVersion  = errors.New("unsupported container format version")
	ErrUnsupportedCipher   = errors.New("unsupported cipher suite")
	ErrInvalidKey          = errors.New("invalid encryption key")
	ErrNilConfig           = errors.New("config cannot be nil")
)

// ContainerError represents a failure reading, writing, or re-wrapping a
// single container file.
type ContainerError struct {
	Operation string // "seal", "open", "rewrap", "shred", etc.
	Path      string // Container path
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *ContainerError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("container %s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("container %s error: %s", e.Operation, e.Message)
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}

// RotationError represents a failure during a password rotation. The journal
// is left in place so the rotation can be resumed or retried.
type RotationError struct {
	Step    RotationStep // Step that was in progress
	Message string       // Human-readable error message
	Err     error        // Underlying error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotation error at step %s: %s", e.Step, e.Message)
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

// newContainerError creates a new container error
func newContainerError(operation, path string, err error) error {
	return &ContainerError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// newRotationError creates a new rotation error
func newRotationError(step RotationStep, err error) error {
	return &RotationError{
		Step:    step,
		Message: err.Error(),
		Err:     err,
	}
}

// IsContainerError checks if an error is a container error
func IsContainerError(err error) bool {
	var ce *ContainerError
	return errors.As(err, &ce)
}

// IsRotationError checks if an error is a rotation error
func IsRotationError(err error) bool {
	var re *RotationError
	return errors.As(err, &re)
}
