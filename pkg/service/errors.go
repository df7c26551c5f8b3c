package service

import (
	"errors"
	"fmt"
)

// Caller-facing error kinds. Handlers map these onto HTTP statuses; nothing
// in this package panics across the store boundary.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrVersionNotFound      = errors.New("version not found in group")

	// ErrInvalidState covers misdirected operations, e.g. editing an
	// assistant message or regenerating with no resolvable user parent.
	ErrInvalidState = errors.New("invalid message state for operation")

	// ErrIntegrityViolation is returned when a transaction would commit a
	// version group with more than one active member. The transaction is
	// rolled back; state is unchanged.
	ErrIntegrityViolation = errors.New("version tree integrity violation")
)

// GenerationError wraps a failure of the generation collaborator. The store
// mutation preceding the call is deliberately not rolled back: the user-side
// message stays active with no reply, and the caller may retry regenerate.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGenerationError reports whether err is (or wraps) a GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
