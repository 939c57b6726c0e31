package instance

import (
	"errors"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

var (
	// ErrNotFound is returned when an instance or token does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a name is already taken or a write lost a race
	ErrConflict = errors.New("conflict")
	// ErrInvalidOperation is returned for operations forbidden in the current state
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrStoreUnavailable wraps every backing store failure
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError is returned for malformed names, tokens and payloads.
type ValidationError = models.ValidationError

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
