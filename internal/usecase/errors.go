package usecase

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateIdentity = errors.New("identity with this email already exists")
	ErrNotFound          = errors.New("identity not found")
	ErrStore             = errors.New("identity store failure")
)

// ValidationError names the first missing or empty input field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " is required"
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
