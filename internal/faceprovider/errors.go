package faceprovider

import (
	"errors"
	"fmt"
)

var (
	ErrEnrollmentFailed   = errors.New("provider enrollment failed")
	ErrVerificationFailed = errors.New("provider verification failed")
	ErrDeletionFailed     = errors.New("provider deletion failed")
	ErrResponseMalformed  = errors.New("provider response malformed")
	ErrUnavailable        = errors.New("provider unavailable")
)

// MaxBodySnippet bounds how much of an upstream body is kept for diagnostics.
const MaxBodySnippet = 256

// Error describes a failed provider call together with upstream diagnostics.
type Error struct {
	Op         string
	Kind       error
	StatusCode int
	Body       string
	Err        error
}

// NewError builds an Error, truncating body to MaxBodySnippet bytes.
func NewError(op string, kind error, status int, body []byte, cause error) *Error {
	return &Error{Op: op, Kind: kind, StatusCode: status, Body: Truncate(body), Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += fmt.Sprintf(" body=%q", e.Body)
	}
	return msg
}

// Unwrap exposes both the error kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Truncate returns body as a string of at most MaxBodySnippet bytes.
func Truncate(body []byte) string {
	if len(body) > MaxBodySnippet {
		return string(body[:MaxBodySnippet]) + "..."
	}
	return string(body)
}

// IsProviderError reports whether err is any provider failure.
func IsProviderError(err error) bool {
	for _, kind := range []error{ErrEnrollmentFailed, ErrVerificationFailed, ErrDeletionFailed, ErrResponseMalformed, ErrUnavailable} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
