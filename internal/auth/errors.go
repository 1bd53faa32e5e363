package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidInput marks malformed requests, e.g. an empty password.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCredentials is returned for both an unknown identifier and a
	// wrong password so callers cannot tell which check failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthorized covers missing, expired, invalid and reused tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUserExists is returned when a registration collides with an existing
	// username or email.
	ErrUserExists = errors.New("user already exists")

	// ErrNotFound is returned by the credential store when an identifier or
	// user id does not resolve to a record.
	ErrNotFound = errors.New("credential record not found")

	// ErrStoreUnavailable wraps backing-store failures. The driver cause stays
	// in the error chain; handlers map it to a retryable server error.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}
