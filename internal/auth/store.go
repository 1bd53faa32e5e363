package auth

import (
	"context"
	"time"
)

// CredentialStore is the persistence contract for credential records. Every
// lookup returns ErrNotFound explicitly when the identifier does not resolve;
// backing-store failures wrap ErrStoreUnavailable.
//
// The record's active refresh token is the only mutable shared state in this
// core. Implementations must apply each mutation as a single atomic write per
// record; RotateActiveRefreshToken is a compare-and-set so concurrent refresh
// calls cannot both win.
type CredentialStore interface {
	Create(ctx context.Context, username, email, fullName, passwordHash string) (User, error)
	FindByIdentifier(ctx context.Context, identifier string) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)

	// SetActiveRefreshToken overwrites the stored token id unconditionally.
	// A nil tokenID clears it, ending the session.
	SetActiveRefreshToken(ctx context.Context, userID string, tokenID *string, expiresAt time.Time) error

	// RotateActiveRefreshToken replaces currentTokenID with newTokenID only if
	// currentTokenID is still the stored value. Returns false when the stored
	// value no longer matches, which callers treat as token reuse.
	RotateActiveRefreshToken(ctx context.Context, userID, currentTokenID, newTokenID string, expiresAt time.Time) (bool, error)

	// UpdatePasswordHash replaces the hash and clears the active refresh token
	// in the same atomic update, forcing re-login everywhere.
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
}

// LockoutStore tracks failed login attempts per identifier.
type LockoutStore interface {
	GetLoginAttempt(ctx context.Context, identifier string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, identifier string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, identifier string) error
}
