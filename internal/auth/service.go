package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute

	refreshTokenIDBytes = 32
)

// Service owns the session state machine: login, refresh with rotation and
// reuse detection, logout, and password change. It composes the password
// hasher, the token codec and the credential store and holds no state of its
// own beyond configuration.
type Service struct {
	store        CredentialStore
	lockouts     LockoutStore
	codec        *TokenCodec
	maxAttempts  int
	lockDuration time.Duration
}

func NewService(store CredentialStore, lockouts LockoutStore, codec *TokenCodec) *Service {
	return &Service{
		store:        store,
		lockouts:     lockouts,
		codec:        codec,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
	}
}

func (s *Service) WithLockoutConfig(maxAttempts int, lockDuration time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
}

func (s *Service) Register(ctx context.Context, username, email, fullName, password string) (Profile, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	email = strings.TrimSpace(strings.ToLower(email))
	fullName = strings.TrimSpace(fullName)

	if username == "" || email == "" || fullName == "" {
		return Profile{}, fmt.Errorf("%w: username, email and full name are required", ErrInvalidInput)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return Profile{}, err
	}

	user, err := s.store.Create(ctx, username, email, fullName, hash)
	if err != nil {
		return Profile{}, err
	}

	return user.Profile(), nil
}

// Login resolves the credential record and verifies the password. An unknown
// identifier and a wrong password return the identical error so the response
// never reveals which check failed. The password is compared verbatim; hashing
// never normalized it, so login must not either.
func (s *Service) Login(ctx context.Context, identifier, password string) (Tokens, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))

	if identifier == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	attempt, err := s.lockouts.GetLoginAttempt(ctx, identifier)
	if err != nil {
		return Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.store.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tokens{}, s.failLogin(ctx, identifier, now)
		}
		return Tokens{}, err
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return Tokens{}, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return Tokens{}, s.failLogin(ctx, identifier, now)
	}

	if err := s.lockouts.ResetLoginAttempt(ctx, identifier); err != nil {
		return Tokens{}, err
	}

	return s.issueSession(ctx, user.ID)
}

func (s *Service) failLogin(ctx context.Context, identifier string, now time.Time) error {
	lockedUntil, err := s.lockouts.RegisterFailedAttempt(ctx, identifier, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// Refresh consumes the presented refresh token and mints a replacement pair.
// A structurally valid token whose id no longer matches the stored one is
// reuse of a stale or stolen token and gets the same unauthorized error as any
// other bad token. The stored id stays untouched, so the rotation chain the
// server currently trusts keeps working.
func (s *Service) Refresh(ctx context.Context, presented string) (Tokens, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return Tokens{}, ErrUnauthorized
	}

	claims, err := s.codec.Verify(presented, TokenClassRefresh)
	if err != nil {
		return Tokens{}, ErrUnauthorized
	}

	user, err := s.store.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tokens{}, ErrUnauthorized
		}
		return Tokens{}, err
	}

	// Absence and mismatch are deliberately indistinguishable to the caller.
	if user.ActiveRefreshTokenID == nil || *user.ActiveRefreshTokenID != claims.TokenID {
		return Tokens{}, ErrUnauthorized
	}

	newTokenID, err := newRefreshTokenID()
	if err != nil {
		return Tokens{}, err
	}

	rotated, err := s.store.RotateActiveRefreshToken(ctx, user.ID, claims.TokenID, newTokenID, time.Now().UTC().Add(s.codec.RefreshTTL()))
	if err != nil {
		return Tokens{}, err
	}
	if !rotated {
		// Lost a concurrent rotation on the same record. The winner's token id
		// is now authoritative; the presented one is stale, which is reuse.
		return Tokens{}, ErrUnauthorized
	}

	return s.issueTokens(user.ID, newTokenID)
}

// Logout clears the active refresh token. Logging out twice is not an error.
func (s *Service) Logout(ctx context.Context, userID string) error {
	err := s.store.SetActiveRefreshToken(ctx, userID, nil, time.Time{})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// ChangePassword verifies the old password, stores the new hash and clears the
// active refresh token in the same logical update, so every outstanding
// session has to log in again.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return fmt.Errorf("%w: new password must not be empty", ErrInvalidInput)
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	match, err := VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify old password: %w", err)
	}
	if !match {
		return ErrInvalidCredentials
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	return s.store.UpdatePasswordHash(ctx, userID, newHash)
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (Profile, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return user.Profile(), nil
}

func (s *Service) issueSession(ctx context.Context, userID string) (Tokens, error) {
	tokenID, err := newRefreshTokenID()
	if err != nil {
		return Tokens{}, err
	}

	// Persisting the new id atomically discards any prior session for this
	// user, even if its refresh token has not expired yet.
	expiresAt := time.Now().UTC().Add(s.codec.RefreshTTL())
	if err := s.store.SetActiveRefreshToken(ctx, userID, &tokenID, expiresAt); err != nil {
		return Tokens{}, err
	}

	return s.issueTokens(userID, tokenID)
}

func (s *Service) issueTokens(userID, tokenID string) (Tokens, error) {
	access, err := s.codec.IssueAccess(userID)
	if err != nil {
		return Tokens{}, err
	}

	refresh, err := s.codec.IssueRefresh(userID, tokenID)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

func newRefreshTokenID() (string, error) {
	b := make([]byte, refreshTokenIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
