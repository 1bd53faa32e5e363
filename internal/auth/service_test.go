package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory CredentialStore + LockoutStore used across the
// package tests. Mutations take the same single-record shape as the Postgres
// implementation, including the compare-and-set rotation.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*User
	attempts map[string]*LoginAttempt
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*User),
		attempts: make(map[string]*LoginAttempt),
	}
}

func (f *fakeStore) Create(_ context.Context, username, email, fullName, passwordHash string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return User{}, f.failWith
	}

	for _, u := range f.users {
		if u.Username == username || u.Email == email {
			return User{}, ErrUserExists
		}
	}

	now := time.Now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.users[user.ID] = user

	return *user, nil
}

func (f *fakeStore) FindByIdentifier(_ context.Context, identifier string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return User{}, f.failWith
	}

	for _, u := range f.users {
		if u.Username == identifier || u.Email == identifier {
			return *u, nil
		}
	}

	return User{}, ErrNotFound
}

func (f *fakeStore) FindByID(_ context.Context, userID string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return User{}, f.failWith
	}

	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}

	return *u, nil
}

func (f *fakeStore) SetActiveRefreshToken(_ context.Context, userID string, tokenID *string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}

	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}

	if tokenID == nil {
		u.ActiveRefreshTokenID = nil
		u.RefreshExpiresAt = nil
		return nil
	}

	value := *tokenID
	expires := expiresAt.UTC()
	u.ActiveRefreshTokenID = &value
	u.RefreshExpiresAt = &expires

	return nil
}

func (f *fakeStore) RotateActiveRefreshToken(_ context.Context, userID, currentTokenID, newTokenID string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}

	u, ok := f.users[userID]
	if !ok {
		return false, nil
	}
	if u.ActiveRefreshTokenID == nil || *u.ActiveRefreshTokenID != currentTokenID {
		return false, nil
	}

	expires := expiresAt.UTC()
	u.ActiveRefreshTokenID = &newTokenID
	u.RefreshExpiresAt = &expires

	return true, nil
}

func (f *fakeStore) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}

	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}

	u.PasswordHash = newHash
	u.ActiveRefreshTokenID = nil
	u.RefreshExpiresAt = nil

	return nil
}

func (f *fakeStore) GetLoginAttempt(_ context.Context, identifier string) (LoginAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.attempts[identifier]; ok {
		return *a, nil
	}

	return LoginAttempt{Identifier: identifier}, nil
}

func (f *fakeStore) RegisterFailedAttempt(_ context.Context, identifier string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.attempts[identifier]
	if !ok {
		a = &LoginAttempt{Identifier: identifier}
		f.attempts[identifier] = a
	}

	a.FailedAttempts++
	if a.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		a.LockedUntil = &until
		a.FailedAttempts = 0
		return &until, nil
	}

	return nil, nil
}

func (f *fakeStore) ResetLoginAttempt(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attempts, identifier)
	return nil
}

func newTestCodec(t *testing.T) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec("access-secret-for-tests", "refresh-secret-for-tests", 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	return codec
}

func newTestService(t *testing.T) (*Service, *fakeStore, *TokenCodec) {
	t.Helper()
	store := newFakeStore()
	codec := newTestCodec(t)
	return NewService(store, store, codec), store, codec
}

func registerAlice(t *testing.T, svc *Service) Profile {
	t.Helper()
	profile, err := svc.Register(context.Background(), "alice", "alice@example.com", "Alice Doe", "S3cret!pass")
	require.NoError(t, err)
	return profile
}

func TestRegisterAndLoginRoundTrip(t *testing.T) {
	svc, _, codec := newTestService(t)
	ctx := context.Background()

	profile := registerAlice(t, svc)
	assert.Equal(t, "alice", profile.Username)

	tokens, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	claims, err := codec.Verify(tokens.AccessToken, TokenClassAccess)
	require.NoError(t, err)
	assert.Equal(t, profile.ID, claims.UserID)
}

func TestLoginAcceptsWhitespacePaddedPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "bob", "bob@example.com", "Bob", " spaced pass ")
	require.NoError(t, err)

	// The padded password is the credential; only the exact value matches.
	_, err = svc.Login(ctx, "bob", " spaced pass ")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "bob", "spaced pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginByEmail(t *testing.T) {
	svc, _, _ := newTestService(t)

	registerAlice(t, svc)

	_, err := svc.Login(context.Background(), "alice@example.com", "S3cret!pass")
	require.NoError(t, err)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	_, unknownErr := svc.Login(ctx, "nobody", "S3cret!pass")
	_, wrongPassErr := svc.Login(ctx, "alice", "wrong-password")

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongPassErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongPassErr.Error())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	_, err := svc.Register(ctx, "alice", "other@example.com", "Other", "password123")
	require.ErrorIs(t, err, ErrUserExists)

	_, err = svc.Register(ctx, "other", "alice@example.com", "Other", "password123")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestRegisterRejectsEmptyPassword(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Register(context.Background(), "bob", "bob@example.com", "Bob", "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoginReplacesPriorSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	first, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	second, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	// The first session's refresh token is no longer honored, while the
	// second one became the authoritative session.
	_, err = svc.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRotationChain(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	p1, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	p2, err := svc.Refresh(ctx, p1.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, p1.RefreshToken, p2.RefreshToken)

	// The consumed token is permanently rejected.
	_, err = svc.Refresh(ctx, p1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshReuseKeepsRotationChainIntact(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	p1, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	p2, err := svc.Refresh(ctx, p1.RefreshToken)
	require.NoError(t, err)

	// Reuse of the consumed token stays rejected, repeatedly.
	_, err = svc.Refresh(ctx, p1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Refresh(ctx, p1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	// The rotated-out replacement continues the chain.
	p3, err := svc.Refresh(ctx, p2.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, p2.RefreshToken, p3.RefreshToken)
}

func TestRefreshAfterLogoutFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	profile := registerAlice(t, svc)

	tokens, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, profile.ID))

	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	profile := registerAlice(t, svc)

	_, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, profile.ID))
	require.NoError(t, svc.Logout(ctx, profile.ID))
}

func TestRefreshRejectsForgedAndGarbageTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	_, err := svc.Refresh(ctx, "not-a-token")
	require.ErrorIs(t, err, ErrUnauthorized)

	// A token signed with a different refresh secret.
	other, err := NewTokenCodec("access-secret-for-tests", "some-other-refresh-secret", time.Minute, time.Hour)
	require.NoError(t, err)
	forged, err := other.IssueRefresh("whoever", "some-token-id")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, forged)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshRejectsAccessTokenPresentedAsRefresh(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	tokens, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, tokens.AccessToken)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestChangePasswordInvalidatesSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	profile := registerAlice(t, svc)

	tokens, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(ctx, profile.ID, "S3cret!pass", "N3w!password"))

	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Login(ctx, "alice", "S3cret!pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "alice", "N3w!password")
	require.NoError(t, err)
}

func TestChangePasswordWrongOldLeavesSessionIntact(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	profile := registerAlice(t, svc)

	tokens, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, profile.ID, "wrong-old", "N3w!password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Existing session still refreshes and the old password still works.
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.WithLockoutConfig(3, time.Minute)
	ctx := context.Background()

	registerAlice(t, svc)

	for i := 0; i < 2; i++ {
		_, err := svc.Login(ctx, "alice", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := svc.Login(ctx, "alice", "wrong-password")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)

	// Even the correct password is rejected while the lock holds.
	_, err = svc.Login(ctx, "alice", "S3cret!pass")
	require.ErrorAs(t, err, &locked)
}

func TestLoginSurfacesStoreFailure(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	store.failWith = storeErr("query user by identifier", errors.New("connection refused"))
	_, err := svc.Login(ctx, "alice", "S3cret!pass")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestFullScenario(t *testing.T) {
	svc, _, codec := newTestService(t)
	ctx := context.Background()

	profile, err := svc.Register(ctx, "alice", "alice@example.com", "Alice Doe", "S3cret!")
	require.NoError(t, err)

	p1, err := svc.Login(ctx, "alice", "S3cret!")
	require.NoError(t, err)

	claims, err := codec.Verify(p1.AccessToken, TokenClassAccess)
	require.NoError(t, err)
	require.Equal(t, profile.ID, claims.UserID)

	p2, err := svc.Refresh(ctx, p1.RefreshToken)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, p1.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Refresh(ctx, p2.RefreshToken)
	require.NoError(t, err)
}
