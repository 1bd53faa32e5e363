package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres-backed CredentialStore and LockoutStore. All
// mutations of a credential record are single-statement writes so the
// single-active-session invariant cannot be lost to interleaved updates.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, username, email, full_name, password_hash, active_refresh_token_id, refresh_expires_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	var tokenID sql.NullString
	var refreshExpires sql.NullTime

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&tokenID,
		&refreshExpires,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	if tokenID.Valid {
		value := tokenID.String
		user.ActiveRefreshTokenID = &value
	}
	if refreshExpires.Valid {
		value := refreshExpires.Time.UTC()
		user.RefreshExpiresAt = &value
	}

	return user, nil
}

func (r *Repository) Create(ctx context.Context, username, email, fullName, passwordHash string) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, full_name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id.String(), username, email, fullName, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, storeErr("insert user", err)
	}

	return r.FindByID(ctx, id.String())
}

func (r *Repository) FindByIdentifier(ctx context.Context, identifier string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1 OR email = $1
	`, identifier)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, storeErr("query user by identifier", err)
	}

	return user, nil
}

func (r *Repository) FindByID(ctx context.Context, userID string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, storeErr("query user by id", err)
	}

	return user, nil
}

func (r *Repository) SetActiveRefreshToken(ctx context.Context, userID string, tokenID *string, expiresAt time.Time) error {
	var tokenValue, expiresValue any
	if tokenID != nil {
		tokenValue = *tokenID
		expiresValue = expiresAt.UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET active_refresh_token_id = $2, refresh_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, tokenValue, expiresValue)
	if err != nil {
		return storeErr("set active refresh token", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("set active refresh token rows affected", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) RotateActiveRefreshToken(ctx context.Context, userID, currentTokenID, newTokenID string, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET active_refresh_token_id = $3, refresh_expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND active_refresh_token_id = $2
	`, userID, currentTokenID, newTokenID, expiresAt.UTC())
	if err != nil {
		return false, storeErr("rotate refresh token", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("rotate refresh token rows affected", err)
	}

	return affected == 1, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, active_refresh_token_id = NULL, refresh_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, userID, newHash)
	if err != nil {
		return storeErr("update password hash", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update password hash rows affected", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, identifier string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Identifier = identifier

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE identifier = $1
	`, identifier).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, storeErr("query login attempt", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (r *Repository) RegisterFailedAttempt(ctx context.Context, identifier string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin login attempt tx", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE identifier = $1
		FOR UPDATE
	`, identifier).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			failed = 0
			lockedUntil = sql.NullTime{}
		} else {
			return nil, storeErr("lock login attempt row", err)
		}
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, storeErr("commit existing lock tx", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (identifier, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, identifier, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, storeErr("upsert failed login attempt", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit login attempt tx", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, identifier string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE identifier = $1
	`, identifier)
	if err != nil {
		return storeErr("reset login attempts", err)
	}

	return nil
}

func (r *Repository) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
					ELSE auth_login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
					ELSE auth_login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, storeErr("upsert login ip rate limit", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

type CleanupResult struct {
	ClearedRefreshTokens int64 `json:"cleared_refresh_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}

// CleanupStaleAuthData nulls out refresh-token ids whose tokens expired long
// ago and drops stale lockout and rate-limit rows, in bounded batches.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	loginCutoff := time.Now().UTC().Add(-loginAttemptRetention)

	clearedTokens, err := r.clearExpiredRefreshTokens(ctx, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteStaleLoginAttempts(ctx, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedIPLimits, err := r.deleteStaleIPLimits(ctx, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		ClearedRefreshTokens: clearedTokens,
		DeletedLoginAttempts: deletedLoginAttempts,
		DeletedIPLimits:      deletedIPLimits,
	}, nil
}

func (r *Repository) clearExpiredRefreshTokens(ctx context.Context, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE active_refresh_token_id IS NOT NULL AND refresh_expires_at < NOW()
			LIMIT $1
		)
		UPDATE users u
		SET active_refresh_token_id = NULL, refresh_expires_at = NULL, updated_at = NOW()
		FROM stale
		WHERE u.id = stale.id
	`, batchSize)
	if err != nil {
		return 0, storeErr("clear expired refresh tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("expired refresh tokens rows affected", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT identifier
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.identifier = stale.identifier
	`, cutoff, batchSize)
	if err != nil {
		return 0, storeErr("delete stale login attempts", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("stale login attempts rows affected", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleIPLimits(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return 0, storeErr("delete stale login ip limits", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("stale login ip limits rows affected", err)
	}

	return affected, nil
}
