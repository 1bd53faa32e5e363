package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type TokenClass string

const (
	TokenClassAccess  TokenClass = "access"
	TokenClassRefresh TokenClass = "refresh"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
)

type tokenClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Claims is the verified payload of a token. TokenID is empty for the access
// class.
type Claims struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenCodec signs and verifies the two token classes. Each class has its own
// secret and TTL so compromising one key cannot forge the other class.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewTokenCodec(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*TokenCodec, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, fmt.Errorf("both token secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("token TTLs must be positive")
	}

	return &TokenCodec{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}, nil
}

func (c *TokenCodec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *TokenCodec) IssueAccess(userID string) (string, error) {
	return c.sign(TokenClassAccess, userID, "")
}

func (c *TokenCodec) IssueRefresh(userID, tokenID string) (string, error) {
	if tokenID == "" {
		return "", fmt.Errorf("refresh token requires a token id")
	}
	return c.sign(TokenClassRefresh, userID, tokenID)
}

func (c *TokenCodec) sign(class TokenClass, userID, tokenID string) (string, error) {
	secret, ttl := c.classConfig(class)
	now := time.Now().UTC()

	claims := tokenClaims{
		TokenType: string(class),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", class, err)
	}

	return encoded, nil
}

// Verify checks the signature first, then expiry, then inspects the claims.
// The signature check runs before any claim is trusted.
func (c *TokenCodec) Verify(token string, class TokenClass) (Claims, error) {
	secret, _ := c.classConfig(class)

	parsed := tokenClaims{}
	decoded, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if !decoded.Valid || parsed.TokenType != string(class) || parsed.Subject == "" {
		return Claims{}, ErrTokenInvalid
	}
	if class == TokenClassRefresh && parsed.ID == "" {
		return Claims{}, ErrTokenInvalid
	}

	claims := Claims{
		UserID:  parsed.Subject,
		TokenID: parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}

	return claims, nil
}

func (c *TokenCodec) classConfig(class TokenClass) ([]byte, time.Duration) {
	if class == TokenClassRefresh {
		return c.refreshSecret, c.refreshTTL
	}
	return c.accessSecret, c.accessTTL
}
