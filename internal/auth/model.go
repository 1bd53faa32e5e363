package auth

import "time"

type User struct {
	ID                   string
	Username             string
	Email                string
	FullName             string
	PasswordHash         string
	ActiveRefreshTokenID *string
	RefreshExpiresAt     *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Profile is the client-facing view of a user, with the password hash and the
// refresh-token reference stripped.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) Profile() Profile {
	return Profile{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FullName:  u.FullName,
		CreatedAt: u.CreatedAt,
	}
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginAttempt struct {
	Identifier     string
	FailedAttempts int
	LockedUntil    *time.Time
}
