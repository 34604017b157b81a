package auth

import (
	"time"

	"github.com/tekpounou/platform/core/user"
)

// Session is the credential issued by the identity backend.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"` // UTC; zero means no known expiry
	UserID       string    `json:"user_id"`
}

func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

// Usable reports whether the session identifies a user and has not expired.
func (s *Session) Usable(now time.Time) bool {
	return s != nil && s.UserID != "" && s.AccessToken != "" && !s.Expired(now)
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Principal is the account an identity backend authenticated or registered.
type Principal struct {
	ID    string
	Email string
}

// SignUpMetadata is forwarded to the identity backend on registration.
type SignUpMetadata struct {
	DisplayName       string
	PreferredLanguage user.Language
}
