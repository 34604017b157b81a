package auth

import (
	"context"

	"github.com/pkg/errors"
)

// Sentinel errors returned, possibly wrapped, by Backend implementations.
var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrRejected           = errors.New("request rejected by identity backend")
	ErrUnavailable        = errors.New("identity backend unavailable")
)

// Backend exchanges credentials for sessions. Implementations live in services/identity.
type Backend interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)

	// SignUp registers a credential. The session is nil when the backend requires email confirmation.
	SignUp(ctx context.Context, email, password string, meta SignUpMetadata) (Principal, *Session, error)

	// CurrentSession returns the live session, or nil when there is none. `cached` is the last
	// known session, which token based backends use to look the session up.
	CurrentSession(ctx context.Context, cached *Session) (*Session, error)

	// SignOut revokes `session`. A nil session revokes whatever the backend tracks.
	SignOut(ctx context.Context, session *Session) error
}
