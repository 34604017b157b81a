package user

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrIdentityExists  = errors.New("a user with this id or email already exists")
	ErrProfileExists   = errors.New("a profile already exists for this user")
	ErrInvalidRole     = errors.New("invalid roles")
)

// Repository stores the users and profiles tables.
type Repository interface {
	CreateIdentity(ctx context.Context, idn Identity) (Identity, error)
	GetIdentity(ctx context.Context, id string) (Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (Identity, error)
	SetLastLogin(ctx context.Context, id string, at time.Time) error

	CreateProfile(ctx context.Context, prof Profile) (Profile, error)
	GetProfile(ctx context.Context, id string) (Profile, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate, at time.Time) (Profile, error)
	SetRoles(ctx context.Context, id string, roles []Role, at time.Time) (Profile, error)
}
