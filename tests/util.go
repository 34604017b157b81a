package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/user"
	logsvc "github.com/tekpounou/platform/services/logger"
)

// NewLogger returns a core.Logger that writes nowhere.
func NewLogger() core.Logger {
	return logsvc.NewDiscardLogger()
}

// NewValidate returns a validator with the core and user validators registered.
func NewValidate() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}

// CreateUser inserts an identity row and its profile row.
func CreateUser(
	t *testing.T,
	repo user.Repository,
	id, email, displayName string,
	roles []user.Role,
	isActive bool,
	createdAt ...time.Time,
) (user.Identity, user.Profile) {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	if roles == nil {
		roles = []user.Role{user.RoleStudent}
	}
	ctx := context.Background()

	idn, err := repo.CreateIdentity(ctx, user.Identity{
		ID:        id,
		Email:     email,
		Role:      user.PrimaryRole(roles),
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	})
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	prof, err := repo.CreateProfile(ctx, user.Profile{
		ID:                id,
		DisplayName:       user.NullString(displayName),
		Roles:             roles,
		PreferredLanguage: user.DefaultLanguage,
		CreatedAt:         tstamp,
		UpdatedAt:         tstamp,
	})
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return idn, prof
}
