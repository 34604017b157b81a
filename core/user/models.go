package user

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/tekpounou/platform/core"
)

// Role is a platform role granted on a Profile.
type Role string

// Roles
const (
	RoleGuest      Role = "guest"
	RoleStudent    Role = "student"
	RoleSMEClient  Role = "sme_client"
	RoleTeacher    Role = "teacher"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

var (
	AllRoles   = []Role{RoleGuest, RoleStudent, RoleSMEClient, RoleTeacher, RoleAdmin, RoleSuperAdmin}
	AdminRoles = []Role{RoleAdmin, RoleSuperAdmin}

	rolePriorities = map[Role]int{
		RoleSuperAdmin: 60,
		RoleAdmin:      50,
		RoleTeacher:    40,
		RoleSMEClient:  30,
		RoleStudent:    20,
		RoleGuest:      10,
	}
)

func (r Role) Valid() bool {
	_, ok := rolePriorities[r]
	return ok
}

func RolePriority(role Role) int {
	return rolePriorities[role]
}

// PrimaryRole picks the highest priority role out of `roles`. Unknown roles are ignored and guest is
// returned when nothing known is left.
func PrimaryRole(roles []Role) Role {
	primary := RoleGuest
	for _, role := range roles {
		if RolePriority(role) > RolePriority(primary) {
			primary = role
		}
	}
	return primary
}

func HasAnyRole(roles []Role, wanted ...Role) bool {
	for _, role := range roles {
		for _, w := range wanted {
			if role == w {
				return true
			}
		}
	}
	return false
}

// ParseRoles converts raw role names, rejecting unknown ones.
func ParseRoles(names []string) ([]Role, error) {
	roles := make([]Role, 0, len(names))
	for _, name := range names {
		role := Role(core.CleanString(name, true /* lower */))
		if !role.Valid() {
			return nil, core.NewValidationError(ErrInvalidRole, core.FieldError{Field: "roles", Error: allRolesText})
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// Language is a BCP 47 tag of a supported UI language.
type Language string

const (
	LangHaitianCreole Language = "ht-HT"
	LangEnglish       Language = "en-US"
	LangFrench        Language = "fr-FR"

	DefaultLanguage = LangHaitianCreole
)

var Languages = []Language{LangHaitianCreole, LangEnglish, LangFrench}

func (l Language) Valid() bool {
	for _, lang := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Identity is the account row of the users table.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
	LastLogin null.Time `json:"last_login"` // UTC
}

// Profile is the display row of the profiles table, keyed by the Identity ID.
type Profile struct {
	ID                string      `json:"id"`
	DisplayName       null.String `json:"display_name"`
	AvatarURL         null.String `json:"avatar_url"`
	Bio               null.String `json:"bio"`
	Roles             []Role      `json:"roles"`
	PreferredLanguage Language    `json:"preferred_language"`
	CreatedAt         time.Time   `json:"created_at"` // UTC
	UpdatedAt         time.Time   `json:"updated_at"` // UTC
}

// PrimaryRole is the role used for authorization decisions. A nil profile is a guest.
func (p *Profile) PrimaryRole() Role {
	if p == nil {
		return RoleGuest
	}
	return PrimaryRole(p.Roles)
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Roles != nil {
		clone.Roles = append([]Role(nil), p.Roles...)
	}
	return &clone
}

func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	clone := *i
	return &clone
}

// NewUser contains information needed to register a new account.
type NewUser struct {
	Email             string   `json:"email" validate:"required,email"`
	Password          string   `json:"password" validate:"required"`
	PasswordConfirm   string   `json:"password_confirm" validate:"omitempty,eqfield=Password"`
	DisplayName       string   `json:"display_name" validate:"omitempty,max=100"`
	PreferredLanguage Language `json:"preferred_language" validate:"omitempty,language"`
}

// Clean normalizes user input and fills the preferred language when missing.
func (nu *NewUser) Clean(defaultLang Language) {
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.DisplayName = core.CleanString(nu.DisplayName)
	if nu.PreferredLanguage == "" {
		nu.PreferredLanguage = defaultLang
	}
}

func (nu NewUser) Validate(validate *validator.Validate) error {
	return validate.Struct(nu)
}

// ProfileUpdate is a partial profile edit. Nil fields are left untouched and an empty string clears
// the column. Roles are not self-service and go through Repository.SetRoles.
type ProfileUpdate struct {
	DisplayName       *string   `json:"display_name" validate:"omitempty,max=100"`
	AvatarURL         *string   `json:"avatar_url" validate:"omitempty,max=2048"`
	Bio               *string   `json:"bio" validate:"omitempty,max=2000"`
	PreferredLanguage *Language `json:"preferred_language" validate:"omitempty,language"`
}

func (pu *ProfileUpdate) Clean() {
	pu.DisplayName = core.CleanStringPtr(pu.DisplayName)
	pu.AvatarURL = core.CleanStringPtr(pu.AvatarURL)
	pu.Bio = core.CleanStringPtr(pu.Bio)
}

func (pu ProfileUpdate) Validate(validate *validator.Validate) error {
	return validate.Struct(pu)
}

func (pu ProfileUpdate) IsEmpty() bool {
	return pu.DisplayName == nil && pu.AvatarURL == nil && pu.Bio == nil && pu.PreferredLanguage == nil
}

// Apply merges the update into a copy of `p`.
func (pu ProfileUpdate) Apply(p Profile, at time.Time) Profile {
	merged := *p.Clone()
	if pu.DisplayName != nil {
		merged.DisplayName = NullString(*pu.DisplayName)
	}
	if pu.AvatarURL != nil {
		merged.AvatarURL = NullString(*pu.AvatarURL)
	}
	if pu.Bio != nil {
		merged.Bio = NullString(*pu.Bio)
	}
	if pu.PreferredLanguage != nil {
		merged.PreferredLanguage = *pu.PreferredLanguage
	}
	merged.UpdatedAt = at
	return merged
}

// NullString maps "" to NULL.
func NullString(s string) null.String {
	return null.NewString(s, s != "")
}
