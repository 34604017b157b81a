package user

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/tekpounou/platform/core"
)

func newValidate() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate
}

// fieldTags returns the failing tag per field.
func fieldTags(t *testing.T, err error) map[string]string {
	t.Helper()
	if err == nil {
		return nil
	}
	vErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		t.Fatalf("unexpected error type %T: %v", err, err)
	}
	tags := make(map[string]string, len(vErrs))
	for _, fe := range vErrs {
		tags[fe.Field()] = fe.Tag()
	}
	return tags
}

func TestNewUser_Validate(t *testing.T) {
	validate := newValidate()

	tests := []struct {
		name     string
		nu       NewUser
		wantTags map[string]string
	}{
		{
			name: "valid",
			nu:   NewUser{Email: "student@test.ht", Password: "Passw0rd1", DisplayName: "Jean", PreferredLanguage: LangHaitianCreole},
		},
		{
			name: "valid with confirmation",
			nu:   NewUser{Email: "student@test.ht", Password: "Passw0rd1", PasswordConfirm: "Passw0rd1", PreferredLanguage: LangEnglish},
		},
		{
			name:     "missing fields",
			nu:       NewUser{},
			wantTags: map[string]string{"email": "required", "password": "required"},
		},
		{
			name:     "bad email",
			nu:       NewUser{Email: "nope", Password: "Passw0rd1"},
			wantTags: map[string]string{"email": "email"},
		},
		{
			name:     "confirmation mismatch",
			nu:       NewUser{Email: "student@test.ht", Password: "Passw0rd1", PasswordConfirm: "Passw0rd2"},
			wantTags: map[string]string{"password_confirm": "eqfield"},
		},
		{
			name:     "unsupported language",
			nu:       NewUser{Email: "student@test.ht", Password: "Passw0rd1", PreferredLanguage: "de-DE"},
			wantTags: map[string]string{"preferred_language": languageTag},
		},
		{
			name:     "password too short",
			nu:       NewUser{Email: "student@test.ht", Password: "Pa0"},
			wantTags: map[string]string{"password": pwdMinLenTag},
		},
		{
			name:     "password with whitespace",
			nu:       NewUser{Email: "student@test.ht", Password: "Passw0rd 1"},
			wantTags: map[string]string{"password": pwdNoSpaceTag},
		},
		{
			name:     "password all numeric",
			nu:       NewUser{Email: "student@test.ht", Password: "0123456789"},
			wantTags: map[string]string{"password": pwdNotAllNumTag},
		},
		{
			name:     "password without upper case",
			nu:       NewUser{Email: "student@test.ht", Password: "passw0rd1"},
			wantTags: map[string]string{"password": pwdComplexityTag},
		},
		{
			name:     "password similar to email",
			nu:       NewUser{Email: "jeanbaptiste@test.ht", Password: "JeanBaptiste1"},
			wantTags: map[string]string{"password": pwdAttrSimTag},
		},
		{
			name:     "password similar to display name",
			nu:       NewUser{Email: "a@test.ht", Password: "Marie-Claire9", DisplayName: "Marie Claire"},
			wantTags: map[string]string{"password": pwdAttrSimTag},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.nu.Validate(validate)
			assert.Equal(t, tt.wantTags, fieldTags(t, err))
		})
	}
}

func TestNewUser_Validate_commonPassword(t *testing.T) {
	validate := newValidate()
	commonPasswords = []string{"passw0rd1", "qwerty123"}
	defer func() { commonPasswords = nil }()

	err := NewUser{Email: "student@test.ht", Password: "Passw0rd1"}.Validate(validate)
	assert.Equal(t, map[string]string{"password": pwdNoCommonTag}, fieldTags(t, err))
}

func TestProfileUpdate_Validate(t *testing.T) {
	validate := newValidate()
	str := func(s string) *string { return &s }
	lang := func(l Language) *Language { return &l }

	tests := []struct {
		name     string
		upd      ProfileUpdate
		wantTags map[string]string
	}{
		{name: "empty", upd: ProfileUpdate{}},
		{name: "clear avatar", upd: ProfileUpdate{AvatarURL: str("")}},
		{name: "valid", upd: ProfileUpdate{DisplayName: str("Jean"), AvatarURL: str("https://cdn.test/a.png"), PreferredLanguage: lang(LangFrench)}},
		{name: "bad avatar", upd: ProfileUpdate{AvatarURL: str("not a url")}, wantTags: map[string]string{"avatar_url": avatarURLTag}},
		{name: "bad language", upd: ProfileUpdate{PreferredLanguage: lang("xx-XX")}, wantTags: map[string]string{"preferred_language": languageTag}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.upd.Validate(validate)
			assert.Equal(t, tt.wantTags, fieldTags(t, err))
		})
	}
}
