package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/user"
)

const (
	identityColumns = "id, email, role, is_active, created_at, updated_at, last_login"
	profileColumns  = "id, display_name, avatar_url, bio, roles, preferred_language, created_at, updated_at"

	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type identityRow struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	LastLogin null.Time `db:"last_login"`
}

type profileRow struct {
	ID                string         `db:"id"`
	DisplayName       null.String    `db:"display_name"`
	AvatarURL         null.String    `db:"avatar_url"`
	Bio               null.String    `db:"bio"`
	Roles             pq.StringArray `db:"roles"`
	PreferredLanguage string         `db:"preferred_language"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type userRepository struct {
	exec sqlx.ExtContext
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

// NewUserRepository accepts a *sqlx.DB or a *sqlx.Tx.
func NewUserRepository(exec sqlx.ExtContext) user.Repository {
	return &userRepository{exec: exec}
}

func (repo userRepository) toIdentity(row identityRow) user.Identity {
	return user.Identity{
		ID:        row.ID,
		Email:     row.Email,
		Role:      user.Role(row.Role),
		IsActive:  row.IsActive,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
		LastLogin: utcNullTime(row.LastLogin),
	}
}

func (repo userRepository) toProfile(row profileRow) user.Profile {
	roles := make([]user.Role, 0, len(row.Roles))
	for _, r := range row.Roles {
		roles = append(roles, user.Role(r))
	}
	lang := user.Language(row.PreferredLanguage)
	if !lang.Valid() {
		lang = user.DefaultLanguage
	}
	return user.Profile{
		ID:                row.ID,
		DisplayName:       row.DisplayName,
		AvatarURL:         row.AvatarURL,
		Bio:               row.Bio,
		Roles:             roles,
		PreferredLanguage: lang,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}
}

func utcNullTime(t null.Time) null.Time {
	if !t.Valid {
		return t
	}
	return null.TimeFrom(t.Time.UTC())
}

func roleStrings(roles []user.Role) pq.StringArray {
	arr := make(pq.StringArray, 0, len(roles))
	for _, r := range roles {
		arr = append(arr, string(r))
	}
	return arr
}

// trapErr maps driver errors to the repository errors.
func (repo userRepository) trapErr(err error, notFound, exists error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return exists
		case pqForeignKeyViolation:
			return user.ErrNotFound
		}
	}
	return errors.Wrap(err, msg)
}

func (repo userRepository) CreateIdentity(ctx context.Context, idn user.Identity) (user.Identity, error) {
	q := `INSERT INTO users (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + identityColumns

	var row identityRow
	err := sqlx.GetContext(ctx, repo.exec, &row, q,
		idn.ID,
		core.CleanString(idn.Email, true /* lower */),
		string(idn.Role),
		idn.IsActive,
		idn.CreatedAt.UTC(),
		idn.UpdatedAt.UTC(),
		idn.LastLogin,
	)
	if err != nil {
		return user.Identity{}, repo.trapErr(err, user.ErrNotFound, user.ErrIdentityExists, "inserting identity")
	}
	return repo.toIdentity(row), nil
}

func (repo userRepository) GetIdentity(ctx context.Context, id string) (user.Identity, error) {
	var row identityRow
	err := sqlx.GetContext(ctx, repo.exec, &row, `SELECT `+identityColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return user.Identity{}, repo.trapErr(err, user.ErrNotFound, user.ErrIdentityExists, "finding identity by ID")
	}
	return repo.toIdentity(row), nil
}

func (repo userRepository) GetIdentityByEmail(ctx context.Context, email string) (user.Identity, error) {
	var row identityRow
	err := sqlx.GetContext(ctx, repo.exec, &row, `SELECT `+identityColumns+` FROM users WHERE email = $1`,
		core.CleanString(email, true /* lower */))
	if err != nil {
		return user.Identity{}, repo.trapErr(err, user.ErrNotFound, user.ErrIdentityExists, "finding identity by email")
	}
	return repo.toIdentity(row), nil
}

func (repo userRepository) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := repo.exec.ExecContext(ctx, `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return errors.Wrap(err, "setting last login")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "setting last login")
	}
	if n == 0 {
		return user.ErrNotFound
	}
	return nil
}

func (repo userRepository) CreateProfile(ctx context.Context, prof user.Profile) (user.Profile, error) {
	q := `INSERT INTO profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + profileColumns

	var row profileRow
	err := sqlx.GetContext(ctx, repo.exec, &row, q,
		prof.ID,
		prof.DisplayName,
		prof.AvatarURL,
		prof.Bio,
		roleStrings(prof.Roles),
		string(prof.PreferredLanguage),
		prof.CreatedAt.UTC(),
		prof.UpdatedAt.UTC(),
	)
	if err != nil {
		return user.Profile{}, repo.trapErr(err, user.ErrNotFound, user.ErrProfileExists, "inserting profile")
	}
	return repo.toProfile(row), nil
}

func (repo userRepository) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	var row profileRow
	err := sqlx.GetContext(ctx, repo.exec, &row, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	if err != nil {
		return user.Profile{}, repo.trapErr(err, user.ErrProfileNotFound, user.ErrProfileExists, "finding profile by ID")
	}
	return repo.toProfile(row), nil
}

func (repo userRepository) UpdateProfile(ctx context.Context, id string, upd user.ProfileUpdate, at time.Time) (user.Profile, error) {
	sets := make([]string, 0, 5)
	args := []interface{}{id}
	set := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.DisplayName != nil {
		set("display_name", user.NullString(*upd.DisplayName))
	}
	if upd.AvatarURL != nil {
		set("avatar_url", user.NullString(*upd.AvatarURL))
	}
	if upd.Bio != nil {
		set("bio", user.NullString(*upd.Bio))
	}
	if upd.PreferredLanguage != nil {
		set("preferred_language", string(*upd.PreferredLanguage))
	}
	set("updated_at", at.UTC())

	q := `UPDATE profiles SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + profileColumns

	var row profileRow
	if err := sqlx.GetContext(ctx, repo.exec, &row, q, args...); err != nil {
		return user.Profile{}, repo.trapErr(err, user.ErrProfileNotFound, user.ErrProfileExists, "updating profile")
	}
	return repo.toProfile(row), nil
}

func (repo userRepository) SetRoles(ctx context.Context, id string, roles []user.Role, at time.Time) (user.Profile, error) {
	q := `UPDATE profiles SET roles = $2, updated_at = $3 WHERE id = $1 RETURNING ` + profileColumns

	var row profileRow
	if err := sqlx.GetContext(ctx, repo.exec, &row, q, id, roleStrings(roles), at.UTC()); err != nil {
		return user.Profile{}, repo.trapErr(err, user.ErrProfileNotFound, user.ErrProfileExists, "setting roles")
	}
	return repo.toProfile(row), nil
}
