package inmemdb

import (
	"context"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/user"
)

type userRepository struct {
	db         *DB
	identities *identityTable
	profiles   *profileTable
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db, identities: db.identities, profiles: db.profiles}
}

func (repo *userRepository) CreateIdentity(ctx context.Context, idn user.Identity) (_ user.Identity, err error) {
	if err := ctx.Err(); err != nil {
		return user.Identity{}, err
	}
	defer repo.save(&err)
	repo.identities.mutex.Lock()
	defer repo.identities.mutex.Unlock()

	idn.Email = core.CleanString(idn.Email, true /* lower */)
	if _, ok := repo.identities.table[idn.ID]; ok {
		return user.Identity{}, user.ErrIdentityExists
	}
	for _, existing := range repo.identities.table {
		if existing.Email == idn.Email {
			return user.Identity{}, user.ErrIdentityExists
		}
	}
	repo.identities.table[idn.ID] = idn.Clone()
	return idn, nil
}

func (repo *userRepository) GetIdentity(ctx context.Context, id string) (user.Identity, error) {
	if err := ctx.Err(); err != nil {
		return user.Identity{}, err
	}
	repo.identities.mutex.RLock()
	defer repo.identities.mutex.RUnlock()

	if idn, ok := repo.identities.table[id]; ok {
		return *idn, nil
	}
	return user.Identity{}, user.ErrNotFound
}

func (repo *userRepository) GetIdentityByEmail(ctx context.Context, email string) (user.Identity, error) {
	if err := ctx.Err(); err != nil {
		return user.Identity{}, err
	}
	repo.identities.mutex.RLock()
	defer repo.identities.mutex.RUnlock()

	email = core.CleanString(email, true /* lower */)
	for _, idn := range repo.identities.table {
		if idn.Email == email {
			return *idn, nil
		}
	}
	return user.Identity{}, user.ErrNotFound
}

func (repo *userRepository) SetLastLogin(ctx context.Context, id string, at time.Time) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer repo.save(&err)
	repo.identities.mutex.Lock()
	defer repo.identities.mutex.Unlock()

	idn, ok := repo.identities.table[id]
	if !ok {
		return user.ErrNotFound
	}
	idn.LastLogin = null.TimeFrom(at)
	idn.UpdatedAt = at
	return nil
}

func (repo *userRepository) CreateProfile(ctx context.Context, prof user.Profile) (_ user.Profile, err error) {
	if err := ctx.Err(); err != nil {
		return user.Profile{}, err
	}
	defer repo.save(&err)
	repo.identities.mutex.RLock()
	_, exists := repo.identities.table[prof.ID]
	repo.identities.mutex.RUnlock()
	if !exists {
		return user.Profile{}, user.ErrNotFound
	}

	repo.profiles.mutex.Lock()
	defer repo.profiles.mutex.Unlock()

	if _, ok := repo.profiles.table[prof.ID]; ok {
		return user.Profile{}, user.ErrProfileExists
	}
	if prof.Roles == nil {
		prof.Roles = []user.Role{}
	}
	repo.profiles.table[prof.ID] = prof.Clone()
	return *prof.Clone(), nil
}

func (repo *userRepository) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	if err := ctx.Err(); err != nil {
		return user.Profile{}, err
	}
	repo.profiles.mutex.RLock()
	defer repo.profiles.mutex.RUnlock()

	if prof, ok := repo.profiles.table[id]; ok {
		return *prof.Clone(), nil
	}
	return user.Profile{}, user.ErrProfileNotFound
}

func (repo *userRepository) UpdateProfile(ctx context.Context, id string, upd user.ProfileUpdate, at time.Time) (_ user.Profile, err error) {
	if err := ctx.Err(); err != nil {
		return user.Profile{}, err
	}
	defer repo.save(&err)
	repo.profiles.mutex.Lock()
	defer repo.profiles.mutex.Unlock()

	prof, ok := repo.profiles.table[id]
	if !ok {
		return user.Profile{}, user.ErrProfileNotFound
	}
	updated := upd.Apply(*prof, at)
	repo.profiles.table[id] = updated.Clone()
	return updated, nil
}

func (repo *userRepository) SetRoles(ctx context.Context, id string, roles []user.Role, at time.Time) (_ user.Profile, err error) {
	if err := ctx.Err(); err != nil {
		return user.Profile{}, err
	}
	defer repo.save(&err)
	repo.profiles.mutex.Lock()
	defer repo.profiles.mutex.Unlock()

	prof, ok := repo.profiles.table[id]
	if !ok {
		return user.Profile{}, user.ErrProfileNotFound
	}
	prof.Roles = append([]user.Role{}, roles...)
	prof.UpdatedAt = at
	return *prof.Clone(), nil
}

// save persists the tables once a write succeeded. Deferred before the table lock so it runs
// after the unlock.
func (repo *userRepository) save(err *error) {
	if *err == nil {
		*err = repo.db.save()
	}
}
