package inmemdb

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/tekpounou/platform/core/user"
)

type (
	// DB holds the users and profiles tables in memory.
	DB struct {
		identities *identityTable
		profiles   *profileTable

		storage Storage
		key     string
		saveMu  sync.Mutex
	}

	identityTable struct {
		table map[string]*user.Identity
		mutex sync.RWMutex
	}

	profileTable struct {
		table map[string]*user.Profile
		mutex sync.RWMutex
	}
)

// Storage is a key/value slot store, satisfied by snapshot.DirStorage.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
}

// dump is the stored form of both tables.
type dump struct {
	Identities []*user.Identity `json:"identities"`
	Profiles   []*user.Profile  `json:"profiles"`
}

func Open() *DB {
	return &DB{
		identities: &identityTable{table: make(map[string]*user.Identity)},
		profiles:   &profileTable{table: make(map[string]*user.Profile)},
	}
}

// OpenStorage loads the tables saved under `key` and writes them back after every change.
func OpenStorage(storage Storage, key string) (*DB, error) {
	db := Open()
	raw, ok, err := storage.GetItem(key)
	if err != nil {
		return nil, errors.Wrap(err, "reading tables")
	}
	if ok {
		var d dump
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, errors.Wrap(err, "decoding tables")
		}
		for _, idn := range d.Identities {
			db.identities.table[idn.ID] = idn
		}
		for _, prof := range d.Profiles {
			db.profiles.table[prof.ID] = prof
		}
	}
	db.storage, db.key = storage, key
	return db, nil
}

// save writes both tables to the storage, if any. It must be called without table locks held.
func (db *DB) save() error {
	if db.storage == nil {
		return nil
	}
	db.saveMu.Lock()
	defer db.saveMu.Unlock()

	var d dump
	db.identities.mutex.RLock()
	for _, idn := range db.identities.table {
		d.Identities = append(d.Identities, idn.Clone())
	}
	db.identities.mutex.RUnlock()

	db.profiles.mutex.RLock()
	for _, prof := range db.profiles.table {
		d.Profiles = append(d.Profiles, prof.Clone())
	}
	db.profiles.mutex.RUnlock()

	raw, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encoding tables")
	}
	return errors.Wrap(db.storage.SetItem(db.key, string(raw)), "storing tables")
}

// Counts returns the number of identity and profile rows.
func (db *DB) Counts() (identities, profiles int) {
	db.identities.mutex.RLock()
	identities = len(db.identities.table)
	db.identities.mutex.RUnlock()

	db.profiles.mutex.RLock()
	profiles = len(db.profiles.table)
	db.profiles.mutex.RUnlock()
	return identities, profiles
}
