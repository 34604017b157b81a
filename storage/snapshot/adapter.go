package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
)

const DefaultKey = "auth-storage"

// Adapter persists auth snapshots under a single storage key.
type Adapter struct {
	storage Storage
	key     string
	logger  core.Logger
}

var _ auth.Persister = (*Adapter)(nil)

func NewAdapter(storage Storage, key string, logger core.Logger) *Adapter {
	if key == "" {
		key = DefaultKey
	}
	return &Adapter{storage: storage, key: key, logger: logger}
}

// Save writes the persisted fields of snap. Loading flags are not part of a Snapshot and never
// reach storage.
func (a *Adapter) Save(snap auth.Snapshot) error {
	snap.Version = auth.SnapshotVersion
	b, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := a.storage.SetItem(a.key, string(b)); err != nil {
		return errors.Wrap(err, "storing snapshot")
	}
	return nil
}

// Load returns false when the slot is empty, unreadable, corrupt or written by an unknown version.
func (a *Adapter) Load() (auth.Snapshot, bool) {
	raw, ok, err := a.storage.GetItem(a.key)
	if err != nil {
		a.logger.Warn("reading auth snapshot", err)
		return auth.Snapshot{}, false
	}
	if !ok || raw == "" {
		return auth.Snapshot{}, false
	}

	snap, err := decode([]byte(raw))
	if err != nil {
		a.logger.Warn(fmt.Sprintf("discarding auth snapshot %q", a.key), err)
		return auth.Snapshot{}, false
	}
	if snap.IsAuthenticated && snap.User == nil {
		snap.IsAuthenticated = false
	}
	return snap, true
}

// Clear empties the slot.
func (a *Adapter) Clear() error {
	return errors.Wrap(a.storage.RemoveItem(a.key), "removing snapshot")
}

var errUnknownVersion = errors.New("unknown snapshot version")

type envelope struct {
	Version *int            `json:"version"`
	State   json.RawMessage `json:"state"`
}

func decode(b []byte) (auth.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return auth.Snapshot{}, errors.Wrap(err, "decoding snapshot")
	}

	switch {
	case len(env.State) > 0 && (env.Version == nil || *env.Version == 0):
		return migrateV0(env.State)
	case env.Version != nil && *env.Version == auth.SnapshotVersion:
		var snap auth.Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return auth.Snapshot{}, errors.Wrap(err, "decoding snapshot")
		}
		return snap, nil
	case env.Version == nil:
		return auth.Snapshot{}, errors.Wrap(errUnknownVersion, "missing")
	default:
		return auth.Snapshot{}, errors.Wrapf(errUnknownVersion, "%d", *env.Version)
	}
}

// v0 snapshots were wrapped in {"state": ..., "version": 0}. Their session carried the expiry as
// unix seconds and the principal as a nested user object.
type v0State struct {
	User            *user.Identity `json:"user"`
	Profile         *user.Profile  `json:"profile"`
	Session         *v0Session     `json:"session"`
	IsAuthenticated bool           `json:"isAuthenticated"`
}

type v0Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func migrateV0(state json.RawMessage) (auth.Snapshot, error) {
	var old v0State
	if err := json.Unmarshal(state, &old); err != nil {
		return auth.Snapshot{}, errors.Wrap(err, "decoding v0 snapshot")
	}
	snap := auth.Snapshot{
		Version:         auth.SnapshotVersion,
		User:            old.User,
		Profile:         old.Profile,
		IsAuthenticated: old.IsAuthenticated,
	}
	if s := old.Session; s != nil {
		sess := &auth.Session{
			AccessToken:  s.AccessToken,
			RefreshToken: s.RefreshToken,
			TokenType:    s.TokenType,
			UserID:       s.User.ID,
		}
		if s.ExpiresAt > 0 {
			sess.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
		}
		if sess.UserID == "" && old.User != nil {
			sess.UserID = old.User.ID
		}
		snap.Session = sess
	}
	return snap, nil
}
