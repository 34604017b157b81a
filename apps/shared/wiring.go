// Package shared builds the pieces both apps assemble: logger, repositories, identity backend,
// snapshot persister and the auth store.
package shared

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
	"github.com/tekpounou/platform/services/events/redisrelay"
	kratosidp "github.com/tekpounou/platform/services/identity/kratos"
	localidp "github.com/tekpounou/platform/services/identity/local"
	logsvc "github.com/tekpounou/platform/services/logger"
	"github.com/tekpounou/platform/storage/database"
	inmemdb "github.com/tekpounou/platform/storage/database/inmem"
	sqlxrepos "github.com/tekpounou/platform/storage/database/sqlx"
	"github.com/tekpounou/platform/storage/snapshot"
)

const (
	BackendLocal  = "local"
	BackendKratos = "kratos"

	usersKey = "local-users"
)

// NewLogger reports to Rollbar outside debug mode and mirrors every line to w.
func NewLogger(conf *core.Config, w io.Writer, prefix string) core.Logger {
	stdLogger := log.New(w, prefix, log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

// Repository holds the user.Repository of the configured storage and what must be closed with it.
type Repository struct {
	user.Repository
	DB *sqlx.DB // nil for the in-memory storage
}

func (r Repository) Close() error {
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// NewRepository opens Postgres when a database host is configured. Otherwise rows live in memory and
// are saved in the snapshot dir, next to the local backend's accounts, so both survive a restart.
func NewRepository(ctx context.Context, conf *core.Config, logger core.Logger) (Repository, error) {
	if !conf.Database.Enabled() {
		storage, err := snapshot.NewDirStorage(conf.Snapshot.Dir)
		if err != nil {
			return Repository{}, err
		}
		db, err := inmemdb.OpenStorage(storage, usersKey)
		if err != nil {
			return Repository{}, errors.Wrap(err, "loading in-memory users")
		}
		logger.Info(fmt.Sprintf("no database configured: identity rows are kept in %s", conf.Snapshot.Dir))
		return Repository{Repository: inmemdb.NewUserRepository(db)}, nil
	}
	db, err := database.Open(ctx, conf.Database)
	if err != nil {
		return Repository{}, err
	}
	return Repository{Repository: sqlxrepos.NewUserRepository(db), DB: db}, nil
}

// Identity is the configured identity backend with its event sources.
type Identity struct {
	Backend auth.Backend
	// Source feeds the Listener: the backend's own events, plus the relay's when Redis is configured.
	Source auth.EventSource

	own   auth.EventSource
	relay *redisrelay.Relay
}

// Forward publishes the backend's own events to the relay until ctx is done. No-op without a relay.
func (idp Identity) Forward(ctx context.Context) error {
	if idp.relay == nil {
		return nil
	}
	return idp.relay.Forward(ctx, idp.own)
}

func (idp Identity) Close() error {
	if idp.relay == nil {
		return nil
	}
	return idp.relay.Close()
}

func NewIdentity(conf *core.Config, logger core.Logger) (Identity, error) {
	var idp Identity
	switch conf.Auth.Backend {
	case BackendLocal:
		storage, err := snapshot.NewDirStorage(conf.Snapshot.Dir)
		if err != nil {
			return Identity{}, err
		}
		backend, err := localidp.New(localidp.Options{
			SecretKey:    conf.Auth.SecretKey,
			Issuer:       conf.AppName,
			TokenTTL:     conf.Auth.TokenTTL,
			ConfirmEmail: conf.Auth.ConfirmEmail,
			Storage:      storage,
		})
		if err != nil {
			return Identity{}, errors.Wrap(err, "setting up local identity backend")
		}
		idp.Backend, idp.own = backend, backend
	case BackendKratos:
		gw := kratosidp.New(conf.Auth.KratosURL, conf.Auth.CallTimeout, logger)
		idp.Backend, idp.own = gw, kratosidp.NewPoller(gw, conf.Auth.KratosPollInterval)
	default:
		return Identity{}, fmt.Errorf("unknown identity backend %q", conf.Auth.Backend)
	}

	idp.Source = idp.own
	if conf.Events.RedisURL != "" {
		relay, err := redisrelay.NewFromURL(conf.Events.RedisURL, conf.Events.Channel, logger)
		if err != nil {
			return Identity{}, err
		}
		idp.relay = relay
		idp.Source = auth.MergeSources(idp.own, relay)
	}
	return idp, nil
}

// NewPersister stores the auth snapshot in the configured snapshot directory.
func NewPersister(conf *core.Config, logger core.Logger) (*snapshot.Adapter, error) {
	storage, err := snapshot.NewDirStorage(conf.Snapshot.Dir)
	if err != nil {
		return nil, err
	}
	return snapshot.NewAdapter(storage, conf.Snapshot.Key, logger), nil
}

type StoreDeps struct {
	Backend   auth.Backend
	Repo      user.Repository
	Persister auth.Persister
	Logger    core.Logger
	Recorder  auth.Recorder
	Validate  *validator.Validate
}

func NewStore(conf *core.Config, deps StoreDeps) *auth.Store {
	return auth.NewStore(
		auth.Deps{
			Backend:   deps.Backend,
			Repo:      deps.Repo,
			Persister: deps.Persister,
			Logger:    deps.Logger,
			Recorder:  deps.Recorder,
			Validate:  deps.Validate,
		},
		auth.Options{
			DefaultLanguage:         user.Language(conf.DefaultLanguage),
			AutoSignInAfterRegister: conf.Auth.AutoSignInAfterRegister,
			CallTimeout:             conf.Auth.CallTimeout,
		},
	)
}
