package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"

	echoapi "github.com/tekpounou/platform/apps/api/echo"
	"github.com/tekpounou/platform/apps/shared"
	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/services/metrics"
	"github.com/tekpounou/platform/storage/database"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

func newLogger(conf *core.Config) core.Logger {
	return shared.NewLogger(conf, os.Stdout, "API : ")
}

func newDBLogger(conf *core.Config) core.Logger {
	return shared.NewLogger(conf, os.Stdout, "DB : ")
}

// newRepository opens the configured storage and brings the schema up to date.
func newRepository(conf *core.Config, loggerParam DBLoggerParam) shared.Repository {
	logger := loggerParam.Logger
	ctx, cancel := context.WithTimeout(context.Background(), conf.Auth.CallTimeout)
	defer cancel()

	repo, err := shared.NewRepository(ctx, conf, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	if repo.DB != nil {
		if err = database.Migrate(repo.DB.DB, "up"); err != nil {
			logger.Fatal(fmt.Sprintf("migrating database: %v", err), err)
		}
	}
	return repo
}

func newIdentity(conf *core.Config, logger core.Logger) shared.Identity {
	idp, err := shared.NewIdentity(conf, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up identity backend: %v", err), err)
	}
	return idp
}

func newPersister(conf *core.Config, logger core.Logger) auth.Persister {
	persister, err := shared.NewPersister(conf, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up snapshot storage: %v", err), err)
	}
	return persister
}

func newRegistry() (*prometheus.Registry, prometheus.Gatherer, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, reg, reg
}

func newRecorder(reg prometheus.Registerer) auth.Recorder {
	return metrics.NewRecorder(reg)
}

type storeParams struct {
	dig.In
	Conf      *core.Config
	Identity  shared.Identity
	Repo      shared.Repository
	Persister auth.Persister
	Logger    core.Logger
	Recorder  auth.Recorder
	Validate  *validator.Validate
}

func newStore(p storeParams) *auth.Store {
	return shared.NewStore(p.Conf, shared.StoreDeps{
		Backend:   p.Identity.Backend,
		Repo:      p.Repo,
		Persister: p.Persister,
		Logger:    p.Logger,
		Recorder:  p.Recorder,
		Validate:  p.Validate,
	})
}

func newServerDeps(
	store *auth.Store,
	repo shared.Repository,
	validate *validator.Validate,
	translator ut.Translator,
	logger core.Logger,
	gatherer prometheus.Gatherer,
) *echoapi.Deps {
	deps := &echoapi.Deps{
		Store:      store,
		Validate:   validate,
		Translator: translator,
		Logger:     logger,
		Gatherer:   gatherer,
	}
	if repo.DB != nil {
		deps.DB = repo.DB
	}
	return deps
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newRepository))
	must(c.Provide(newIdentity))
	must(c.Provide(newPersister))
	must(c.Provide(shared.NewTranslator))
	must(c.Provide(shared.NewValidate))
	must(c.Provide(newRegistry))
	must(c.Provide(newRecorder))
	must(c.Provide(newStore))
	must(c.Provide(newServerDeps))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
