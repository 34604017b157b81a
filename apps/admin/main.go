package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/tekpounou/platform/apps/shared"
	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()
	appLogger := shared.NewLogger(conf, os.Stdout, "ADMIN : ")

	ctx, cancel := context.WithTimeout(context.Background(), conf.Auth.CallTimeout)
	repo, err := shared.NewRepository(ctx, conf, appLogger)
	cancel()
	errAndDie(err)

	idp, err := shared.NewIdentity(conf, appLogger)
	errAndDie(err)
	persister, err := shared.NewPersister(conf, appLogger)
	errAndDie(err)

	store := shared.NewStore(conf, shared.StoreDeps{
		Backend:   idp.Backend,
		Repo:      repo,
		Persister: persister,
		Logger:    appLogger,
		Validate:  shared.NewValidate(conf, shared.NewTranslator(), appLogger),
	})

	// start CLI
	cli := commandLine{
		repo:  repo,
		store: store,
		out:   os.Stdout,
	}
	if repo.DB != nil {
		cli.db = repo.DB.DB
	}
	err = cli.run(os.Args)
	_ = idp.Close()
	_ = repo.Close()
	if err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", errorText(err))
		}
		os.Exit(1)
	}
}

// errorText prefers the user facing message of store failures.
func errorText(err error) string {
	if kind := auth.KindOf(err); kind != auth.KindUnknown {
		return fmt.Sprintf("%s (%v)", kind.Message(), err)
	}
	return err.Error()
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
