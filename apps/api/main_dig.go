package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	dig_container "github.com/tekpounou/platform/apps/api/di/dig"
	echoapi "github.com/tekpounou/platform/apps/api/echo"
	"github.com/tekpounou/platform/apps/shared"
	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
)

func startWithDig() {
	c := dig_container.New()

	must(c.Invoke(func(
		conf *core.Config,
		apiLogger core.Logger,
		dbLoggerParam dig_container.DBLoggerParam,
		repo shared.Repository,
		idp shared.Identity,
		store *auth.Store,
		server *echoapi.Server,
	) {
		// =========================================================================
		// Initialize App

		apiLogger.Info(fmt.Sprintf("Application initializing : version %q, identity backend %q", conf.Build, conf.Auth.Backend))

		dbLogger := dbLoggerParam.Logger
		defer func() {
			if err := repo.Close(); err != nil {
				dbLogger.Fatal("Failed to close", err)
			}
		}()
		defer func() {
			if err := idp.Close(); err != nil {
				apiLogger.Error("Failed to close event relay", err)
			}
		}()
		defer apiLogger.Info("Application stopped")

		// =========================================================================
		// Start Debug Service
		//
		// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
		// /debug/vars - Added to the default mux by importing the expvar package.

		// Expose important info under /debug/vars.
		expvar.NewString("build").Set(conf.Build)
		expvar.NewString("env").Set(conf.Env)
		expvar.Publish("auth", expvar.Func(func() interface{} {
			return store.State().Status.String()
		}))

		go func() {
			if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
				apiLogger.Error(fmt.Sprintf("debug server closed: %v", err), err)
			}
		}()

		// =========================================================================
		// Start Auth Workers
		//
		// The listener starts before Initialize so that a sign out announced meanwhile is not lost.

		ctx, stopWorkers := context.WithCancel(context.Background())
		workers, wctx := errgroup.WithContext(ctx)
		workers.Go(func() error {
			return auth.NewListener(store, idp.Source, apiLogger).Run(wctx)
		})
		workers.Go(func() error {
			return idp.Forward(wctx)
		})
		workers.Go(func() error {
			store.Initialize(wctx)
			return nil
		})
		defer func() {
			stopWorkers()
			if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				apiLogger.Error("auth workers stopped", err)
			}
		}()

		// =========================================================================
		// Start API Service

		go func() {
			server.Start()
		}()

		// =========================================================================
		// Shutdown

		select {
		case err := <-server.Errors():
			apiLogger.Fatal(fmt.Sprintf("server error: %v", err), err)

		case sig := <-server.ShutdownSignal():
			apiLogger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

			// give outstanding requests a deadline for completion
			ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
			defer cancel()

			// asking listener to shut down and shed load
			if err := server.Shutdown(ctx); err != nil {
				apiLogger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

				if err = server.Close(); err != nil {
					apiLogger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
				}
			}
		}
	}))
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
