package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/services/metrics"
)

type Deps struct {
	Store      *auth.Store
	Validate   *validator.Validate
	Translator ut.Translator
	Logger     core.Logger
	Gatherer   prometheus.Gatherer // optional; serves /metrics when set
	DB         Pinger              // optional; checked by /health
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

type Server struct {
	conf     *core.Config
	deps     *Deps
	app      *echo.Echo
	guard    auth.Guard
	errors   chan error
	shutdown chan os.Signal
}

func NewServer(conf *core.Config, deps *Deps) *Server {
	s := &Server{
		conf:     conf,
		deps:     deps,
		app:      echo.New(),
		guard:    auth.NewGuard(auth.DefaultRoutes),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.Debug = s.conf.Debug

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.conf.Server.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.conf.Debug || s.conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.SignalShutdown)

	s.app.GET("/", s.home)
	s.app.GET("/health", s.health)
	if s.deps.Gatherer != nil {
		s.app.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Gatherer)))
	}

	v1 := s.app.Group("/v1")
	registerAuthAPI(v1, s.deps, newAuthRateLimiter(s.conf.Server.AuthRateLimit))
	registerPages(s.app.Group(""), s.deps.Store, s.guard)
}

// Start blocks until the server stops. Failures are reported on Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.conf.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

// SignalShutdown asks the process to shut down gracefully.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default: // already signaled
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.conf.AppName+"!")
}

// health reports the auth status. A database that stopped answering shuts the server down.
func (s *Server) health(ctx echo.Context) error {
	if s.deps.DB != nil {
		pctx, cancel := context.WithTimeout(ctx.Request().Context(), healthTimeout)
		defer cancel()
		if err := s.deps.DB.PingContext(pctx); err != nil {
			return core.NewShutdownError("database unreachable: " + err.Error())
		}
	}
	return ctx.JSON(http.StatusOK, echo.Map{"status": "ok", "auth": s.deps.Store.State().Status.String()})
}
