package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tekpounou/platform/core/auth"
)

// guardMiddleware lets the request through only when the guard renders the route for the current
// state. A pending initialization answers 202 so the client retries instead of being redirected.
func guardMiddleware(store *auth.Store, guard auth.Guard, rule auth.Rule) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			dec := guard.Decide(store.State(), rule)
			switch dec.Action {
			case auth.ActionWait:
				return ctx.JSON(http.StatusAccepted, echo.Map{"status": auth.StatusLoading.String()})
			case auth.ActionRedirect:
				return ctx.Redirect(http.StatusFound, dec.Location)
			default:
				return next(ctx)
			}
		}
	}
}

// newAuthRateLimiter limits credential attempts per client IP. A zero limit disables it.
func newAuthRateLimiter(limit float64) echo.MiddlewareFunc {
	if limit <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(limit),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try again later")
		},
	})
}
