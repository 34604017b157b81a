package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
)

type (
	signInRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	stateResponse struct {
		Status           string         `json:"status"`
		IsLoading        bool           `json:"is_loading"`
		IsAuthenticated  bool           `json:"is_authenticated"`
		User             *user.Identity `json:"user"`
		Profile          *user.Profile  `json:"profile"`
		PrimaryRole      user.Role      `json:"primary_role"`
		Dashboard        string         `json:"dashboard,omitempty"`
		SessionExpiresAt *time.Time     `json:"session_expires_at,omitempty"`
	}
)

// newStateResponse never exposes the session tokens, only when the session expires.
func newStateResponse(st auth.State) stateResponse {
	res := stateResponse{
		Status:          st.Status.String(),
		IsLoading:       st.IsLoading,
		IsAuthenticated: st.IsAuthenticated,
		User:            st.User,
		Profile:         st.Profile,
		PrimaryRole:     st.PrimaryRole(),
	}
	if st.IsAuthenticated && st.Profile != nil {
		res.Dashboard = auth.DashboardLink(st.Profile.Roles)
	}
	if st.Session != nil && !st.Session.ExpiresAt.IsZero() {
		at := st.Session.ExpiresAt
		res.SessionExpiresAt = &at
	}
	return res
}

type authAPI struct {
	store *auth.Store
}

func registerAuthAPI(g *echo.Group, deps *Deps, limiter echo.MiddlewareFunc) {
	api := authAPI{store: deps.Store}

	ag := g.Group("/auth")
	ag.GET("/state", api.state)
	ag.POST("/sign-in", api.signIn, limiter)
	ag.POST("/sign-up", api.signUp, limiter)
	ag.POST("/sign-out", api.signOut)
	ag.PATCH("/profile", api.updateProfile)
}

func (api authAPI) state(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, newStateResponse(api.store.State()))
}

func (api authAPI) signIn(ctx echo.Context) error {
	var req signInRequest
	if err := ctx.Bind(&req); err != nil {
		return errBadPayload
	}
	if err := api.store.SignIn(ctx.Request().Context(), req.Email, req.Password); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newStateResponse(api.store.State()))
}

func (api authAPI) signUp(ctx echo.Context) error {
	var nu user.NewUser
	if err := ctx.Bind(&nu); err != nil {
		return errBadPayload
	}
	if err := api.store.SignUp(ctx.Request().Context(), nu); err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, newStateResponse(api.store.State()))
}

func (api authAPI) signOut(ctx echo.Context) error {
	api.store.SignOut(ctx.Request().Context())
	return ctx.JSON(http.StatusOK, newStateResponse(api.store.State()))
}

func (api authAPI) updateProfile(ctx echo.Context) error {
	var upd user.ProfileUpdate
	if err := ctx.Bind(&upd); err != nil {
		return errBadPayload
	}
	if err := api.store.UpdateProfile(ctx.Request().Context(), upd); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newStateResponse(api.store.State()))
}
