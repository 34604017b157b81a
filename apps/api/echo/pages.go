package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
)

type page struct {
	path string
	name string
	rule auth.Rule
}

var pages = []page{
	{path: "/dashboard", name: "dashboard", rule: auth.Rule{RequireAuth: true}},
	{
		path: "/dashboard/teacher",
		name: "teacher dashboard",
		rule: auth.Rule{
			RequireAuth:   true,
			RequiredRoles: []user.Role{user.RoleTeacher, user.RoleAdmin, user.RoleSuperAdmin},
		},
	},
	{
		path: "/admin",
		name: "admin",
		rule: auth.Rule{RequireAuth: true, RequiredRoles: user.AdminRoles},
	},
	{
		path: "/client",
		name: "client space",
		rule: auth.Rule{RequireAuth: true, RequiredRoles: []user.Role{user.RoleSMEClient}},
	},
}

// registerPages mounts the protected pages. Each answers with the page name and who is viewing it.
func registerPages(g *echo.Group, store *auth.Store, guard auth.Guard) {
	for _, p := range pages {
		p := p
		g.GET(p.path, func(ctx echo.Context) error {
			st := store.State()
			return ctx.JSON(http.StatusOK, echo.Map{
				"page":         p.name,
				"primary_role": st.PrimaryRole(),
			})
		}, guardMiddleware(store, guard, p.rule))
	}
}
