package auth

import "github.com/tekpounou/platform/core/user"

// Routes are the well known destinations of the app.
type Routes struct {
	Home      string
	Login     string
	Register  string
	Dashboard string
	Courses   string
	Admin     string
}

var DefaultRoutes = Routes{
	Home:      "/",
	Login:     "/auth/login",
	Register:  "/auth/register",
	Dashboard: "/dashboard",
	Courses:   "/courses",
	Admin:     "/admin",
}

// Rule is what a protected route asks for.
type Rule struct {
	RequireAuth   bool
	RequiredRoles []user.Role
	// RedirectTo overrides the login route for unauthenticated visitors.
	RedirectTo string
}

type Action int

const (
	ActionRender Action = iota
	ActionWait
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionRedirect:
		return "redirect"
	default:
		return "render"
	}
}

type Decision struct {
	Action   Action
	Location string
}

// Guard decides whether a route may render for the current State.
type Guard struct {
	Routes Routes
}

func NewGuard(routes Routes) Guard {
	return Guard{Routes: routes}
}

// Decide never decides while the state is still loading: a rehydrated but unverified session must
// not grant access, and a pending initialization must not bounce a signed in user to login.
func (g Guard) Decide(st State, rule Rule) Decision {
	if st.IsLoading {
		return Decision{Action: ActionWait}
	}
	if rule.RequireAuth && !st.IsAuthenticated {
		loc := rule.RedirectTo
		if loc == "" {
			loc = g.Routes.Login
		}
		return Decision{Action: ActionRedirect, Location: loc}
	}
	if len(rule.RequiredRoles) > 0 {
		role := st.PrimaryRole()
		if !user.HasAnyRole([]user.Role{role}, rule.RequiredRoles...) {
			return Decision{Action: ActionRedirect, Location: g.Fallback(role)}
		}
	}
	return Decision{Action: ActionRender}
}

// Fallback is where a role lands when it may not see a route.
func (g Guard) Fallback(role user.Role) string {
	switch role {
	case user.RoleGuest:
		return g.Routes.Login
	case user.RoleStudent:
		return g.Routes.Dashboard
	case user.RoleTeacher:
		return g.Routes.Courses
	case user.RoleAdmin, user.RoleSuperAdmin:
		return g.Routes.Admin
	default:
		return g.Routes.Home
	}
}

// DashboardLink is the navigation entry point of a user holding `roles`.
func DashboardLink(roles []user.Role) string {
	switch user.PrimaryRole(roles) {
	case user.RoleSuperAdmin:
		return "/admin"
	case user.RoleAdmin:
		return "/admin-panel"
	case user.RoleTeacher:
		return "/dashboard/teacher"
	case user.RoleSMEClient:
		return "/client"
	default:
		return "/dashboard/student"
	}
}
