package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
	"github.com/tekpounou/platform/storage/database"
)

var (
	readPasswordFunc = term.ReadPassword // mockable
	migrateFunc      = database.Migrate  // mockable

	errHelp       = errors.New("help provided")
	errNoDatabase = errors.New("no database configured")
)

type commandLine struct {
	db    *sql.DB // nil when identity rows live in memory
	repo  user.Repository
	store *auth.Store
	out   io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]             - run a goose command (up, down, status, redo, version...)")
	fmt.Fprintln(cli.out, "  setroles -email EMAIL -roles ROLES  - replace a user's roles (comma separated)")
	fmt.Fprintln(cli.out, "  login -email EMAIL                  - sign in, the password is prompted next")
	fmt.Fprintln(cli.out, "  logout                              - sign out the current session")
	fmt.Fprintln(cli.out, "  whoami                              - show who is signed in")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	setRolesCmd := flag.NewFlagSet("setroles", flag.ContinueOnError)
	setRolesEmail := setRolesCmd.String("email", "", "The user's email.")
	setRolesRoles := setRolesCmd.String("roles", "", "Comma separated roles: "+joinRoles(user.AllRoles)+".")

	loginCmd := flag.NewFlagSet("login", flag.ContinueOnError)
	loginEmail := loginCmd.String("email", "", "The user's email. The password will be prompted next.")

	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "setroles":
		setRolesCmd.SetOutput(cli.out)
		if err := setRolesCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *setRolesEmail == "" || *setRolesRoles == "" {
			setRolesCmd.Usage()
			return errHelp
		}
		return cli.setRoles(ctx, *setRolesEmail, *setRolesRoles)
	case "login":
		loginCmd.SetOutput(cli.out)
		if err := loginCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *loginEmail == "" {
			loginCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter password:")
		pwd, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(pwd) == 0 {
			loginCmd.Usage()
			return errHelp
		}
		return cli.login(ctx, *loginEmail, string(pwd))
	case "logout":
		return cli.logout(ctx)
	case "whoami":
		return cli.whoami(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoDatabase
	}
	return migrateFunc(cli.db, args[0], args[1:]...)
}

// setRoles replaces the roles of the user registered with `email`.
func (cli *commandLine) setRoles(ctx context.Context, email, rolesList string) error {
	roles, err := user.ParseRoles(core.SplitList(rolesList))
	if err != nil {
		return err
	}
	idn, err := cli.repo.GetIdentityByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}
	prof, err := cli.repo.SetRoles(ctx, idn.ID, roles, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s: %s\n", idn.Email, joinRoles(prof.Roles))
	return nil
}

func (cli *commandLine) login(ctx context.Context, email, pwd string) error {
	cli.store.Initialize(ctx)
	if err := cli.store.SignIn(ctx, email, pwd); err != nil {
		return err
	}
	return cli.whoami(ctx)
}

func (cli *commandLine) logout(ctx context.Context) error {
	cli.store.Initialize(ctx)
	cli.store.SignOut(ctx)
	fmt.Fprintln(cli.out, "signed out")
	return nil
}

func (cli *commandLine) whoami(ctx context.Context) error {
	cli.store.Initialize(ctx)
	st := cli.store.State()
	if !st.IsAuthenticated {
		fmt.Fprintln(cli.out, "not signed in")
		return nil
	}
	var roles []user.Role
	if st.Profile != nil {
		roles = st.Profile.Roles
	}
	fmt.Fprintf(cli.out, "%s (%s) -> %s\n", st.User.Email, st.PrimaryRole(), auth.DashboardLink(roles))
	return nil
}

func joinRoles(roles []user.Role) string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return strings.Join(names, ",")
}
