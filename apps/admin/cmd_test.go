package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
	localidp "github.com/tekpounou/platform/services/identity/local"
	inmemdb "github.com/tekpounou/platform/storage/database/inmem"
	"github.com/tekpounou/platform/storage/snapshot"
	"github.com/tekpounou/platform/tests"
)

const testPassword = "Kreyol2024"

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	t.Helper()
	logger := testutil.NewLogger()
	backend, err := localidp.New(localidp.Options{
		SecretKey:  "test-secret",
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)

	repo := inmemdb.NewUserRepository(inmemdb.Open())
	store := auth.NewStore(
		auth.Deps{
			Backend:   backend,
			Repo:      repo,
			Persister: snapshot.NewAdapter(snapshot.NewMemoryStorage(), "auth-storage", logger),
			Logger:    logger,
			Validate:  testutil.NewValidate(),
		},
		auth.Options{},
	)
	require.NoError(t, store.SignUp(context.Background(), user.NewUser{Email: "awe@test.ht", Password: testPassword}))

	var out bytes.Buffer
	return &commandLine{db: &sql.DB{}, repo: repo, store: store, out: &out}, &out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func checkErr(t *testing.T, tt cliTest, err error) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		assert.ErrorIs(t, err, tt.wantErr)
	case tt.wantErrStr != "":
		assert.EqualError(t, err, tt.wantErrStr)
	default:
		assert.NoError(t, err)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _ := setup(t)

	origMigrate := migrateFunc
	t.Cleanup(func() { migrateFunc = origMigrate })
	migrateFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}

	t.Run("in memory", func(t *testing.T) {
		cli.db = nil
		assert.ErrorIs(t, cli.run([]string{"admin", "migrate", "up"}), errNoDatabase)
	})
}

func Test_commandLine_setRoles(t *testing.T) {
	cli, out := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"setroles"}, wantErr: errHelp},
		{name: "email but no roles", args: []string{"setroles", "-email", "awe@test.ht"}, wantErr: errHelp},
		{name: "invalid role", args: []string{"setroles", "-email", "awe@test.ht", "-roles", "teacher,wizard"}, wantErr: user.ErrInvalidRole},
		{name: "user not found", args: []string{"setroles", "-email", "lol@test.ht", "-roles", "teacher"}, wantErr: user.ErrNotFound},
		{
			name:  "set roles",
			args:  []string{"setroles", "-email", " AWE@test.ht", "-roles", "student, Teacher"},
			extra: []user.Role{user.RoleStudent, user.RoleTeacher},
		},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			checkErr(t, tt, err)

			if want, ok := tt.extra.([]user.Role); ok && err == nil {
				ctx := context.Background()
				idn, err := cli.repo.GetIdentityByEmail(ctx, "awe@test.ht")
				require.NoError(t, err)
				prof, err := cli.repo.GetProfile(ctx, idn.ID)
				require.NoError(t, err)
				assert.ElementsMatch(t, want, prof.Roles)
				assert.Equal(t, "awe@test.ht: student,teacher\n", out.String())
			}
		})
	}
}

func Test_commandLine_session(t *testing.T) {
	cli, out := setup(t)

	origReadPassword := readPasswordFunc
	t.Cleanup(func() { readPasswordFunc = origReadPassword })

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "whoami signed out", args: []string{"whoami"}, extra: "not signed in"},
		{name: "login without email", args: []string{"login"}, wantErr: errHelp},
		{name: "login without password", args: []string{"login", "-email", "awe@test.ht"}, wantErr: errHelp},
		{
			name:    "login wrong password",
			args:    []string{"login", "-email", "awe@test.ht"},
			wantErr: auth.ErrInvalidCredentials,
			extra:   extra{pwd: "Kreyol2025"},
		},
		{
			name:  "login",
			args:  []string{"login", "-email", "awe@test.ht"},
			extra: extra{pwd: testPassword},
		},
		{name: "whoami signed in", args: []string{"whoami"}, extra: "awe@test.ht (student) -> /dashboard/student"},
		{name: "logout", args: []string{"logout"}, extra: "signed out"},
		{name: "whoami after logout", args: []string{"whoami"}, extra: "not signed in"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.pwd), nil
			}
			return nil, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			checkErr(t, tt, cli.run(args))
			if want, ok := tt.extra.(string); ok {
				assert.Equal(t, want, strings.TrimSpace(out.String()))
			}
		})
	}

	assert.False(t, cli.store.State().IsAuthenticated)
}
