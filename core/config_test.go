package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("ENV", "")
		conf := NewConfig()

		assert.Equal(t, "DEV", conf.Env)
		assert.Equal(t, "Tek Pou Nou", conf.AppName)
		assert.Equal(t, "ht-HT", conf.DefaultLanguage)
		assert.Equal(t, "local", conf.Auth.Backend)
		assert.Equal(t, "auth-storage", conf.Snapshot.Key)
		assert.Equal(t, 5*time.Second, conf.Server.ShutdownTimeout)
		assert.False(t, conf.Auth.AutoSignInAfterRegister)
		assert.False(t, conf.Database.Enabled())
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("ENV", "test")
		t.Setenv("TEST_AUTH_BACKEND", "KRATOS")
		t.Setenv("TEST_AUTH_AUTOSIGNINAFTERREGISTER", "true")
		t.Setenv("TEST_DATABASE_HOST", "db.local")
		t.Setenv("TEST_SERVER_SHUTDOWNTIMEOUT", "12s")
		conf := NewConfig()

		assert.Equal(t, "TEST", conf.Env)
		assert.True(t, conf.TestMode)
		assert.Equal(t, "kratos", conf.Auth.Backend)
		assert.True(t, conf.Auth.AutoSignInAfterRegister)
		assert.True(t, conf.Database.Enabled())
		assert.Equal(t, "db.local:5432", conf.Database.Address())
		assert.Equal(t, 12*time.Second, conf.Server.ShutdownTimeout)
	})
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: []string{}},
		{name: "single", in: "admin", want: []string{"admin"}},
		{name: "spaces and blanks", in: " admin, ,teacher ,", want: []string{"admin", "teacher"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitList(tt.in))
		})
	}
}
