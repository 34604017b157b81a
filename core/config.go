package core

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env             string
		Build           string
		Debug           bool
		TestMode        bool
		AppName         string
		DefaultLanguage string
		RollbarToken    string

		// CommonPasswordsFile is a gzipped list of passwords refused at sign up.
		CommonPasswordsFile string

		Server   ServerConfig
		Database DatabaseConfig
		Auth     AuthConfig
		Snapshot SnapshotConfig
		Events   EventsConfig
	}

	ServerConfig struct {
		Host            string
		Address         string
		DebugHost       string
		DisableReqLogs  bool
		AuthRateLimit   float64
		ShutdownTimeout time.Duration
	}

	DatabaseConfig struct {
		Engine   string
		Host     string
		Port     string
		Name     string
		User     string
		Password string
		SSLMode  string
	}

	AuthConfig struct {
		Backend                 string // local | kratos
		SecretKey               string
		TokenTTL                time.Duration
		KratosURL               string
		KratosPollInterval      time.Duration
		CallTimeout             time.Duration
		AutoSignInAfterRegister bool
		ConfirmEmail            bool
	}

	SnapshotConfig struct {
		Dir string
		Key string
	}

	EventsConfig struct {
		RedisURL string
		Channel  string
	}
)

// Address returns the host:port pair of the database server.
func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Enabled reports whether a database server is configured. Without one, identity rows live in memory.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("debug", true)
	conf.SetDefault("testMode", false)
	conf.SetDefault("appName", "Tek Pou Nou")
	conf.SetDefault("defaultLanguage", "ht-HT")
	conf.SetDefault("rollbarToken", "")
	conf.SetDefault("commonPasswordsFile", filepath.Join(configDir(), "common-passwords.txt.gz"))

	conf.SetDefault("server.host", "localhost")
	conf.SetDefault("server.address", ":8000")
	conf.SetDefault("server.debugHost", ":4000")
	conf.SetDefault("server.disableReqLogs", false)
	conf.SetDefault("server.authRateLimit", 5.0)
	conf.SetDefault("server.shutdownTimeout", 5*time.Second)

	conf.SetDefault("database.engine", "postgres")
	conf.SetDefault("database.host", "")
	conf.SetDefault("database.port", "5432")
	conf.SetDefault("database.name", "tekpounou")
	conf.SetDefault("database.user", "postgres")
	conf.SetDefault("database.password", "")
	conf.SetDefault("database.sslMode", "disable")

	conf.SetDefault("auth.backend", "local")
	conf.SetDefault("auth.secretKey", "k9#v2t!m0q^x8r$e4w@z7n&b1c5y3u6p")
	conf.SetDefault("auth.tokenTTL", time.Hour)
	conf.SetDefault("auth.kratosURL", "http://localhost:4433")
	conf.SetDefault("auth.kratosPollInterval", 30*time.Second)
	conf.SetDefault("auth.callTimeout", 10*time.Second)
	conf.SetDefault("auth.autoSignInAfterRegister", false)
	conf.SetDefault("auth.confirmEmail", false)

	conf.SetDefault("snapshot.dir", defaultSnapshotDir())
	conf.SetDefault("snapshot.key", "auth-storage")

	conf.SetDefault("events.redisURL", "")
	conf.SetDefault("events.channel", "tekpounou:auth-events")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	}
	conf.SetEnvPrefix(env)
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(configDir(), ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Env:             env,
		Build:           conf.GetString("build"),
		Debug:           conf.GetBool("debug"),
		TestMode:        conf.GetBool("testMode"),
		AppName:         conf.GetString("appName"),
		DefaultLanguage: conf.GetString("defaultLanguage"),
		RollbarToken:    conf.GetString("rollbarToken"),

		CommonPasswordsFile: conf.GetString("commonPasswordsFile"),

		Server: ServerConfig{
			Host:            conf.GetString("server.host"),
			Address:         conf.GetString("server.address"),
			DebugHost:       conf.GetString("server.debugHost"),
			DisableReqLogs:  conf.GetBool("server.disableReqLogs"),
			AuthRateLimit:   conf.GetFloat64("server.authRateLimit"),
			ShutdownTimeout: conf.GetDuration("server.shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:   conf.GetString("database.engine"),
			Host:     conf.GetString("database.host"),
			Port:     conf.GetString("database.port"),
			Name:     conf.GetString("database.name"),
			User:     conf.GetString("database.user"),
			Password: conf.GetString("database.password"),
			SSLMode:  conf.GetString("database.sslMode"),
		},
		Auth: AuthConfig{
			Backend:                 strings.ToLower(conf.GetString("auth.backend")),
			SecretKey:               conf.GetString("auth.secretKey"),
			TokenTTL:                conf.GetDuration("auth.tokenTTL"),
			KratosURL:               conf.GetString("auth.kratosURL"),
			KratosPollInterval:      conf.GetDuration("auth.kratosPollInterval"),
			CallTimeout:             conf.GetDuration("auth.callTimeout"),
			AutoSignInAfterRegister: conf.GetBool("auth.autoSignInAfterRegister"),
			ConfirmEmail:            conf.GetBool("auth.confirmEmail"),
		},
		Snapshot: SnapshotConfig{
			Dir: conf.GetString("snapshot.dir"),
			Key: conf.GetString("snapshot.key"),
		},
		Events: EventsConfig{
			RedisURL: conf.GetString("events.redisURL"),
			Channel:  conf.GetString("events.channel"),
		},
	}
}

// configDir is where the .env.<env> files live: $CONFIG_DIR or ./config.
func configDir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(wd, "config")
}

func defaultSnapshotDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tekpounou")
	}
	return filepath.Join(os.TempDir(), "tekpounou")
}
