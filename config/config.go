/*
Package config loads server settings from defaults, an optional .env file and
the environment.

PURPOSE:
  One place that knows every tunable of the ledger server. cmd/server loads it
  once at startup and passes plain values down; no package reads the
  environment on its own.

SOURCES (later wins):
  1. Defaults below
  2. <dir>/.env.<env> if it exists (e.g. config/.env.development)
  3. Environment variables with the LEDGER_ prefix; dots become underscores,
     so database.dsn is LEDGER_DATABASE_DSN

KEYS:
  env                       development | test | production
  server.port               HTTP port
  server.cors_origins       comma separated list
  database.driver           sqlite3 | postgres
  database.dsn              file path, ":memory:" or a postgres URL
  timezone                  IANA zone for "today" (Asia/Jakarta)
  report.unlinked_payments  unfiltered | match_kind | never
  scheduler.enabled         run the overdue refresh in the background
  scheduler.interval        how often it runs
  log.level                 debug | info | warn | error

SEE ALSO:
  - cmd/server/main.go: flag overrides and wiring
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/school-ledger/billing"
)

const envPrefix = "LEDGER"

type Config struct {
	Env       string
	Server    ServerConfig
	Database  DatabaseConfig
	Timezone  string
	Report    ReportConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type ReportConfig struct {
	UnlinkedPayments billing.UnlinkedPolicy
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type LogConfig struct {
	Level string
}

// Production reports whether the server runs with production defaults.
func (c Config) Production() bool {
	return c.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("env", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "ledger.db")
	v.SetDefault("timezone", "Asia/Jakarta")
	v.SetDefault("report.unlinked_payments", string(billing.UnlinkedWhenUnfiltered))
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("log.level", "info")
}

// Load reads the configuration. dir is where .env.<env> files live; an
// empty dir skips the file.
func Load(dir string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	env := strings.ToLower(os.Getenv(envPrefix + "_ENV"))
	if env == "" {
		env = "development"
	}

	// load .env if it exists (ignore if it does not)
	if dir != "" {
		dotEnvPath := filepath.Join(dir, ".env."+env)
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", dotEnvPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	policy, err := billing.ParseUnlinkedPolicy(v.GetString("report.unlinked_payments"))
	if err != nil {
		return Config{}, fmt.Errorf("config: report.unlinked_payments: %w", err)
	}

	cfg := Config{
		Env: env,
		Server: ServerConfig{
			Port:        v.GetInt("server.port"),
			CORSOrigins: splitList(v.GetString("server.cors_origins")),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Timezone: v.GetString("timezone"),
		Report:   ReportConfig{UnlinkedPayments: policy},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("scheduler.enabled"),
			Interval: v.GetDuration("scheduler.interval"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values Load cannot coerce. cmd/server calls it again after
// applying flag overrides.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config: scheduler.interval must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
