package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the demo application configuration
type Config struct {
	Database DatabaseConfig
	LogLevel string
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Load reads configuration from the file at path (optional) and from
// ZREL_* environment variables, which take precedence.
//
//	ZREL_DATABASE_DRIVER, ZREL_DATABASE_DSN, ZREL_DATABASE_MAX_OPEN_CONNS,
//	ZREL_DATABASE_MAX_IDLE_CONNS, ZREL_DATABASE_CONN_MAX_LIFETIME, ZREL_LOG_LEVEL
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file::memory:?cache=shared")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("ZREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	driver := v.GetString("database.driver")
	if driver == "" {
		return nil, fmt.Errorf("database.driver is required")
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:          driver,
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		LogLevel: v.GetString("log_level"),
	}, nil
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
