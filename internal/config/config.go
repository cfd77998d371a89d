package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/aining777/grouped-history/internal/validation"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite3"
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Storage StorageConfig
	Save    SaveConfig
	Log     LogConfig
}

// StorageConfig selects the persistence facility and the key the store is
// saved under.
type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"sqlite3"`
	DSN     string `env:"STORAGE_DSN" envDefault:"data/grouped-history.db"`
	Dir     string `env:"STORAGE_DIR" envDefault:"data"`
	Key     string `env:"PERSISTENCE_KEY" envDefault:"grouped_history_data"`
}

// SaveConfig holds save-on-mutation behavior. A zero Debounce saves
// synchronously on every mutation.
type SaveConfig struct {
	Debounce time.Duration `env:"SAVE_DEBOUNCE" envDefault:"0s"`
	Workers  int           `env:"SAVE_WORKERS" envDefault:"1"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("parsing storage config: %w", err)
	}
	if err := env.Parse(&cfg.Save); err != nil {
		return nil, fmt.Errorf("parsing save config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs validation.ValidationErrors

	switch c.Storage.Backend {
	case BackendSQLite, BackendPostgres:
		if c.Storage.DSN == "" {
			errs.Add("STORAGE_DSN", "", "required for the "+c.Storage.Backend+" backend")
		}
	case BackendFile:
		if c.Storage.Dir == "" {
			errs.Add("STORAGE_DIR", "", "required for the file backend")
		}
	case BackendMemory:
	default:
		errs.Add("STORAGE_BACKEND", c.Storage.Backend, "must be one of sqlite3, postgres, file, memory")
	}

	if err := validation.ValidateStorageKey(c.Storage.Key); err != nil {
		errs.Add("PERSISTENCE_KEY", c.Storage.Key, err.Error())
	}
	if c.Save.Debounce < 0 {
		errs.Add("SAVE_DEBOUNCE", c.Save.Debounce.String(), "must not be negative")
	}
	if c.Save.Workers < 1 {
		errs.Add("SAVE_WORKERS", strconv.Itoa(c.Save.Workers), "must be at least 1")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs.Add("LOG_FORMAT", c.Log.Format, "must be json or console")
	}

	return errs.Err()
}

// UsesSQL returns true if the configured backend is a SQL database.
func (c *Config) UsesSQL() bool {
	return c.Storage.Backend == BackendSQLite || c.Storage.Backend == BackendPostgres
}
