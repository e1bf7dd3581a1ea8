// Package config loads the service configuration from config.yaml and
// PATCHHISTORY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/alimasry/go-patch-history/history"
)

const envPrefix = "PATCHHISTORY"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type StorageConfig struct {
	// Backend holds documents, and patches unless Postgres is configured.
	Backend   string          `mapstructure:"backend" validate:"oneof=memory pebble firestore"`
	Pebble    PebbleConfig    `mapstructure:"pebble"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	// CacheTTL enables the patch read cache when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
}

type PebbleConfig struct {
	Dir string `mapstructure:"dir"`
}

type FirestoreConfig struct {
	Project string `mapstructure:"project"`
}

type PostgresConfig struct {
	// DSN, when set, moves patch storage to Postgres.
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Name                  string                  `mapstructure:"name" validate:"required"`
	RetainPatchesOnDelete bool                    `mapstructure:"retain_patches_on_delete"`
	Includes              []history.IncludedField `mapstructure:"includes"`
	TimestampFields       []string                `mapstructure:"timestamp_fields"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{
			Backend: "memory",
			Pebble:  PebbleConfig{Dir: "data"},
		},
		History: HistoryConfig{Name: "documentPatches"},
	}
}

// Load reads config.yaml from path, which may be a directory or a file,
// and applies environment overrides such as PATCHHISTORY_SERVER_ADDR. A
// directory without config.yaml is not an error; a missing file is.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // allow environment overrides

	// Defaults register the keys, which AutomaticEnv needs to see them.
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.pebble.dir", def.Storage.Pebble.Dir)
	v.SetDefault("storage.firestore.project", def.Storage.Firestore.Project)
	v.SetDefault("storage.postgres.dsn", def.Storage.Postgres.DSN)
	v.SetDefault("storage.cache_ttl", def.Storage.CacheTTL)
	v.SetDefault("history.name", def.History.Name)
	v.SetDefault("history.retain_patches_on_delete", def.History.RetainPatchesOnDelete)
	v.SetDefault("history.timestamp_fields", []string{})

	if path != "" {
		info, err := os.Stat(path)
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" || (err == nil && !info.IsDir()) {
			v.SetConfigFile(path)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the settings each backend needs.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Storage.Backend {
	case "pebble":
		if c.Storage.Pebble.Dir == "" {
			return errors.New("invalid config: storage.pebble.dir is required for the pebble backend")
		}
	case "firestore":
		if c.Storage.Firestore.Project == "" {
			return errors.New("invalid config: storage.firestore.project is required for the firestore backend")
		}
	}
	return nil
}
