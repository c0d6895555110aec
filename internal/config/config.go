// Package config loads project configuration from neutron.yaml and the
// environment.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/forwardcompute/neutronapi/connection"
)

// AppFs is the filesystem used for config discovery, swappable in tests.
var AppFs = afero.NewOsFs()

// Database mirrors one alias entry of the "databases" config section.
type Database struct {
	Engine   string `mapstructure:"engine"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Options  struct {
		FTS bool `mapstructure:"fts"`
	} `mapstructure:"options"`
}

// Config holds the loaded project configuration.
type Config struct {
	// MigrationsDir is the directory holding per-app migration trees.
	MigrationsDir string `mapstructure:"migrations_dir"`
	// Apps lists the app labels the CLI operates on.
	Apps      []string            `mapstructure:"apps"`
	Databases map[string]Database `mapstructure:"databases"`
}

// Load reads neutron.yaml from the working directory, the home directory or
// ~/.config/neutron, layered under .env files and NEUTRON_* environment
// variables.
func Load() (*Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("neutron")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(home)
	v.AddConfigPath(filepath.Join(home, ".config", "neutron"))

	v.SetEnvPrefix("NEUTRON")
	v.AutomaticEnv()

	v.SetDefault("migrations_dir", ".")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// .env files layer under the config file; .env.local wins over .env.
	if _, err := AppFs.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	if _, err := AppFs.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Databases) == 0 {
		cfg.Databases = map[string]Database{
			connection.DefaultAlias: {Engine: "embedded", Name: "neutron.db"},
		}
	}
	return cfg, nil
}

// Settings converts the databases section into connection settings keyed by
// alias, ready for connection.Setup.
func (c *Config) Settings() map[string]connection.Settings {
	out := make(map[string]connection.Settings, len(c.Databases))
	for alias, db := range c.Databases {
		out[alias] = connection.Settings{
			Engine:   db.Engine,
			Name:     db.Name,
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			Options:  connection.Options{FTS: db.Options.FTS},
		}
	}
	return out
}
