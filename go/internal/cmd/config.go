package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	relayNone     = "none"
	relayMemory   = "memory"
	relayNATS     = "nats"
	relayPostgres = "postgres"
)

// Config is read from the optional YAML file, then overridden by environment variables.
type Config struct {
	AdminSecret    string        `yaml:"admin_secret" envconfig:"ADMIN"`
	TestMode       bool          `yaml:"test" envconfig:"TEST"`
	Port           string        `yaml:"port" envconfig:"PORT"`
	LogLevel       string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	StoreKind      string        `yaml:"store_kind" envconfig:"STORE_KIND"`
	StoreTimeout   time.Duration `yaml:"store_timeout" envconfig:"STORE_TIMEOUT"`
	RelayKind      string        `yaml:"relay_kind" envconfig:"RELAY_KIND"`
	RelayChannel   string        `yaml:"relay_channel" envconfig:"RELAY_CHANNEL"`
	NATSURL        string        `yaml:"nats_url" envconfig:"NATS_URL"`
	AllowedOrigins []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	BackupTimeout  time.Duration `yaml:"backup_timeout" envconfig:"BACKUP_TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		Port:           "8080",
		LogLevel:       "info",
		StoreKind:      storeMemory,
		StoreTimeout:   5 * time.Second,
		RelayKind:      relayNone,
		RelayChannel:   "hanoiboard_broadcast",
		NATSURL:        "nats://localhost:4222",
		AllowedOrigins: []string{"*"},
		BackupTimeout:  10 * time.Second,
	}
}

// loadConfig reads path if it exists and applies environment overrides
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AdminSecret == "" {
		return errors.New("ADMIN must be set")
	}
	switch c.StoreKind {
	case storeMemory, storePostgres:
	default:
		return fmt.Errorf("unknown store kind %q", c.StoreKind)
	}
	switch c.RelayKind {
	case relayNone, relayMemory, relayNATS:
	case relayPostgres:
		if c.StoreKind != storePostgres {
			return errors.New("the postgres relay needs the postgres store")
		}
	default:
		return fmt.Errorf("unknown relay kind %q", c.RelayKind)
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	return nil
}

func (c Config) logLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
