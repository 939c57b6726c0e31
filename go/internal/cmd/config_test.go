package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hanoiboard/go/internal/dbconfig"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("ADMIN", "s3cret")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.AdminSecret)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, storeMemory, cfg.StoreKind)
	assert.Equal(t, relayNone, cfg.RelayKind)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.False(t, cfg.TestMode)
}

func TestLoadConfig_FileThenEnvOverride(t *testing.T) {
	path := writeConfig(t, `
admin_secret: from-file
port: "9090"
store_timeout: 2s
relay_kind: nats
allowed_origins:
  - https://hanoi.example.com
`)
	t.Setenv("PORT", "7070")
	t.Setenv("TEST", "true")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.AdminSecret)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, relayNATS, cfg.RelayKind)
	assert.Equal(t, []string{"https://hanoi.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.TestMode)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing admin secret", body: "port: \"8080\"\n"},
		{name: "unknown store", body: "admin_secret: x\nstore_kind: redis\n"},
		{name: "unknown relay", body: "admin_secret: x\nrelay_kind: kafka\n"},
		{name: "postgres relay without postgres store", body: "admin_secret: x\nrelay_kind: postgres\n"},
		{name: "malformed yaml", body: "admin_secret: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestConfig_LogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, Config{LogLevel: "DEBUG"}.logLevel())
	assert.Equal(t, zerolog.WarnLevel, Config{LogLevel: "warn"}.logLevel())
	assert.Equal(t, zerolog.InfoLevel, Config{LogLevel: "loud"}.logLevel())
	assert.Equal(t, zerolog.InfoLevel, Config{}.logLevel())
}

func TestRelayConfigsUseRelayChannel(t *testing.T) {
	cfg := defaultConfig()
	cfg.RelayChannel = "finals_room"
	cfg.NATSURL = "nats://relay:4222"

	natsCfg := natsRelayConfig(cfg)
	assert.Equal(t, "finals_room", natsCfg.Subject)
	assert.Equal(t, "nats://relay:4222", natsCfg.URL)

	pgCfg := postgresRelayConfig(cfg, dbconfig.Config{URL: "postgres://u:p@db:5432/x"})
	assert.Equal(t, "finals_room", pgCfg.Channel)
	assert.Equal(t, "postgres://u:p@db:5432/x", pgCfg.DatabaseURL)
}

func TestGatewayConfigCarriesTimeouts(t *testing.T) {
	cfg := defaultConfig()
	cfg.AdminSecret = "s3cret"
	cfg.StoreTimeout = 2 * time.Second
	cfg.BackupTimeout = 30 * time.Second

	manager := gatewayConfig(cfg).ManagerConfig
	assert.Equal(t, "s3cret", manager.AdminSecret)
	assert.Equal(t, 2*time.Second, manager.StoreTimeout)
	assert.Equal(t, 30*time.Second, manager.BackupTimeout)
}
