package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hanoiboard/go/clients/backup_client"
	"github.com/mcdev12/hanoiboard/go/internal/dbconfig"
	"github.com/mcdev12/hanoiboard/go/internal/gateway"
	"github.com/mcdev12/hanoiboard/go/internal/instance"
)

type Services struct {
	Instances *instance.App
	Gateway   *gateway.Service
	Registry  *prometheus.Registry

	database *sql.DB
}

func setupServices(ctx context.Context, cfg Config) (*Services, error) {
	// Wire up dependency injection chain
	// Store → App → Gateway

	var (
		store    instance.Store
		database *sql.DB
		dbCfg    = dbconfig.NewConfigFromEnv()
	)
	switch cfg.StoreKind {
	case storePostgres:
		db, err := setupDatabase(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		pgStore := instance.NewPostgresStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		store = pgStore
		database = db
	default:
		store = instance.NewMemoryStore()
	}

	clock := clockwork.NewRealClock()
	app := instance.NewApp(store, clock)
	if _, err := app.Bootstrap(ctx); err != nil {
		closeDatabase(database)
		return nil, fmt.Errorf("failed to bootstrap instances: %w", err)
	}

	relay, err := setupRelay(cfg, database, dbCfg)
	if err != nil {
		closeDatabase(database)
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []gateway.Option{
		gateway.WithClock(clock),
		gateway.WithMetrics(gateway.NewPrometheusMetrics(registry)),
		gateway.WithBackup(backup_client.NewClient(cfg.AdminSecret, cfg.BackupTimeout)),
	}
	if relay != nil {
		opts = append(opts, gateway.WithRelay(relay))
	}

	return &Services{
		Instances: app,
		Gateway:   gateway.NewService(gatewayConfig(cfg), app, opts...),
		Registry:  registry,
		database:  database,
	}, nil
}

func setupRelay(cfg Config, database *sql.DB, dbCfg dbconfig.Config) (gateway.Relay, error) {
	switch cfg.RelayKind {
	case relayMemory:
		return gateway.NewMemoryBus().Relay(), nil
	case relayNATS:
		relay, err := gateway.NewNATSRelay(natsRelayConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to connect relay: %w", err)
		}
		return relay, nil
	case relayPostgres:
		relay, err := gateway.NewPostgresRelay(database, postgresRelayConfig(cfg, dbCfg))
		if err != nil {
			return nil, fmt.Errorf("failed to start relay: %w", err)
		}
		return relay, nil
	default:
		return nil, nil
	}
}

func gatewayConfig(cfg Config) gateway.Config {
	gatewayCfg := gateway.DefaultConfig()
	gatewayCfg.ManagerConfig.AdminSecret = cfg.AdminSecret
	gatewayCfg.ManagerConfig.TestFastPass = cfg.TestMode
	gatewayCfg.ManagerConfig.StoreTimeout = cfg.StoreTimeout
	gatewayCfg.ManagerConfig.BackupTimeout = cfg.BackupTimeout
	return gatewayCfg
}

// natsRelayConfig uses the relay channel as the NATS subject
func natsRelayConfig(cfg Config) gateway.NATSRelayConfig {
	natsCfg := gateway.DefaultNATSRelayConfig()
	natsCfg.URL = cfg.NATSURL
	if cfg.RelayChannel != "" {
		natsCfg.Subject = cfg.RelayChannel
	}
	return natsCfg
}

func postgresRelayConfig(cfg Config, dbCfg dbconfig.Config) gateway.PostgresRelayConfig {
	pgCfg := gateway.DefaultPostgresRelayConfig()
	pgCfg.DatabaseURL = dbCfg.DSN()
	if cfg.RelayChannel != "" {
		pgCfg.Channel = cfg.RelayChannel
	}
	return pgCfg
}

// Close releases the database, if any
func (s *Services) Close() {
	closeDatabase(s.database)
}

func closeDatabase(database *sql.DB) {
	if database == nil {
		return
	}
	if err := database.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close database")
	}
}
