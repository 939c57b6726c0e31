package gateway

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Service is the leaderboard gateway that handles WebSocket connections and broadcasting
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	relay             Relay
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	ManagerConfig    ManagerConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		ManagerConfig:    DefaultManagerConfig(),
	}
}

// NewService creates a new gateway service
func NewService(config Config, stateProvider StateProvider, opts ...Option) *Service {
	opts = append([]Option{WithConnectionConfig(config.ConnectionConfig)}, opts...)
	connectionManager := NewConnectionManager(stateProvider, config.ManagerConfig, opts...)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		relay:             connectionManager.relay,
	}
}

// Start runs the connection manager until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting leaderboard gateway service")

	if err := s.connectionManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connection manager: %w", err)
	}

	log.Info().Msg("leaderboard gateway service shutting down")
	return s.Stop()
}

// Stop releases the relay
func (s *Service) Stop() error {
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close relay")
		}
	}

	log.Info().Msg("leaderboard gateway service stopped")
	return nil
}

// Manager returns the connection manager used by the HTTP API
func (s *Service) Manager() *ConnectionManager {
	return s.connectionManager
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/ws", s.wsHandler.HandleConnection)
	r.Get("/ws/stats", s.wsHandler.HandleConnectionStats)
	log.Info().Msg("gateway routes registered")
}
