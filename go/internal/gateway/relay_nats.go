package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const originHeader = "Hanoi-Origin"

// NATSRelayConfig holds configuration for the NATS relay
type NATSRelayConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSRelayConfig returns default NATS relay configuration
func DefaultNATSRelayConfig() NATSRelayConfig {
	return NATSRelayConfig{
		URL:           nats.DefaultURL,
		Subject:       "hanoiboard.broadcast",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSRelay relays broadcasts over a core NATS subject. Messages carry the publishing
// process id in a header so each process can skip its own.
type NATSRelay struct {
	nc     *nats.Conn
	origin string
	config NATSRelayConfig
}

// NewNATSRelay connects to NATS
func NewNATSRelay(config NATSRelayConfig) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name("hanoiboard-relay"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSRelay{
		nc:     nc,
		origin: uuid.New().String(),
		config: config,
	}, nil
}

func (r *NATSRelay) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(r.config.Subject)
	msg.Header.Set(originHeader, r.origin)
	msg.Data = payload
	if err := r.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.config.Subject, err)
	}
	return nil
}

func (r *NATSRelay) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	sub, err := r.nc.Subscribe(r.config.Subject, func(msg *nats.Msg) {
		if msg.Header.Get(originHeader) == r.origin {
			return
		}
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.config.Subject, err)
	}

	log.Info().
		Str("subject", r.config.Subject).
		Str("origin", r.origin).
		Msg("subscribed to NATS relay")

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && r.nc.IsConnected() {
			log.Error().Err(err).Msg("failed to unsubscribe from NATS relay")
		}
	}()
	return nil
}

func (r *NATSRelay) Close() error {
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
