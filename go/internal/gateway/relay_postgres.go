package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// maxNotifyPayload stays under the 8000 byte NOTIFY limit
const maxNotifyPayload = 7900

type PostgresRelayConfig struct {
	DatabaseURL  string // Postgres DSN for LISTEN/NOTIFY
	Channel      string // Channel name to LISTEN on
	PingInterval time.Duration
}

func DefaultPostgresRelayConfig() PostgresRelayConfig {
	return PostgresRelayConfig{
		Channel:      "hanoiboard_broadcast",
		PingInterval: 90 * time.Second,
	}
}

// PostgresRelay relays broadcasts with pg_notify. Payloads are prefixed with the publishing
// process id so each process can skip its own.
type PostgresRelay struct {
	db       *sql.DB
	listener *pq.Listener
	origin   string
	cfg      PostgresRelayConfig
}

func NewPostgresRelay(db *sql.DB, cfg PostgresRelayConfig) (*PostgresRelay, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("relay listener event")
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.Channel).
		Msg("listening for relayed broadcasts")

	return &PostgresRelay{
		db:       db,
		listener: l,
		origin:   uuid.New().String(),
		cfg:      cfg,
	}, nil
}

func (r *PostgresRelay) Publish(ctx context.Context, payload []byte) error {
	message := r.origin + ":" + string(payload)
	if len(message) > maxNotifyPayload {
		return fmt.Errorf("relay payload of %d bytes exceeds the %d byte notify limit", len(message), maxNotifyPayload)
	}
	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, r.cfg.Channel, message); err != nil {
		return fmt.Errorf("failed to notify %s: %w", r.cfg.Channel, err)
	}
	return nil
}

func (r *PostgresRelay) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	go r.listen(ctx, handler)
	return nil
}

func (r *PostgresRelay) listen(ctx context.Context, handler func(payload []byte)) {
	log.Info().
		Str("channel", r.cfg.Channel).
		Dur("ping_interval", r.cfg.PingInterval).
		Msg("relay listener started")

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay listener shutting down")
			return
		case note, ok := <-r.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				// nil notification means the connection was re-established
				continue
			}
			origin, payload, found := strings.Cut(note.Extra, ":")
			if !found || origin == r.origin {
				continue
			}
			handler([]byte(payload))
		case <-pingTicker.C:
			if err := r.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping relay listener")
			}
		}
	}
}

func (r *PostgresRelay) Close() error {
	return r.listener.Close()
}
