package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hanoiboard/go/internal/models"
	"github.com/mcdev12/hanoiboard/go/internal/protocol"
)

// broadcast queues msg to every connection in connect order. Global broadcasts are also
// handed to the relay publisher.
func (m *ConnectionManager) broadcast(msg protocol.ServerMessage, global bool) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}

	var slow []*Connection
	m.registry.ForEach(func(conn *Connection) {
		if !m.enqueue(conn, raw) {
			slow = append(slow, conn)
		}
	})
	for _, conn := range slow {
		m.dropSlow(conn)
	}

	recipients := m.registry.Count()
	m.metrics.RecordBroadcast(protocol.ServerKindOf(msg), recipients)

	log.Debug().
		Str("kind", protocol.ServerKindOf(msg)).
		Int("recipients", recipients).
		Bool("global", global).
		Msg("broadcast sent")

	if global && m.relay != nil {
		select {
		case m.relayOut <- raw:
		default:
			m.metrics.RecordRelay("out", false)
			log.Warn().Msg("relay queue full, broadcast not relayed")
		}
	}
}

// broadcastAndPersist stores data as the active leaderboards, broadcasts it when output is
// public and posts it to the backup webhook.
func (m *ConnectionManager) broadcastAndPersist(ctx context.Context, data models.HanoiData) (models.HanoiData, error) {
	sctx, cancel := m.storeContext(ctx)
	stored, err := m.state.SetActiveData(sctx, data)
	cancel()
	if err != nil {
		m.storeFailed("set_data", err, nil)
		return nil, err
	}

	if m.srvConfig.OutputAccess == models.AccessEveryone {
		m.broadcast(protocol.Data{Data: stored}, true)
	}
	if m.srvConfig.HasBackup() {
		go m.postBackup(*m.srvConfig.BackupURL, stored.Clone())
	}
	return stored, nil
}

// postBackup sends data to the backup webhook. Failures are logged and not retried.
func (m *ConnectionManager) postBackup(url string, data models.HanoiData) {
	if m.backup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.BackupTimeout)
	defer cancel()

	start := time.Now()
	err := m.backup.PostData(ctx, url, data)
	m.metrics.RecordBackup(err == nil, time.Since(start))
	if err != nil {
		log.Error().Err(err).Str("backup_url", url).Msg("failed to post backup")
		return
	}
	log.Debug().Str("backup_url", url).Msg("backup posted")
}
