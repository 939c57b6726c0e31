package gateway

import (
	"context"
	"crypto/subtle"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hanoiboard/go/internal/models"
	"github.com/mcdev12/hanoiboard/go/internal/protocol"
)

const testAdminSecret = "TEST"

// handleMessage runs one inbound frame through the gate and the session state machine
func (m *ConnectionManager) handleMessage(ctx context.Context, conn *Connection, text string) {
	msg := protocol.Parse(text)
	kind := protocol.KindOf(msg)
	m.metrics.RecordInbound(kind)

	if _, gated := msg.(protocol.Gated); gated && !m.authorize(conn) {
		m.metrics.RecordGateRejection(kind)
		log.Debug().
			Str("connection_id", conn.ID).
			Str("kind", kind).
			Str("auth", string(conn.Auth.Kind)).
			Msg("message rejected by input gate")
		m.send(conn, protocol.Auth{Status: protocol.AuthFailure})
		return
	}

	switch msg := msg.(type) {
	case protocol.AdminClaim:
		m.handleAdminClaim(ctx, conn, msg.Secret)
	case protocol.AdminDisconnect:
		m.handleAdminDisconnect(conn, msg.ClientID)
	case protocol.AdminAllowInput:
		m.handleAllowInput(ctx, conn, msg.ClientID)
	case protocol.Ping:
		m.send(conn, protocol.Pong{})
	case protocol.AuthToken:
		m.handleAuthToken(ctx, conn, msg.Token)
	case protocol.AuthOther:
		if m.srvConfig.InputAccess == models.AccessNone && !conn.IsAdmin() {
			m.send(conn, protocol.Auth{Status: protocol.AuthFailure})
		}
	case protocol.ReportRole:
		conn.Role = msg.Role
		m.notifyAdminClients()
	case protocol.SetTimeLimit:
		m.handleTimeLimit(ctx, conn, msg)
	case protocol.Signal:
		m.broadcast(protocol.Broadcast{Raw: msg.Raw}, true)
	case protocol.Update:
		m.handleUpdate(ctx, conn, msg)
	case protocol.RefreshAll:
		if data, ok := m.activeData(ctx); ok {
			_, _ = m.broadcastAndPersist(ctx, data)
		}
	case protocol.Refresh:
		if data, ok := m.activeData(ctx); ok {
			m.send(conn, protocol.Data{Data: data})
		}
	case protocol.Unknown:
		log.Debug().Str("connection_id", conn.ID).Msg("ignoring unrecognized message")
	default:
		log.Error().Str("connection_id", conn.ID).Str("kind", kind).Msg("unhandled client message")
	}
}

// authorize is the input gate. An expired token is downgraded first.
func (m *ConnectionManager) authorize(conn *Connection) bool {
	if conn.Auth.Expired(m.clock.Now().UnixMilli()) {
		log.Info().Str("connection_id", conn.ID).Msg("access token expired")
		conn.Auth = models.NoAuth()
		m.notifyAdminClients()
	}

	switch m.srvConfig.InputAccess {
	case models.AccessEveryone:
		return true
	case models.AccessRestricted:
		return conn.Auth.Kind != models.AuthNone
	default:
		return conn.IsAdmin()
	}
}

func (m *ConnectionManager) validAdminSecret(secret string) bool {
	if m.config.TestFastPass && secret == testAdminSecret {
		return true
	}
	if m.config.AdminSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(m.config.AdminSecret)) == 1
}

func (m *ConnectionManager) handleAdminClaim(ctx context.Context, conn *Connection, secret string) {
	if conn.claimLimiter != nil && !conn.claimLimiter.Allow() {
		log.Warn().Str("connection_id", conn.ID).Msg("admin claim rate limit exceeded")
		return
	}
	if !m.validAdminSecret(secret) {
		log.Warn().Str("connection_id", conn.ID).Msg("admin claim with wrong secret")
		return
	}

	if m.adminID != "" && m.adminID != conn.ID {
		if prev, ok := m.registry.Get(m.adminID); ok {
			m.send(prev, protocol.AdminOverridden{})
			prev.Auth = models.NoAuth()
			prev.Role = DefaultRole
			log.Info().
				Str("connection_id", prev.ID).
				Str("new_admin_id", conn.ID).
				Msg("admin overridden")
		}
	}

	conn.Auth = models.AdminAuth()
	conn.Role = "Admin"
	m.adminID = conn.ID
	m.metrics.SetAdminPresent(true)

	log.Info().Str("connection_id", conn.ID).Msg("admin claimed")

	m.send(conn, protocol.AdminOK{})
	m.notifyAdminClients()
	m.notifyAdminInstances(ctx)
	m.notifyAdminConfig()
}

func (m *ConnectionManager) handleAdminDisconnect(conn *Connection, targetID string) {
	if !conn.IsAdmin() {
		return
	}
	target, ok := m.registry.Get(targetID)
	if !ok {
		log.Debug().Str("target_id", targetID).Msg("disconnect target not found")
		return
	}
	m.removeConnection(target, "disconnected by admin")
}

func (m *ConnectionManager) handleAllowInput(ctx context.Context, conn *Connection, targetID string) {
	if !conn.IsAdmin() {
		return
	}
	target, ok := m.registry.Get(targetID)
	if !ok || target.IsAdmin() {
		return
	}

	target.Auth = models.ElevatedAuth(m.clock.Now().UnixMilli())
	log.Info().Str("connection_id", target.ID).Msg("input allowed by admin")

	m.send(target, protocol.Auth{Status: protocol.AuthSuccess})
	if m.srvConfig.OutputAccess != models.AccessEveryone {
		m.sendState(ctx, target)
	}
	m.notifyAdminClients()
}

func (m *ConnectionManager) handleAuthToken(ctx context.Context, conn *Connection, token string) {
	if m.srvConfig.InputAccess == models.AccessNone {
		if !conn.IsAdmin() {
			m.send(conn, protocol.Auth{Status: protocol.AuthFailure})
		}
		return
	}

	sctx, cancel := m.storeContext(ctx)
	expiresAt, ok, err := m.state.CheckToken(sctx, token)
	cancel()
	if err != nil {
		m.storeFailed("check_token", err, conn)
		return
	}
	if !ok {
		log.Info().Str("connection_id", conn.ID).Msg("invalid access token")
		m.send(conn, protocol.Auth{Status: protocol.AuthFailure})
		return
	}

	// an admin stays admin; the token is still acknowledged
	if !conn.IsAdmin() {
		conn.Auth = models.TokenAuth(token, expiresAt)
	}
	m.send(conn, protocol.Auth{Status: protocol.AuthSuccess})
	m.sendState(ctx, conn)
	m.notifyAdminClients()
}

func (m *ConnectionManager) handleTimeLimit(ctx context.Context, conn *Connection, msg protocol.SetTimeLimit) {
	if msg.Err != nil {
		log.Debug().Err(msg.Err).Str("connection_id", conn.ID).Msg("ignoring malformed time limit")
		return
	}

	sctx, cancel := m.storeContext(ctx)
	meta, err := m.state.MutateActiveMeta(sctx, func(meta *models.InstanceMeta) {
		if meta.TimeLimits == nil {
			meta.TimeLimits = make(map[models.LeaderboardID]models.TimeLimit)
		}
		meta.TimeLimits[msg.Leaderboard] = msg.Limit
	})
	cancel()
	if err != nil {
		m.storeFailed("mutate_meta", err, conn)
		return
	}
	m.broadcast(protocol.Meta{Meta: meta}, true)
}

func (m *ConnectionManager) handleUpdate(ctx context.Context, conn *Connection, msg protocol.Update) {
	if msg.Err != nil {
		log.Debug().Err(msg.Err).Str("connection_id", conn.ID).Msg("ignoring malformed update")
		return
	}
	if _, err := m.broadcastAndPersist(ctx, msg.Leaderboards); err != nil {
		return
	}
	if msg.Highlight != nil {
		m.broadcast(protocol.HighlightSignal{Highlight: *msg.Highlight}, true)
	}
}

// sendState sends meta and data to one connection
func (m *ConnectionManager) sendState(ctx context.Context, conn *Connection) {
	if meta, ok := m.activeMeta(ctx); ok {
		m.send(conn, protocol.Meta{Meta: meta})
	}
	if data, ok := m.activeData(ctx); ok {
		m.send(conn, protocol.Data{Data: data})
	}
}
