package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/hanoiboard/go/internal/models"
	"github.com/mcdev12/hanoiboard/go/internal/protocol"
)

// ErrManagerStopped is returned by requests made after the manager stopped.
var ErrManagerStopped = errors.New("connection manager stopped")

// ManagerConfig holds the session settings of a ConnectionManager
type ManagerConfig struct {
	// AdminSecret is compared with ADMIN:<secret> claims.
	AdminSecret string
	// TestFastPass accepts ADMIN:TEST as an admin claim. Development only.
	TestFastPass bool
	// StoreTimeout bounds every store call made while handling a message.
	StoreTimeout time.Duration
	// BackupTimeout bounds one backup webhook post.
	BackupTimeout time.Duration
	// AdminClaimRate and AdminClaimBurst limit admin claims per connection.
	AdminClaimRate  rate.Limit
	AdminClaimBurst int
	// CommandBuffer is the size of the manager inbox.
	CommandBuffer int
	// RelayBuffer is the size of the outgoing relay queue.
	RelayBuffer int
}

// DefaultManagerConfig returns default session settings
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StoreTimeout:    5 * time.Second,
		BackupTimeout:   10 * time.Second,
		AdminClaimRate:  rate.Every(2 * time.Second),
		AdminClaimBurst: 3,
		CommandBuffer:   1024,
		RelayBuffer:     1024,
	}
}

// ConnectionManager owns the client registry, the admin holder and the cached config.
// All of them are only touched by the goroutine running Start; other goroutines send it
// commands.
type ConnectionManager struct {
	state    StateProvider
	relay    Relay
	backup   BackupClient
	clock    clockwork.Clock
	metrics  MetricsCollector
	config   ManagerConfig
	connCfg  ConnectionConfig
	upgrader websocket.Upgrader

	commands chan command
	relayOut chan []byte
	started  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by the Start goroutine
	registry  *Registry
	adminID   string
	srvConfig models.Config
}

// Option customizes a ConnectionManager
type Option func(*ConnectionManager)

// WithRelay enables cross-process broadcasts
func WithRelay(relay Relay) Option {
	return func(m *ConnectionManager) { m.relay = relay }
}

// WithBackup enables the backup webhook
func WithBackup(backup BackupClient) Option {
	return func(m *ConnectionManager) { m.backup = backup }
}

// WithClock replaces the real clock, for tests
func WithClock(clock clockwork.Clock) Option {
	return func(m *ConnectionManager) { m.clock = clock }
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// WithConnectionConfig overrides the socket settings
func WithConnectionConfig(cfg ConnectionConfig) Option {
	return func(m *ConnectionManager) { m.connCfg = cfg }
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(state StateProvider, config ManagerConfig, opts ...Option) *ConnectionManager {
	m := &ConnectionManager{
		state:    state,
		clock:    clockwork.NewRealClock(),
		metrics:  NoOpMetricsCollector{},
		config:   config,
		connCfg:  DefaultConnectionConfig(),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.CommandBuffer <= 0 {
		m.config.CommandBuffer = DefaultManagerConfig().CommandBuffer
	}
	if m.config.RelayBuffer <= 0 {
		m.config.RelayBuffer = DefaultManagerConfig().RelayBuffer
	}
	if m.config.StoreTimeout <= 0 {
		m.config.StoreTimeout = DefaultManagerConfig().StoreTimeout
	}
	if m.config.BackupTimeout <= 0 {
		m.config.BackupTimeout = DefaultManagerConfig().BackupTimeout
	}
	m.commands = make(chan command, m.config.CommandBuffer)
	m.relayOut = make(chan []byte, m.config.RelayBuffer)
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  m.connCfg.ReadBufferSize,
		WriteBufferSize: m.connCfg.WriteBufferSize,
		CheckOrigin:     m.connCfg.CheckOrigin,
	}
	return m
}

// Start loads the config and processes commands until ctx is cancelled
func (m *ConnectionManager) Start(ctx context.Context) error {
	cfgCtx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	cfg, err := m.state.GetConfig(cfgCtx)
	cancel()
	if err != nil {
		m.stop()
		return fmt.Errorf("failed to load config: %w", err)
	}
	m.srvConfig = cfg

	if m.relay != nil {
		err := m.relay.Subscribe(ctx, func(payload []byte) {
			m.metrics.RecordRelay("in", true)
			_ = m.submit(ctx, relayedCmd{payload: payload})
		})
		if err != nil {
			m.stop()
			return fmt.Errorf("failed to subscribe to relay: %w", err)
		}
		go m.publishRelay(ctx)
	}

	log.Info().
		Str("input_access", string(cfg.InputAccess)).
		Str("output_access", string(cfg.OutputAccess)).
		Bool("relay", m.relay != nil).
		Msg("connection manager started")
	close(m.started)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			m.shutdown()
			return nil
		case cmd := <-m.commands:
			m.handle(ctx, cmd)
		}
	}
}

// Started is closed once Start is processing commands
func (m *ConnectionManager) Started() <-chan struct{} {
	return m.started
}

// Done is closed once the manager stopped
func (m *ConnectionManager) Done() <-chan struct{} {
	return m.done
}

func (m *ConnectionManager) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *ConnectionManager) shutdown() {
	for _, conn := range m.registry.Snapshot() {
		m.registry.Unregister(conn.ID)
		close(conn.send)
	}
	m.adminID = ""
	m.metrics.SetConnections(0)
	m.metrics.SetAdminPresent(false)
	m.stop()
}

// publishRelay forwards global broadcasts to the relay in issue order, off the manager goroutine.
func (m *ConnectionManager) publishRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-m.relayOut:
			pubCtx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
			err := m.relay.Publish(pubCtx, payload)
			cancel()
			m.metrics.RecordRelay("out", err == nil)
			if err != nil {
				log.Error().Err(err).Msg("failed to publish broadcast to relay")
			}
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and registers it
func (m *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	var userAgent *string
	if ua := r.UserAgent(); ua != "" {
		userAgent = &ua
	}
	conn := m.newConnection(ws, userAgent)

	if err := m.Register(r.Context(), conn); err != nil {
		ws.Close()
		return fmt.Errorf("failed to register connection: %w", err)
	}

	go m.writePump(conn)
	go m.readPump(conn)

	log.Info().
		Str("connection_id", conn.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
	return nil
}

func (m *ConnectionManager) newConnection(ws *websocket.Conn, userAgent *string) *Connection {
	var limiter *rate.Limiter
	if m.config.AdminClaimRate > 0 {
		limiter = rate.NewLimiter(m.config.AdminClaimRate, m.config.AdminClaimBurst)
	}
	return newConnection(ws, userAgent, m.clock.Now(), m.connCfg.SendBufferSize, limiter)
}

// Register adds conn to the registry and sends it the initial state
func (m *ConnectionManager) Register(ctx context.Context, conn *Connection) error {
	reply := make(chan struct{}, 1)
	if err := m.submit(ctx, registerCmd{conn: conn, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// Unregister removes the connection with id. Unknown ids are ignored.
func (m *ConnectionManager) Unregister(id string) {
	_ = m.submit(context.Background(), unregisterCmd{id: id})
}

// Inbound queues a text frame received from connection id
func (m *ConnectionManager) Inbound(id string, text string) {
	_ = m.submit(context.Background(), inboundCmd{id: id, text: text})
}

// Broadcast sends msg to every connection and, when a relay is configured, to every
// other process
func (m *ConnectionManager) Broadcast(ctx context.Context, msg protocol.ServerMessage) error {
	return m.submit(ctx, broadcastCmd{msg: msg, global: true})
}

// PublishData persists data as the active instance's leaderboards and broadcasts it
func (m *ConnectionManager) PublishData(ctx context.Context, data models.HanoiData) (models.HanoiData, error) {
	reply := make(chan dataResult, 1)
	if err := m.submit(ctx, publishDataCmd{data: data, reply: reply}); err != nil {
		return nil, err
	}
	res, err := awaitValue(ctx, m, reply)
	if err != nil {
		return nil, err
	}
	return res.data, res.err
}

// UpdateConfig replaces the cached config after it was stored
func (m *ConnectionManager) UpdateConfig(ctx context.Context, cfg models.Config) error {
	reply := make(chan struct{}, 1)
	if err := m.submit(ctx, configCmd{config: cfg, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// InstancesChanged pushes the instance list to the admin
func (m *ConnectionManager) InstancesChanged(ctx context.Context) error {
	return m.submit(ctx, instancesChangedCmd{})
}

// SwitchInstance activates the named instance and tells every client to reload. It
// returns false when the instance does not exist.
func (m *ConnectionManager) SwitchInstance(ctx context.Context, name string) (bool, error) {
	reply := make(chan switchResult, 1)
	if err := m.submit(ctx, switchCmd{name: name, reply: reply}); err != nil {
		return false, err
	}
	res, err := awaitValue(ctx, m, reply)
	if err != nil {
		return false, err
	}
	return res.switched, res.err
}

// Clients returns a snapshot of the registry
func (m *ConnectionManager) Clients(ctx context.Context) ([]protocol.ClientInfo, error) {
	reply := make(chan []protocol.ClientInfo, 1)
	if err := m.submit(ctx, clientsCmd{reply: reply}); err != nil {
		return nil, err
	}
	return awaitValue(ctx, m, reply)
}

// Stats describes the registry
type Stats struct {
	TotalConnections int    `json:"total_connections"`
	AdminConnected   bool   `json:"admin_connected"`
	AdminID          string `json:"admin_id,omitempty"`
}

// GetConnectionStats returns statistics about active connections
func (m *ConnectionManager) GetConnectionStats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := m.submit(ctx, statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}
	return awaitValue(ctx, m, reply)
}

func (m *ConnectionManager) submit(ctx context.Context, cmd command) error {
	select {
	case <-m.done:
		return ErrManagerStopped
	default:
	}
	select {
	case m.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
}

func (m *ConnectionManager) await(ctx context.Context, reply <-chan struct{}) error {
	_, err := awaitValue(ctx, m, reply)
	return err
}

func awaitValue[T any](ctx context.Context, m *ConnectionManager, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		return zero, ErrManagerStopped
	}
}

// handle dispatches one command on the manager goroutine
func (m *ConnectionManager) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case registerCmd:
		m.handleRegister(ctx, c.conn)
		c.reply <- struct{}{}
	case unregisterCmd:
		if conn, ok := m.registry.Get(c.id); ok {
			m.removeConnection(conn, "closed")
		}
	case inboundCmd:
		conn, ok := m.registry.Get(c.id)
		if !ok {
			return
		}
		m.handleMessage(ctx, conn, c.text)
	case broadcastCmd:
		m.broadcast(c.msg, c.global)
	case relayedCmd:
		m.broadcast(protocol.Broadcast{Raw: string(c.payload)}, false)
	case publishDataCmd:
		data, err := m.broadcastAndPersist(ctx, c.data)
		c.reply <- dataResult{data: data, err: err}
	case configCmd:
		m.srvConfig = c.config
		m.notifyAdminConfig()
		c.reply <- struct{}{}
	case instancesChangedCmd:
		m.notifyAdminInstances(ctx)
	case switchCmd:
		switched, err := m.switchInstance(ctx, c.name)
		c.reply <- switchResult{switched: switched, err: err}
	case clientsCmd:
		c.reply <- m.clientInfos()
	case statsCmd:
		c.reply <- Stats{
			TotalConnections: m.registry.Count(),
			AdminConnected:   m.adminID != "",
			AdminID:          m.adminID,
		}
	default:
		log.Error().Str("command", fmt.Sprintf("%T", cmd)).Msg("unhandled manager command")
	}
}

// handleRegister adds conn and sends it meta, data and its input permissions
func (m *ConnectionManager) handleRegister(ctx context.Context, conn *Connection) {
	m.registry.Register(conn)
	m.metrics.SetConnections(m.registry.Count())

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", m.registry.Count()).
		Msg("connection registered")

	if meta, ok := m.activeMeta(ctx); ok {
		m.send(conn, protocol.Meta{Meta: meta})
	}
	if m.srvConfig.OutputAccess == models.AccessEveryone {
		if data, ok := m.activeData(ctx); ok {
			m.send(conn, protocol.Data{Data: data})
		}
	} else {
		m.send(conn, protocol.Auth{Status: protocol.AuthNoOutput})
	}

	switch m.srvConfig.InputAccess {
	case models.AccessEveryone:
		m.send(conn, protocol.Auth{Status: protocol.AuthSuccess})
	case models.AccessRestricted:
		m.send(conn, protocol.Auth{Status: protocol.AuthRequired})
	default:
		m.send(conn, protocol.Auth{Status: protocol.AuthNoInput})
	}

	m.notifyAdminClients()
}

// removeConnection unregisters conn before anything else can target it and closes its
// send buffer, which ends the write pump and the socket.
func (m *ConnectionManager) removeConnection(conn *Connection, reason string) {
	if _, ok := m.registry.Unregister(conn.ID); !ok {
		return
	}
	close(conn.send)

	wasAdmin := conn.ID == m.adminID
	if wasAdmin {
		m.adminID = ""
		m.metrics.SetAdminPresent(false)
	}
	m.metrics.SetConnections(m.registry.Count())

	log.Info().
		Str("connection_id", conn.ID).
		Str("reason", reason).
		Bool("was_admin", wasAdmin).
		Msg("connection unregistered")

	m.notifyAdminClients()
}

// send queues msg for conn. A full buffer means the client is too slow and it is dropped.
func (m *ConnectionManager) send(conn *Connection, msg protocol.ServerMessage) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to encode message")
		return
	}
	if !m.enqueue(conn, raw) {
		m.dropSlow(conn)
	}
}

func (m *ConnectionManager) enqueue(conn *Connection, raw []byte) bool {
	if _, ok := m.registry.Get(conn.ID); !ok {
		return true
	}
	select {
	case conn.send <- raw:
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) dropSlow(conn *Connection) {
	log.Warn().
		Str("connection_id", conn.ID).
		Msg("connection send buffer full, closing connection")
	m.metrics.RecordDroppedConnection()
	m.removeConnection(conn, "slow")
}

func (m *ConnectionManager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.config.StoreTimeout)
}

func (m *ConnectionManager) storeFailed(op string, err error, conn *Connection) {
	m.metrics.RecordStoreError(op)
	event := log.Error().Err(err).Str("op", op)
	if conn != nil {
		event = event.Str("connection_id", conn.ID)
	}
	event.Msg("instance store call failed")
}

func (m *ConnectionManager) activeMeta(ctx context.Context) (models.InstanceMeta, bool) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	meta, err := m.state.GetActiveMeta(sctx)
	if err != nil {
		m.storeFailed("get_meta", err, nil)
		return models.InstanceMeta{}, false
	}
	return meta, true
}

func (m *ConnectionManager) activeData(ctx context.Context) (models.HanoiData, bool) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	data, err := m.state.GetActiveData(sctx)
	if err != nil {
		m.storeFailed("get_data", err, nil)
		return nil, false
	}
	return data, true
}

type command interface {
	isCommand()
}

type registerCmd struct {
	conn  *Connection
	reply chan struct{}
}

type unregisterCmd struct {
	id string
}

type inboundCmd struct {
	id   string
	text string
}

type broadcastCmd struct {
	msg    protocol.ServerMessage
	global bool
}

type relayedCmd struct {
	payload []byte
}

type dataResult struct {
	data models.HanoiData
	err  error
}

type publishDataCmd struct {
	data  models.HanoiData
	reply chan dataResult
}

type configCmd struct {
	config models.Config
	reply  chan struct{}
}

type instancesChangedCmd struct{}

type switchResult struct {
	switched bool
	err      error
}

type switchCmd struct {
	name  string
	reply chan switchResult
}

type clientsCmd struct {
	reply chan []protocol.ClientInfo
}

type statsCmd struct {
	reply chan Stats
}

func (registerCmd) isCommand()         {}
func (unregisterCmd) isCommand()       {}
func (inboundCmd) isCommand()          {}
func (broadcastCmd) isCommand()        {}
func (relayedCmd) isCommand()          {}
func (publishDataCmd) isCommand()      {}
func (configCmd) isCommand()           {}
func (instancesChangedCmd) isCommand() {}
func (switchCmd) isCommand()           {}
func (clientsCmd) isCommand()          {}
func (statsCmd) isCommand()            {}
