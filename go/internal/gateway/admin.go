package gateway

import (
	"context"

	"github.com/mcdev12/hanoiboard/go/internal/protocol"
)

func (m *ConnectionManager) admin() (*Connection, bool) {
	if m.adminID == "" {
		return nil, false
	}
	return m.registry.Get(m.adminID)
}

func (m *ConnectionManager) clientInfos() []protocol.ClientInfo {
	infos := make([]protocol.ClientInfo, 0, m.registry.Count())
	m.registry.ForEach(func(conn *Connection) {
		infos = append(infos, protocol.ClientInfo{
			ID:               conn.ID,
			ConnectTimestamp: conn.ConnectedAt.UnixMilli(),
			Role:             conn.Role,
			Auth:             conn.Auth,
			UserAgent:        conn.UserAgent,
		})
	})
	return infos
}

// notifyAdminClients sends the registry snapshot to the admin
func (m *ConnectionManager) notifyAdminClients() {
	if admin, ok := m.admin(); ok {
		m.send(admin, protocol.AdminClients{Clients: m.clientInfos()})
	}
}

// notifyAdminInstances sends the instance list to the admin
func (m *ConnectionManager) notifyAdminInstances(ctx context.Context) {
	admin, ok := m.admin()
	if !ok {
		return
	}
	sctx, cancel := m.storeContext(ctx)
	list, err := m.state.ListInstances(sctx)
	cancel()
	if err != nil {
		m.storeFailed("list_instances", err, admin)
		return
	}
	m.send(admin, protocol.AdminInstances{List: list})
}

// notifyAdminConfig sends the cached config to the admin
func (m *ConnectionManager) notifyAdminConfig() {
	if admin, ok := m.admin(); ok {
		m.send(admin, protocol.AdminServerConfig{Config: m.srvConfig})
	}
}

// switchInstance activates name, tells everyone to reload and refreshes the admin
func (m *ConnectionManager) switchInstance(ctx context.Context, name string) (bool, error) {
	sctx, cancel := m.storeContext(ctx)
	switched, err := m.state.SwitchActiveInstance(sctx, name)
	cancel()
	if err != nil {
		m.storeFailed("switch_instance", err, nil)
		return false, err
	}
	if !switched {
		return false, nil
	}
	m.broadcast(protocol.ReloadAll{}, true)
	m.notifyAdminInstances(ctx)
	return true, nil
}
