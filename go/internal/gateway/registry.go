package gateway

// Registry is the set of live connections in connect order. It is not safe for concurrent
// use; the ConnectionManager goroutine is its only user.
type Registry struct {
	connections map[string]*Connection
	order       []string
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Register adds conn and returns its id
func (r *Registry) Register(conn *Connection) string {
	if _, exists := r.connections[conn.ID]; !exists {
		r.order = append(r.order, conn.ID)
	}
	r.connections[conn.ID] = conn
	return conn.ID
}

// Unregister removes the connection with id and returns it
func (r *Registry) Unregister(id string) (*Connection, bool) {
	conn, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	delete(r.connections, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return conn, true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	conn, ok := r.connections[id]
	return conn, ok
}

// ForEach calls fn for every connection in connect order. fn must not mutate the registry.
func (r *Registry) ForEach(fn func(conn *Connection)) {
	for _, id := range r.order {
		fn(r.connections[id])
	}
}

// Snapshot returns the connections in connect order
func (r *Registry) Snapshot() []*Connection {
	out := make([]*Connection, 0, len(r.order))
	r.ForEach(func(conn *Connection) {
		out = append(out, conn)
	})
	return out
}

func (r *Registry) Count() int {
	return len(r.connections)
}
