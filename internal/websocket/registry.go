package websocket

import (
	"sync"

	"proctorhub/pkg/types"
)

// Registry tracks the live connection of each user. A user reconnecting
// replaces the previous socket.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // userID -> Connection
	byRole      map[types.Role]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byRole:      make(map[types.Role]map[string]*Connection),
	}
}

// RegisterConnection adds conn and returns the connection it replaced, if
// any. The caller closes the replaced connection.
func (r *Registry) RegisterConnection(conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return nil, ErrConnectionNotAuthenticated
	}
	userID := conn.GetUserID()
	role := conn.GetRole()

	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := r.connections[userID]
	if replaced != nil {
		if bucket := r.byRole[replaced.GetRole()]; bucket != nil {
			delete(bucket, userID)
		}
	}
	r.connections[userID] = conn
	if r.byRole[role] == nil {
		r.byRole[role] = make(map[string]*Connection)
	}
	r.byRole[role][userID] = conn
	return replaced, nil
}

// UnregisterConnection removes conn only if it is still the registered
// socket for its user, so a late cleanup cannot evict a newer connection.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connections[userID] != conn {
		return false
	}
	delete(r.connections, userID)
	role := conn.GetRole()
	if bucket := r.byRole[role]; bucket != nil {
		delete(bucket, userID)
		if len(bucket) == 0 {
			delete(r.byRole, role)
		}
	}
	return true
}

func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[userID]
	return conn, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountByRole returns the number of live connections with role.
func (r *Registry) CountByRole(role types.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRole[role])
}

// CloseAll closes every registered connection; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
