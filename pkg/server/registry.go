package server

import "sync"

// Registry tracks authenticated connections by account name. One connection
// per account; a newer connection replaces the older entry.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a connection under its account name.
func (r *Registry) Add(account string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[account] = conn
}

// Remove drops the registration if it still points at conn.
func (r *Registry) Remove(account string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[account] == conn {
		delete(r.conns, account)
	}
}

// Get returns the connection for an account.
func (r *Registry) Get(account string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[account]
	return conn, ok
}

// IsConnected reports whether an account has a live connection.
func (r *Registry) IsConnected(account string) bool {
	_, ok := r.Get(account)
	return ok
}

// Names returns the connected account names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	return names
}

// All returns a snapshot of all connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
