package relay

// Registry is the set of registered connections.
// It is not safe for concurrent use; the Hub goroutine owns it.
type Registry struct {
	conns map[Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[Conn]struct{})}
}

// Add registers conn and reports whether it was newly added.
func (r *Registry) Add(conn Conn) bool {
	if _, exists := r.conns[conn]; exists {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

// Remove unregisters conn and reports whether it was present. Removing twice is a no-op.
func (r *Registry) Remove(conn Conn) bool {
	if _, exists := r.conns[conn]; !exists {
		return false
	}
	delete(r.conns, conn)
	return true
}

func (r *Registry) Contains(conn Conn) bool {
	_, exists := r.conns[conn]
	return exists
}

func (r *Registry) Size() int {
	return len(r.conns)
}

// ForEach calls visit for every connection registered at the time of the call.
// visit may add or remove connections; the iteration works on a snapshot.
func (r *Registry) ForEach(visit func(Conn)) {
	for _, conn := range r.snapshot() {
		visit(conn)
	}
}

func (r *Registry) snapshot() []Conn {
	conns := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
