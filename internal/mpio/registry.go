package mpio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry maps transport connections and engine ids to logical
// connections. Both indices change together under mu, so a connection is in
// one index iff it is in the other.
type Registry struct {
	mu          sync.Mutex
	byTransport map[TransportConnection]*Connection
	byEngine    map[EngineID]*Connection

	resolver func() TopologyResolver
	report   func(TransportConnection, error)
	logger   *slog.Logger
}

// NewRegistry builds an empty registry. resolver may return nil, in which
// case Find only consults the registry itself.
func NewRegistry(logger *slog.Logger, resolver func() TopologyResolver, report func(TransportConnection, error)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byTransport: make(map[TransportConnection]*Connection),
		byEngine:    make(map[EngineID]*Connection),
		resolver:    resolver,
		report:      report,
		logger:      logger,
	}
}

// GetOrCreate returns the wrapper for conn, creating and registering it if
// needed. A zero engine is taken from the connection metadata.
func (r *Registry) GetOrCreate(conn TransportConnection, engine EngineID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(conn, engine)
}

func (r *Registry) getOrCreateLocked(conn TransportConnection, engine EngineID) *Connection {
	if existing, ok := r.byTransport[conn]; ok {
		return existing
	}
	if engine.IsZero() {
		if md := conn.Metadata(); md != nil {
			engine = md.RemoteEngine
		}
	}

	c := newConnection(engine, conn, r.report, r.logger)

	// a newer transport for the same engine replaces the old wrapper in both indices
	if previous, ok := r.byEngine[engine]; ok {
		delete(r.byTransport, previous.conn)
		r.logger.Info("connection_replaced",
			LabelEngine.L(engine),
		)
	}
	r.byTransport[conn] = c
	r.byEngine[engine] = c

	r.logger.Debug("connection_registered",
		LabelEngine.L(engine),
		"registry_size", len(r.byEngine),
	)
	return c
}

// ByEngine is a pure lookup.
func (r *Registry) ByEngine(engine EngineID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEngine[engine]
}

// ByTransport is a pure lookup.
func (r *Registry) ByTransport(conn TransportConnection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTransport[conn]
}

// Remove drops conn from both indices and returns the wrapper that was
// removed, or nil if conn was not registered.
func (r *Registry) Remove(conn TransportConnection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byTransport[conn]
	if !ok {
		return nil
	}
	delete(r.byTransport, conn)
	if current, ok := r.byEngine[c.engine]; ok && current == c {
		delete(r.byEngine, c.engine)
	}
	r.logger.Debug("connection_removed",
		LabelEngine.L(c.engine),
		"registry_size", len(r.byEngine),
	)
	return c
}

// Find resolves a connection to engine, asking the topology resolver on a
// miss. More than one path to a single engine is an internal error: the
// topology this layer serves guarantees at most one.
func (r *Registry) Find(engine EngineID) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byEngine[engine]; ok {
		return c, nil
	}

	var resolver TopologyResolver
	if r.resolver != nil {
		resolver = r.resolver()
	}
	if resolver == nil {
		return nil, nil
	}

	conns := resolver.ListConnections(engine)
	switch len(conns) {
	case 0:
		return nil, nil
	case 1:
		return r.getOrCreateLocked(conns[0], engine), nil
	default:
		r.logger.Error("multiple_connections_for_engine",
			LabelEngine.L(engine),
			"count", len(conns),
		)
		return nil, &InternalError{
			Op:  "registry.find",
			Err: fmt.Errorf("%w: engine %s has %d paths", ErrMultiplePaths, engine, len(conns)),
		}
	}
}

// Reset forgets every wrapper. Cached wrappers may refer to stale topology
// after a restart.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTransport = make(map[TransportConnection]*Connection)
	r.byEngine = make(map[EngineID]*Connection)
}

// Snapshot returns the registered wrappers in no particular order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byEngine))
	for _, c := range r.byEngine {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEngine)
}

// consistent reports whether both indices hold exactly the same wrappers.
func (r *Registry) consistent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byTransport) != len(r.byEngine) {
		return false
	}
	for conn, c := range r.byTransport {
		if c.conn != conn {
			return false
		}
		if r.byEngine[c.engine] != c {
			return false
		}
	}
	return true
}
