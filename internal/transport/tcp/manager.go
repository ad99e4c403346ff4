package tcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"melink/internal/mpio"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFramesReceived  = []string{"melink", "transport", "frames", "received"}
	MetricFramesSent      = []string{"melink", "transport", "frames", "sent"}
	MetricFramesDropped   = []string{"melink", "transport", "frames", "dropped"}
	MetricHandshakeFailed = []string{"melink", "transport", "handshake", "failed"}
	MetricPeerConnections = []string{"melink", "transport", "peers"}
)

var ErrDirectoryNotEnabled = errors.New("engine directory not configured")

// Directory maps engine ids to dialable addresses.
type Directory interface {
	Lookup(ctx context.Context, engine mpio.EngineID) (string, error)
}

// Options configures a Manager.
type Options struct {
	Local   mpio.EngineID
	Bus     string
	Version mpio.ProtocolVersion
	Auth    *Authenticator

	// Directory is optional; without it ConnectToEngine always fails.
	Directory Directory
	Receiver  mpio.Receiver
	Listener  mpio.TopologyListener

	DialTimeout time.Duration
	FrameRate   float64
	FrameBurst  int

	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

// Manager tracks the live peer connections per remote engine and is the
// topology resolver of the router.
type Manager struct {
	peers  map[mpio.EngineID][]*PeerConnection
	mu     sync.RWMutex
	logger *slog.Logger
	msink  metrics.MetricSink
	opts   Options
	wg     sync.WaitGroup // dialed connection listeners

	directory atomic.Pointer[directoryHolder]
}

type directoryHolder struct{ Directory }

var (
	_ mpio.TopologyResolver = (*Manager)(nil)
	_ mpio.ErrorSink        = (*Manager)(nil)
)

func NewManager(opts Options) *Manager {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.FrameRate == 0 {
		opts.FrameRate = 5000
	}
	if opts.FrameBurst == 0 {
		opts.FrameBurst = 10000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricSink == nil {
		opts.MetricSink = &metrics.BlackholeSink{}
	}
	m := &Manager{
		peers:  make(map[mpio.EngineID][]*PeerConnection),
		logger: opts.Logger,
		msink:  opts.MetricSink,
		opts:   opts,
	}
	if opts.Directory != nil {
		m.SetDirectory(opts.Directory)
	}
	return m
}

// SetDirectory replaces the directory used by ConnectToEngine. It is safe
// to call while connections are being made.
func (m *Manager) SetDirectory(d Directory) {
	m.directory.Store(&directoryHolder{d})
}

// AddConnection registers a connection that completed its handshake and
// reports whether it was kept. At most one connection per engine is kept:
// when both engines dial each other at once, both keep the connection dialed
// by the engine with the smaller id.
func (m *Manager) AddConnection(c *PeerConnection) bool {
	md := c.Metadata()
	if md == nil {
		return false
	}
	engine := md.RemoteEngine

	m.mu.Lock()
	var replaced *PeerConnection
	if existing := m.liveLocked(engine); existing != nil {
		if !m.preferred(c, existing) {
			m.mu.Unlock()
			m.logger.Info("peer_duplicate_rejected",
				"conn_id", c.ID,
				"peer", engine,
				"kept", existing.ID,
			)
			return false
		}
		m.removeLocked(engine, existing)
		replaced = existing
	}
	m.peers[engine] = append(m.peers[engine], c)
	total := m.countLocked()
	m.mu.Unlock()

	m.msink.SetGauge(MetricPeerConnections, float32(total))
	m.logger.Info("peer_added",
		"conn_id", c.ID,
		"peer", engine,
		"inbound", c.Inbound,
	)
	if replaced != nil {
		replaced.Close()
		if m.opts.Listener != nil {
			m.opts.Listener.ConnectionChanged(replaced)
		}
	}
	return true
}

func (m *Manager) liveLocked(engine mpio.EngineID) *PeerConnection {
	for _, c := range m.peers[engine] {
		if !c.Closed() {
			return c
		}
	}
	return nil
}

// preferred reports whether candidate should replace existing.
func (m *Manager) preferred(candidate, existing *PeerConnection) bool {
	return m.dialedByLower(candidate) && !m.dialedByLower(existing)
}

func (m *Manager) dialedByLower(c *PeerConnection) bool {
	remote := c.Metadata().RemoteEngine
	localIsLower := bytes.Compare(m.opts.Local[:], remote[:]) < 0
	// outbound connections are dialed locally
	return localIsLower != c.Inbound
}

// RemoveConnection unregisters c and tells the topology listener. The
// listener is told even when c was already evicted, since a receive that was
// in flight during the eviction may have registered c with it again.
func (m *Manager) RemoveConnection(c *PeerConnection) {
	md := c.Metadata()
	if md == nil {
		return
	}
	m.mu.Lock()
	removed := m.removeLocked(md.RemoteEngine, c)
	total := m.countLocked()
	m.mu.Unlock()

	if removed {
		m.msink.SetGauge(MetricPeerConnections, float32(total))
		m.logger.Info("peer_removed",
			"conn_id", c.ID,
			"peer", md.RemoteEngine,
		)
	}
	if m.opts.Listener != nil {
		m.opts.Listener.ConnectionChanged(c)
	}
}

func (m *Manager) removeLocked(engine mpio.EngineID, c *PeerConnection) bool {
	list := m.peers[engine]
	for i, other := range list {
		if other == c {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.peers, engine)
			} else {
				m.peers[engine] = list
			}
			return true
		}
	}
	return false
}

func (m *Manager) countLocked() int {
	n := 0
	for _, list := range m.peers {
		n += len(list)
	}
	return n
}

// DropEngine closes every connection to engine, for example when gossip
// reports that the engine left the cluster.
func (m *Manager) DropEngine(engine mpio.EngineID) {
	m.mu.Lock()
	list := m.peers[engine]
	delete(m.peers, engine)
	m.mu.Unlock()

	if len(list) == 0 {
		return
	}
	conns := make([]mpio.TransportConnection, 0, len(list))
	for _, c := range list {
		c.Close()
		conns = append(conns, c)
	}
	m.logger.Info("peer_engine_dropped",
		"peer", engine,
		"connections", len(list),
	)
	if m.opts.Listener != nil {
		m.opts.Listener.ReachabilityDecreased(conns)
	}
}

// EngineReachable forwards a membership join to the topology listener.
func (m *Manager) EngineReachable(engine mpio.EngineID) {
	if m.opts.Listener == nil {
		return
	}
	conns := m.ListConnections(engine)
	m.opts.Listener.ReachabilityIncreased(conns)
}

// ListConnections returns the open connections to engine.
func (m *Manager) ListConnections(engine mpio.EngineID) []mpio.TransportConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []mpio.TransportConnection
	for _, c := range m.peers[engine] {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// ConnectToEngine dials engine at the address published in the directory
// unless a connection already exists.
func (m *Manager) ConnectToEngine(ctx context.Context, engine mpio.EngineID) error {
	if len(m.ListConnections(engine)) > 0 {
		return nil
	}
	dir := m.directory.Load()
	if dir == nil || dir.Directory == nil {
		return ErrDirectoryNotEnabled
	}
	addr, err := dir.Lookup(ctx, engine)
	if err != nil {
		return fmt.Errorf("failed to look up engine %s: %w", engine, err)
	}
	c, err := m.Dial(ctx, addr)
	if err != nil {
		return err
	}
	if md := c.Metadata(); md.RemoteEngine != engine {
		c.Close()
		return fmt.Errorf("address %s belongs to engine %s, not %s", addr, md.RemoteEngine, engine)
	}
	m.Serve(c)
	return nil
}

// Dial opens and authenticates a connection to addr without registering it.
func (m *Manager) Dial(ctx context.Context, addr string) (*PeerConnection, error) {
	dialer := net.Dialer{Timeout: m.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c := NewPeerConnection(conn, m, false)
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		m.msink.IncrCounter(MetricHandshakeFailed, 1)
		return nil, fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	return c, nil
}

// Serve registers a dialed connection and listens on it in the background.
// A duplicate connection is closed instead.
func (m *Manager) Serve(c *PeerConnection) bool {
	if !m.AddConnection(c) {
		c.Close()
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.Listen(m.opts.Receiver)
		m.RemoveConnection(c)
	}()
	return true
}

// OnConnectionError closes a connection the router failed to use. Its
// listen loop then unregisters it and notifies the topology listener.
func (m *Manager) OnConnectionError(conn mpio.TransportConnection, err error) {
	c, ok := conn.(*PeerConnection)
	if !ok {
		return
	}
	m.logger.Warn("peer_connection_failed",
		"conn_id", c.ID,
		"remote_addr", c.RemoteAddr(),
		"error", err.Error(),
	)
	c.Close()
}

// CloseAllConnections closes every connection and waits for the dialed
// listeners to finish.
func (m *Manager) CloseAllConnections() {
	m.mu.Lock()
	for engine, list := range m.peers {
		for _, c := range list {
			c.Close()
			m.logger.Info("peer_connection_closed",
				"conn_id", c.ID,
				"peer", engine,
			)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked()
}

func (m *Manager) framesReceived() {
	m.msink.IncrCounter(MetricFramesReceived, 1)
}

func (m *Manager) framesDropped() {
	m.msink.IncrCounter(MetricFramesDropped, 1)
}

func (m *Manager) framesSent() {
	m.msink.IncrCounter(MetricFramesSent, 1)
}
