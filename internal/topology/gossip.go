package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"melink/internal/mpio"

	"github.com/hashicorp/memberlist"
)

// Membership reacts to engines joining and leaving the cluster.
type Membership interface {
	EngineReachable(engine mpio.EngineID)
	DropEngine(engine mpio.EngineID)
}

// nodeMeta is gossiped with every member.
type nodeMeta struct {
	Engine mpio.EngineID `json:"e"`
	Bus    string        `json:"b"`
	Addr   string        `json:"a"`
}

// GossipConfig configures the membership layer.
type GossipConfig struct {
	Local         mpio.EngineID
	Name          string
	Bus           string
	TransportAddr string

	BindAddr string
	BindPort int
	// SecretKey enables gossip encryption; it must be 16, 24 or 32 bytes.
	SecretKey []byte

	Logger *slog.Logger
}

// Gossip runs a memberlist instance whose node metadata carries the engine
// id and transport address. Joins and leaves are forwarded to a Membership.
type Gossip struct {
	list   *memberlist.Memberlist
	logger *slog.Logger
	events *gossipEvents
}

// NewGossip starts the memberlist agent. It does not join any seed yet.
func NewGossip(cfg GossipConfig, handler Membership) (*Gossip, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meta, err := json.Marshal(nodeMeta{Engine: cfg.Local, Bus: cfg.Bus, Addr: cfg.TransportAddr})
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node metadata is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
	}

	events := &gossipEvents{
		local:   cfg.Local,
		handler: handler,
		logger:  logger,
		members: make(map[mpio.EngineID]nodeMeta),
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.Name
	if mlCfg.Name == "" {
		mlCfg.Name = cfg.Local.String()
	}
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
		mlCfg.AdvertiseAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.SecretKey = cfg.SecretKey
	mlCfg.Delegate = &metaDelegate{meta: meta}
	mlCfg.Events = events
	mlCfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossip: %w", err)
	}
	return &Gossip{list: list, logger: logger, events: events}, nil
}

// Join contacts the seeds. Failing to reach every seed is not fatal as long
// as one answered.
func (g *Gossip) Join(seeds []string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	n, err := g.list.Join(seeds)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("failed to join cluster: %w", err)
	}
	g.logger.Info("gossip_joined",
		"seeds", seeds,
		"contacted", n,
	)
	return n, nil
}

// Addr is the bound gossip address.
func (g *Gossip) Addr() string {
	node := g.list.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// Members lists the known engines other than the local one.
func (g *Gossip) Members() []EngineRecord {
	return g.events.snapshot()
}

// Lookup resolves the transport address of engine from gossip metadata.
func (g *Gossip) Lookup(ctx context.Context, engine mpio.EngineID) (string, error) {
	if meta, ok := g.events.get(engine); ok && meta.Addr != "" {
		return meta.Addr, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoAddress, engine)
}

// Leave announces departure and stops the agent.
func (g *Gossip) Leave(timeout time.Duration) error {
	err := g.list.Leave(timeout)
	if serr := g.list.Shutdown(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// gossipEvents implements memberlist.EventDelegate.
type gossipEvents struct {
	local   mpio.EngineID
	handler Membership
	logger  *slog.Logger

	mu      sync.Mutex
	members map[mpio.EngineID]nodeMeta
}

func (e *gossipEvents) decode(node *memberlist.Node) (nodeMeta, bool) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.Engine.IsZero() {
		e.logger.Warn("gossip_node_without_engine",
			"node", node.Name,
			"addr", node.Address(),
		)
		return meta, false
	}
	return meta, meta.Engine != e.local
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	meta, ok := e.decode(node)
	if !ok {
		return
	}
	e.mu.Lock()
	e.members[meta.Engine] = meta
	e.mu.Unlock()

	e.logger.Info("engine_joined",
		"node", node.Name,
		"peer", meta.Engine,
		"bus", meta.Bus,
	)
	if e.handler != nil {
		e.handler.EngineReachable(meta.Engine)
	}
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	meta, ok := e.decode(node)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.members, meta.Engine)
	e.mu.Unlock()

	e.logger.Info("engine_left",
		"node", node.Name,
		"peer", meta.Engine,
	)
	if e.handler != nil {
		e.handler.DropEngine(meta.Engine)
	}
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	meta, ok := e.decode(node)
	if !ok {
		return
	}
	e.mu.Lock()
	e.members[meta.Engine] = meta
	e.mu.Unlock()
	e.logger.Debug("engine_updated",
		"node", node.Name,
		"peer", meta.Engine,
	)
}

func (e *gossipEvents) get(engine mpio.EngineID) (nodeMeta, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta, ok := e.members[engine]
	return meta, ok
}

func (e *gossipEvents) snapshot() []EngineRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EngineRecord, 0, len(e.members))
	for _, meta := range e.members {
		out = append(out, EngineRecord{Engine: meta.Engine, Bus: meta.Bus, Addr: meta.Addr})
	}
	return out
}
