package mpio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Config wires a Router to its collaborators.
type Config struct {
	// LocalEngine and LocalBus identify this engine.
	LocalEngine EngineID
	LocalBus    string

	Destinations DestinationResolver
	// States may be nil, in which case no destination is ever treated as
	// being created.
	States  StateOracle
	Factory MessageFactory

	// DurableInput and DurableOutput receive the out-of-band durable
	// protocol traffic.
	DurableInput  DurableHandler
	DurableOutput DurableHandler

	// TemporaryReceiver is the system destination that receives traffic
	// addressed to temporary queues and topics.
	TemporaryReceiver string

	// UnknownStreamWarnInterval bounds how often the unknown anycast stream
	// warning is emitted per stream.
	UnknownStreamWarnInterval time.Duration

	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	Drops        DropObserver
}

const (
	TemporaryQueuePrefix = "_Q"
	TemporaryTopicPrefix = "_T"
	SystemPrefix         = "_S"

	DefaultTemporaryReceiver = "_STDRECEIVER"
)

var ErrInvalidConfig = errors.New("mpio: invalid router config")

type sinkHolder struct{ ErrorSink }
type resolverHolder struct{ TopologyResolver }

// Router dispatches inbound messages and sends outbound ones over the
// connection registry.
//
// Two independent locks are used: lk gates the started state against
// in-flight receives, and the registry has its own mutex. Registry eviction
// therefore never waits for message processing.
type Router struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk      sync.RWMutex
	started bool

	sink     atomic.Pointer[sinkHolder]
	resolver atomic.Pointer[resolverHolder]

	registry *Registry
	warn     *streamWarnings
}

var _ TopologyListener = (*Router)(nil)

// New builds a stopped router.
func New(cfg Config) (*Router, error) {
	if cfg.LocalEngine.IsZero() {
		return nil, errors.Join(ErrInvalidConfig, errors.New("local engine id is required"))
	}
	if cfg.Destinations == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("destination resolver is required"))
	}
	if cfg.Factory == nil {
		cfg.Factory = DefaultMessageFactory
	}
	if cfg.TemporaryReceiver == "" {
		cfg.TemporaryReceiver = DefaultTemporaryReceiver
	}
	if cfg.UnknownStreamWarnInterval == 0 {
		cfg.UnknownStreamWarnInterval = time.Minute
	}

	r := &Router{
		cfg:    cfg,
		logger: cfg.Logger,
		msink:  cfg.MetricSink,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(LabelEngine.L(cfg.LocalEngine))
	if r.msink == nil {
		r.msink = &metrics.BlackholeSink{}
	}

	r.registry = NewRegistry(r.logger, r.currentResolver, r.reportConnectionError)
	r.warn = newStreamWarnings(cfg.UnknownStreamWarnInterval)
	return r, nil
}

// Start clears the registry, installs the error sink and topology resolver
// and opens the router for traffic. It can be called again after Stop.
func (r *Router) Start(sink ErrorSink, resolver TopologyResolver) {
	r.lk.Lock()
	defer r.lk.Unlock()

	r.registry.Reset()
	r.sink.Store(&sinkHolder{sink})
	r.resolver.Store(&resolverHolder{resolver})
	r.started = true
	r.logger.Info("router_started")
}

// Stop gates further message processing. Transports and the registry are
// left untouched.
func (r *Router) Stop() {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.started = false
	r.logger.Info("router_stopped")
}

// Started reports the current lifecycle state.
func (r *Router) Started() bool {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return r.started
}

// LocalEngine returns the id of the engine this router serves.
func (r *Router) LocalEngine() EngineID {
	return r.cfg.LocalEngine
}

// Registry exposes the connection registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Connections lists the live logical connections.
func (r *Router) Connections() []*Connection {
	return r.registry.Snapshot()
}

func (r *Router) currentResolver() TopologyResolver {
	h := r.resolver.Load()
	if h == nil {
		return nil
	}
	return h.TopologyResolver
}

func (r *Router) reportConnectionError(conn TransportConnection, err error) {
	r.msink.IncrCounterWithLabels(MetricSendErrors, 1, r.cfg.MetricLabels)
	h := r.sink.Load()
	if h == nil || h.ErrorSink == nil {
		return
	}
	h.OnConnectionError(conn, err)
}

// SendToEngine sends msg to target if a connection can be resolved, and
// silently drops it otherwise. Resending is up to the caller. The only error
// is an *InternalError from connection resolution.
func (r *Router) SendToEngine(target EngineID, priority Priority, msg *Message) error {
	c, err := r.registry.Find(target)
	if err != nil {
		r.msink.IncrCounterWithLabels(MetricInternalErrors, 1, r.cfg.MetricLabels)
		return err
	}
	if c == nil {
		r.logger.Debug("message_dropped_no_connection",
			"target", target,
			LabelClass.L(msg.Class.String()),
		)
		r.dropped(DropNoConnection, msg, "no connection to "+target.String())
		return nil
	}
	c.Send(msg, priority)
	r.msink.IncrCounterWithLabels(MetricMessagesSent, 1, r.cfg.MetricLabels)
	return nil
}

// SendToMany sends msg once per distinct connection reached by targets.
// Targets that share a connection produce a single send, in the order of
// their first occurrence.
func (r *Router) SendToMany(targets []EngineID, priority Priority, msg *Message) error {
	conns := make([]*Connection, 0, len(targets))
	for _, target := range targets {
		c, err := r.registry.Find(target)
		if err != nil {
			r.msink.IncrCounterWithLabels(MetricInternalErrors, 1, r.cfg.MetricLabels)
			return err
		}
		if c == nil {
			r.logger.Debug("message_dropped_no_connection",
				"target", target,
				LabelClass.L(msg.Class.String()),
			)
			r.dropped(DropNoConnection, msg, "no connection to "+target.String())
			continue
		}
		seen := false
		for _, other := range conns {
			if other.Equal(c) {
				seen = true
				break
			}
		}
		if !seen {
			conns = append(conns, c)
		}
	}

	for _, c := range conns {
		c.Send(msg, priority)
		r.msink.IncrCounterWithLabels(MetricMessagesSent, 1, r.cfg.MetricLabels)
	}
	return nil
}

// IsReachable reports whether a connection to engine can be resolved.
func (r *Router) IsReachable(engine EngineID) (bool, error) {
	c, err := r.registry.Find(engine)
	if err != nil {
		return false, err
	}
	return c != nil, nil
}

// IsCompatible reports whether engine is reachable and speaks at least
// the required protocol version.
func (r *Router) IsCompatible(engine EngineID, required ProtocolVersion) (bool, error) {
	c, err := r.registry.Find(engine)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	return c.ProtocolVersion().AtLeast(required), nil
}

// ForceConnect asks the topology resolver to establish a connection to
// engine and reports whether one can be resolved afterwards.
func (r *Router) ForceConnect(ctx context.Context, engine EngineID) (bool, error) {
	if ok, err := r.IsReachable(engine); ok || err != nil {
		return ok, err
	}
	resolver := r.currentResolver()
	if resolver == nil {
		return false, nil
	}
	if err := resolver.ConnectToEngine(ctx, engine); err != nil {
		r.logger.Warn("connect_to_engine_failed",
			"target", engine,
			LabelError.L(err),
		)
	}
	return r.IsReachable(engine)
}

// ConnectionChanged evicts the wrapper of a transport connection that went
// down or was replaced.
func (r *Router) ConnectionChanged(conn TransportConnection) {
	if c := r.registry.Remove(conn); c != nil {
		r.logger.Info("connection_evicted",
			"peer", c.Engine(),
			"cause", "connection_changed",
		)
	}
	r.msink.SetGaugeWithLabels(MetricRegistrySize, float32(r.registry.Len()), r.cfg.MetricLabels)
}

// ReachabilityDecreased evicts every listed connection.
func (r *Router) ReachabilityDecreased(conns []TransportConnection) {
	for _, conn := range conns {
		if c := r.registry.Remove(conn); c != nil {
			r.logger.Info("connection_evicted",
				"peer", c.Engine(),
				"cause", "reachability_decreased",
			)
		}
	}
	r.msink.SetGaugeWithLabels(MetricRegistrySize, float32(r.registry.Len()), r.cfg.MetricLabels)
}

// ReachabilityIncreased is a no-op: new paths are picked up lazily by Find.
func (r *Router) ReachabilityIncreased(conns []TransportConnection) {}

func (r *Router) dropped(reason DropReason, msg *Message, detail string) {
	r.msink.IncrCounterWithLabels(
		MetricMessagesDropped,
		1,
		r.labels(LabelReason.M(string(reason))),
	)
	if r.cfg.Drops != nil {
		r.cfg.Drops.MessageDropped(newDropEvent(reason, msg, detail))
	}
}

func (r *Router) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(r.cfg.MetricLabels)+len(extra))
	out = append(out, r.cfg.MetricLabels...)
	return append(out, extra...)
}
