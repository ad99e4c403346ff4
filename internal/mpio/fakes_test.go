package mpio

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTransport records every message handed to it.
type fakeTransport struct {
	mu   sync.Mutex
	md   *ConnectionMetadata
	sent []*Message
	err  error
}

func newFakeTransport(engine EngineID, version ProtocolVersion) *fakeTransport {
	return &fakeTransport{md: &ConnectionMetadata{RemoteEngine: engine, RemoteBus: "bus", Version: version}}
}

func (f *fakeTransport) Send(msg *Message, priority Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Metadata() *ConnectionMetadata {
	return f.md
}

func (f *fakeTransport) Sent() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.sent...)
}

// fakeTopology answers ListConnections from a static table.
type fakeTopology struct {
	mu       sync.Mutex
	paths    map[EngineID][]TransportConnection
	connects []EngineID
	// dialed is installed as a path on ConnectToEngine when set.
	dialed map[EngineID]TransportConnection
}

func newFakeTopology() *fakeTopology {
	return &fakeTopology{
		paths:  make(map[EngineID][]TransportConnection),
		dialed: make(map[EngineID]TransportConnection),
	}
}

func (f *fakeTopology) add(engine EngineID, conns ...TransportConnection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[engine] = append(f.paths[engine], conns...)
}

func (f *fakeTopology) ListConnections(engine EngineID) []TransportConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransportConnection(nil), f.paths[engine]...)
}

func (f *fakeTopology) ConnectToEngine(ctx context.Context, engine EngineID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, engine)
	if c, ok := f.dialed[engine]; ok {
		f.paths[engine] = append(f.paths[engine], c)
	}
	return nil
}

// MockControlHandler mocks ControlHandler
type MockControlHandler struct {
	mock.Mock
}

func (m *MockControlHandler) HandleControlMessage(source EngineID, msg *Message) error {
	args := m.Called(source, msg)
	return args.Error(0)
}

// MockInputHandler mocks InputHandler
type MockInputHandler struct {
	mock.Mock
}

func (m *MockInputHandler) HandleMessage(source EngineID, msg *Message) error {
	args := m.Called(source, msg)
	return args.Error(0)
}

// MockDurableHandler mocks DurableHandler
type MockDurableHandler struct {
	mock.Mock
}

func (m *MockDurableHandler) HandleDurable(source EngineID, msg *Message) error {
	args := m.Called(source, msg)
	return args.Error(0)
}

// MockErrorSink mocks ErrorSink
type MockErrorSink struct {
	mock.Mock
}

func (m *MockErrorSink) OnConnectionError(conn TransportConnection, err error) {
	m.Called(conn, err)
}

type fakeDestination struct {
	name        string
	id          uuid.UUID
	link        bool
	toBeDeleted bool
	control     ControlHandler
	input       InputHandler
}

func (d *fakeDestination) Name() string        { return d.name }
func (d *fakeDestination) UUID() uuid.UUID     { return d.id }
func (d *fakeDestination) IsLink() bool        { return d.link }
func (d *fakeDestination) IsToBeDeleted() bool { return d.toBeDeleted }

func (d *fakeDestination) ControlHandler(protocol ProtocolType, source EngineID, msg *Message) ControlHandler {
	return d.control
}

func (d *fakeDestination) InputHandler(protocol ProtocolType, source EngineID, msg *Message) InputHandler {
	return d.input
}

type fakeDestinations struct {
	byUUID map[uuid.UUID]*fakeDestination
	byName map[string]*fakeDestination
	links  map[string]*fakeDestination
}

func newFakeDestinations(dests ...*fakeDestination) *fakeDestinations {
	f := &fakeDestinations{
		byUUID: make(map[uuid.UUID]*fakeDestination),
		byName: make(map[string]*fakeDestination),
		links:  make(map[string]*fakeDestination),
	}
	for _, d := range dests {
		if d.link {
			f.links[d.name] = d
			continue
		}
		f.byUUID[d.id] = d
		f.byName[d.name] = d
	}
	return f
}

func (f *fakeDestinations) ResolveByUUID(id uuid.UUID, includeInvisible bool) (Destination, error) {
	if d, ok := f.byUUID[id]; ok {
		return d, nil
	}
	return nil, ErrDestinationNotFound
}

func (f *fakeDestinations) ResolveByName(name, bus string, includeInvisible bool) (Destination, error) {
	if d, ok := f.byName[name]; ok {
		return d, nil
	}
	return nil, ErrDestinationNotFound
}

func (f *fakeDestinations) ResolveLink(busName string) (Destination, error) {
	if d, ok := f.links[busName]; ok {
		return d, nil
	}
	return nil, ErrDestinationNotFound
}

type fakeStates map[Destination]DestinationState

func (f fakeStates) State(dest Destination) (DestinationState, bool) {
	s, ok := f[dest]
	return s, ok
}

type recordingDrops struct {
	mu     sync.Mutex
	events []DropEvent
}

func (r *recordingDrops) MessageDropped(ev DropEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingDrops) reasons() []DropReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DropReason, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Reason)
	}
	return out
}

// countingSink keeps counter totals by dotted key.
type countingSink struct {
	metrics.BlackholeSink
	mu       sync.Mutex
	counters map[string]float32
}

func newCountingSink() *countingSink {
	return &countingSink{counters: make(map[string]float32)}
}

func (s *countingSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[strings.Join(key, ".")] += val
}

func (s *countingSink) count(key []string) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[strings.Join(key, ".")]
}

var (
	localEngine  = EngineID{0, 0, 0, 0, 0, 0, 0, 1}
	remoteEngine = EngineID{0, 0, 0, 0, 0, 0, 0, 2}
	thirdEngine  = EngineID{0, 0, 0, 0, 0, 0, 0, 3}
)

type routerFixture struct {
	router   *Router
	topology *fakeTopology
	dests    *fakeDestinations
	drops    *recordingDrops
	sink     *countingSink
	errs     *MockErrorSink
}

func newRouterFixture(t testing.TB, cfg Config, dests ...*fakeDestination) *routerFixture {
	t.Helper()
	f := &routerFixture{
		topology: newFakeTopology(),
		dests:    newFakeDestinations(dests...),
		drops:    &recordingDrops{},
		sink:     newCountingSink(),
		errs:     &MockErrorSink{},
	}
	cfg.LocalEngine = localEngine
	if cfg.LocalBus == "" {
		cfg.LocalBus = "bus"
	}
	cfg.Destinations = f.dests
	cfg.Drops = f.drops
	cfg.MetricSink = f.sink
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	r, err := New(cfg)
	require.NoError(t, err)
	f.router = r
	r.Start(f.errs, f.topology)
	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
