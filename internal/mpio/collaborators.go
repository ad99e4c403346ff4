package mpio

import (
	"context"

	"github.com/google/uuid"
)

// ConnectionMetadata is what a transport learned about its peer during the
// handshake.
type ConnectionMetadata struct {
	RemoteEngine EngineID
	RemoteBus    string
	Version      ProtocolVersion
}

// TransportConnection is one physical link to a remote engine.
//
// Implementations must be comparable with == and compare by identity
// (pointer receivers), since the registry is keyed by the connection itself.
type TransportConnection interface {
	// Send hands the message to the transport. It returns once the local
	// hand-off succeeded or failed; it does not wait for acknowledgement.
	Send(msg *Message, priority Priority) error
	// Metadata returns nil before the handshake completed.
	Metadata() *ConnectionMetadata
}

// closedReporter is implemented by transports that know when they are shut.
type closedReporter interface {
	Closed() bool
}

func transportClosed(conn TransportConnection) bool {
	c, ok := conn.(closedReporter)
	return ok && c.Closed()
}

// TopologyResolver is the routing-manager view of which transport
// connections reach an engine.
type TopologyResolver interface {
	ListConnections(engine EngineID) []TransportConnection
	// ConnectToEngine is best effort and may block until ctx is done.
	ConnectToEngine(ctx context.Context, engine EngineID) error
}

// TopologyListener receives connection and reachability changes.
type TopologyListener interface {
	ConnectionChanged(conn TransportConnection)
	ReachabilityDecreased(conns []TransportConnection)
	ReachabilityIncreased(conns []TransportConnection)
}

// Receiver accepts inbound messages from a transport. It never fails
// towards the transport.
type Receiver interface {
	ReceiveMessage(conn TransportConnection, msg *Message)
}

// ErrorSink is told about every failed send exactly once.
type ErrorSink interface {
	OnConnectionError(conn TransportConnection, err error)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(conn TransportConnection, err error)

func (f ErrorSinkFunc) OnConnectionError(conn TransportConnection, err error) {
	f(conn, err)
}

// ControlHandler consumes control messages for one stream family.
type ControlHandler interface {
	HandleControlMessage(source EngineID, msg *Message) error
}

// InputHandler consumes data messages arriving from a remote engine.
type InputHandler interface {
	HandleMessage(source EngineID, msg *Message) error
}

// DurableHandler serves the out-of-band durable subscription protocols,
// which bypass destination resolution.
type DurableHandler interface {
	HandleDurable(source EngineID, msg *Message) error
}

// Destination is a resolved queue, topic space or cross-bus link.
type Destination interface {
	Name() string
	UUID() uuid.UUID
	IsLink() bool
	IsToBeDeleted() bool
	// ControlHandler returns nil when no stream state exists for the message.
	ControlHandler(protocol ProtocolType, source EngineID, msg *Message) ControlHandler
	// InputHandler returns nil when no stream state exists for the message.
	InputHandler(protocol ProtocolType, source EngineID, msg *Message) InputHandler
}

// DestinationResolver looks destinations up. Lookups that find nothing
// return ErrDestinationNotFound.
type DestinationResolver interface {
	ResolveByUUID(id uuid.UUID, includeInvisible bool) (Destination, error)
	ResolveByName(name string, bus string, includeInvisible bool) (Destination, error)
	ResolveLink(busName string) (Destination, error)
}

// DestinationState is the creation state of a destination.
type DestinationState struct {
	CreateInProgress bool
}

// StateOracle reports creation state. ok is false when nothing is known.
type StateOracle interface {
	State(dest Destination) (state DestinationState, ok bool)
}

// MessageFactory builds the control messages this package originates.
type MessageFactory interface {
	NewFlushed() (*Message, error)
}

type defaultFactory struct{}

func (defaultFactory) NewFlushed() (*Message, error) {
	return &Message{
		Class:       ClassControl,
		ControlType: ControlFlushed,
	}, nil
}

// DefaultMessageFactory builds plain in-memory messages.
var DefaultMessageFactory MessageFactory = defaultFactory{}
