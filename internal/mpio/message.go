package mpio

import (
	"github.com/google/uuid"
)

// Class separates guaranteed-delivery control traffic from data traffic.
type Class uint8

const (
	ClassData Class = iota
	ClassControl
)

func (c Class) String() string {
	if c == ClassControl {
		return "control"
	}
	return "data"
}

// ProtocolType tags the guaranteed-delivery protocol variant a message
// belongs to. The set is closed.
type ProtocolType uint8

const (
	ProtocolUnicastInput ProtocolType = iota + 1
	ProtocolUnicastOutput
	ProtocolPubSubInput
	ProtocolPubSubOutput
	ProtocolAnycastInput
	ProtocolAnycastOutput
	ProtocolDurableInput
	ProtocolDurableOutput
)

var protocolNames = map[ProtocolType]string{
	ProtocolUnicastInput:  "UNICASTINPUT",
	ProtocolUnicastOutput: "UNICASTOUTPUT",
	ProtocolPubSubInput:   "PUBSUBINPUT",
	ProtocolPubSubOutput:  "PUBSUBOUTPUT",
	ProtocolAnycastInput:  "ANYCASTINPUT",
	ProtocolAnycastOutput: "ANYCASTOUTPUT",
	ProtocolDurableInput:  "DURABLEINPUT",
	ProtocolDurableOutput: "DURABLEOUTPUT",
}

func (p ProtocolType) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// Counterpart flips input and output within the same protocol family.
// The reply to a control message travels on the counterpart protocol.
func (p ProtocolType) Counterpart() ProtocolType {
	switch p {
	case ProtocolUnicastInput:
		return ProtocolUnicastOutput
	case ProtocolUnicastOutput:
		return ProtocolUnicastInput
	case ProtocolPubSubInput:
		return ProtocolPubSubOutput
	case ProtocolPubSubOutput:
		return ProtocolPubSubInput
	case ProtocolAnycastInput:
		return ProtocolAnycastOutput
	case ProtocolAnycastOutput:
		return ProtocolAnycastInput
	case ProtocolDurableInput:
		return ProtocolDurableOutput
	case ProtocolDurableOutput:
		return ProtocolDurableInput
	}
	return p
}

func (p ProtocolType) IsAnycast() bool {
	return p == ProtocolAnycastInput || p == ProtocolAnycastOutput
}

// ControlType identifies the kind of a control message.
type ControlType uint8

const (
	ControlNone ControlType = iota
	ControlAreYouFlushed
	ControlRequestFlush
	ControlFlushed
	ControlNotFlushed
	ControlDecisionExpected
	ControlRequest
	ControlAck
	ControlNack
	ControlSilence
	ControlAccept
	ControlReject
	ControlCompleted
)

var controlNames = map[ControlType]string{
	ControlNone:             "NONE",
	ControlAreYouFlushed:    "AREYOUFLUSHED",
	ControlRequestFlush:     "REQUESTFLUSH",
	ControlFlushed:          "FLUSHED",
	ControlNotFlushed:       "NOTFLUSHED",
	ControlDecisionExpected: "DECISIONEXPECTED",
	ControlRequest:          "REQUEST",
	ControlAck:              "ACK",
	ControlNack:             "NACK",
	ControlSilence:          "SILENCE",
	ControlAccept:           "ACCEPT",
	ControlReject:           "REJECT",
	ControlCompleted:        "COMPLETED",
}

func (c ControlType) String() string {
	if name, ok := controlNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Priority is the JMS-style 0..9 ordinal. It selects the transport send
// priority; it does not order delivery inside this package.
type Priority uint8

const (
	PriorityLowest  Priority = 0
	PriorityDefault Priority = 4
	PriorityHighest Priority = 9
)

// Reliability mirrors the quality-of-service levels of the guaranteed
// delivery protocols.
type Reliability uint8

const (
	ReliabilityNone Reliability = iota
	ReliabilityBestEffortNonPersistent
	ReliabilityExpressNonPersistent
	ReliabilityReliableNonPersistent
	ReliabilityReliablePersistent
	ReliabilityAssuredPersistent
)

// RoutingAddress is the optional routing destination carried by a message.
type RoutingAddress struct {
	Name string `json:"name"`
	Bus  string `json:"bus,omitempty"`
}

// Message carries the routing attributes this package reads. Instances are
// owned by the caller and are never modified here.
type Message struct {
	Class       Class        `json:"class"`
	ControlType ControlType  `json:"control_type,omitempty"`
	Protocol    ProtocolType `json:"protocol"`
	Priority    Priority     `json:"priority"`
	Reliability Reliability  `json:"reliability"`
	Mediated    bool         `json:"mediated,omitempty"`

	TargetEngine EngineID `json:"target_engine"`
	SourceEngine EngineID `json:"source_engine"`
	SourceBus    string   `json:"source_bus,omitempty"`

	TargetDestination  uuid.UUID       `json:"target_destination"`
	StreamID           uuid.UUID       `json:"stream_id"`
	RoutingDestination *RoutingAddress `json:"routing_destination,omitempty"`

	ProtocolVersion ProtocolVersion `json:"protocol_version"`
	Payload         []byte          `json:"payload,omitempty"`
}

func (m *Message) IsControl() bool {
	return m.Class == ClassControl
}
