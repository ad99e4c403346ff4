package mpio

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

var (
	MetricMessagesReceived  = []string{"melink", "mpio", "messages", "received"}
	MetricMessagesForwarded = []string{"melink", "mpio", "messages", "forwarded"}
	MetricMessagesSent      = []string{"melink", "mpio", "messages", "sent"}
	MetricMessagesDropped   = []string{"melink", "mpio", "messages", "dropped"}
	MetricSendErrors        = []string{"melink", "mpio", "send", "error", "count"}
	MetricInternalErrors    = []string{"melink", "mpio", "internal", "error", "count"}
	MetricFlushedReplies    = []string{"melink", "mpio", "flushed", "replies"}
	MetricRegistrySize      = []string{"melink", "mpio", "registry", "size"}
)

// TelemetryLabel is a key shared by metrics labels and log attributes.
type TelemetryLabel string

var (
	LabelReason      TelemetryLabel = "reason"
	LabelEngine      TelemetryLabel = "engine"
	LabelSource      TelemetryLabel = "source_engine"
	LabelClass       TelemetryLabel = "class"
	LabelProtocol    TelemetryLabel = "protocol"
	LabelControl     TelemetryLabel = "control_type"
	LabelStream      TelemetryLabel = "stream_id"
	LabelDestination TelemetryLabel = "destination"
	LabelError       TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Any(string(lab), val)
}

// DropReason says why a message was discarded.
type DropReason string

const (
	DropRouterStopped    DropReason = "router_stopped"
	DropNoConnection     DropReason = "no_connection"
	DropLinkNotFound     DropReason = "link_not_found"
	DropUnknownData      DropReason = "unknown_destination_data"
	DropUnknownControl   DropReason = "unknown_destination_control"
	DropCreateInProgress DropReason = "create_in_progress"
	DropMissingHandler   DropReason = "missing_handler"
	DropProcessingError  DropReason = "processing_error"
	DropInternalError    DropReason = "internal_error"
)

// DropEvent describes one discarded message.
type DropEvent struct {
	At          time.Time    `json:"at"`
	Reason      DropReason   `json:"reason"`
	Class       Class        `json:"class"`
	ControlType ControlType  `json:"control_type"`
	Protocol    ProtocolType `json:"protocol"`
	Source      EngineID     `json:"source_engine"`
	Target      EngineID     `json:"target_engine"`
	Destination uuid.UUID    `json:"destination"`
	StreamID    uuid.UUID    `json:"stream_id"`
	Detail      string       `json:"detail,omitempty"`
}

// DropObserver is notified of every discarded message. Implementations must
// not block.
type DropObserver interface {
	MessageDropped(ev DropEvent)
}

// Observers fans a drop event out to several observers.
type Observers []DropObserver

func (obs Observers) MessageDropped(ev DropEvent) {
	for _, o := range obs {
		if o != nil {
			o.MessageDropped(ev)
		}
	}
}

func newDropEvent(reason DropReason, msg *Message, detail string) DropEvent {
	ev := DropEvent{
		At:     time.Now().UTC(),
		Reason: reason,
		Detail: detail,
	}
	if msg != nil {
		ev.Class = msg.Class
		ev.ControlType = msg.ControlType
		ev.Protocol = msg.Protocol
		ev.Source = msg.SourceEngine
		ev.Target = msg.TargetEngine
		ev.Destination = msg.TargetDestination
		ev.StreamID = msg.StreamID
	}
	return ev
}
