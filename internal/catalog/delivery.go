package catalog

import (
	"log/slog"

	"melink/internal/mpio"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricDelivered        = []string{"melink", "catalog", "delivered"}
	MetricControlDelivered = []string{"melink", "catalog", "control", "delivered"}
)

// DeliveryLog accepts every message it is handed and records it. An engine
// without stream components installs it as the fallback handler, so local
// destinations consume their traffic instead of reporting missing handlers.
type DeliveryLog struct {
	logger *slog.Logger
	msink  metrics.MetricSink
}

var (
	_ mpio.ControlHandler = (*DeliveryLog)(nil)
	_ mpio.InputHandler   = (*DeliveryLog)(nil)
)

func NewDeliveryLog(logger *slog.Logger, sink metrics.MetricSink) *DeliveryLog {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &DeliveryLog{logger: logger, msink: sink}
}

func (l *DeliveryLog) HandleMessage(source mpio.EngineID, msg *mpio.Message) error {
	l.msink.IncrCounter(MetricDelivered, 1)
	l.logger.Debug("message_delivered",
		mpio.LabelSource.L(source),
		mpio.LabelDestination.L(msg.TargetDestination),
		mpio.LabelProtocol.L(msg.Protocol.String()),
		"bytes", len(msg.Payload),
	)
	return nil
}

func (l *DeliveryLog) HandleControlMessage(source mpio.EngineID, msg *mpio.Message) error {
	l.msink.IncrCounter(MetricControlDelivered, 1)
	l.logger.Debug("control_delivered",
		mpio.LabelSource.L(source),
		mpio.LabelDestination.L(msg.TargetDestination),
		mpio.LabelControl.L(msg.ControlType.String()),
	)
	return nil
}
