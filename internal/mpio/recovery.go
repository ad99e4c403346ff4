package mpio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type recovery uint8

const (
	recoverIgnore recovery = iota
	recoverFlushed
	recoverWarn
)

func recoveryFor(msg *Message) recovery {
	switch msg.ControlType {
	case ControlAreYouFlushed, ControlRequestFlush:
		return recoverFlushed
	case ControlDecisionExpected:
		if msg.Protocol.IsAnycast() {
			return recoverWarn
		}
	}
	return recoverIgnore
}

// unknownDestination handles a message whose destination no longer exists
// here. Data is dropped. Control messages asking about flush state get a
// Flushed reply so the remote side learns the stream is gone.
func (r *Router) unknownDestination(source EngineID, msg *Message) error {
	if !msg.IsControl() {
		return drop(DropUnknownData, slog.LevelDebug, ErrDestinationNotFound)
	}

	switch recoveryFor(msg) {
	case recoverFlushed:
		if err := r.replyFlushed(source, msg); err != nil {
			return err
		}
		return drop(DropUnknownControl, slog.LevelDebug, fmt.Errorf("%w: flushed reply sent", ErrDestinationNotFound))
	case recoverWarn:
		if r.warn.allow(msg.StreamID) {
			r.logger.Warn("anycast_stream_unknown",
				LabelStream.L(msg.StreamID),
				LabelDestination.L(msg.TargetDestination),
				LabelSource.L(source),
				LabelProtocol.L(msg.Protocol.String()),
			)
		}
	case recoverIgnore:
	}
	return drop(DropUnknownControl, slog.LevelDebug, ErrDestinationNotFound)
}

func (r *Router) replyFlushed(source EngineID, msg *Message) error {
	reply, err := r.cfg.Factory.NewFlushed()
	if err != nil {
		return drop(DropProcessingError, slog.LevelWarn, fmt.Errorf("build flushed reply: %w", err))
	}
	reply.Class = ClassControl
	reply.ControlType = ControlFlushed
	reply.Priority = msg.Priority
	reply.Reliability = msg.Reliability
	reply.Mediated = false
	reply.TargetEngine = source
	reply.SourceEngine = r.cfg.LocalEngine
	reply.SourceBus = r.cfg.LocalBus
	reply.StreamID = msg.StreamID
	reply.TargetDestination = msg.TargetDestination
	reply.Protocol = msg.Protocol.Counterpart()
	reply.ProtocolVersion = msg.ProtocolVersion

	if err := r.SendToEngine(source, msg.Priority, reply); err != nil {
		return drop(DropInternalError, slog.LevelError, err)
	}
	r.msink.IncrCounterWithLabels(MetricFlushedReplies, 1, r.cfg.MetricLabels)
	r.logger.Debug("flushed_reply_sent",
		"target", source,
		LabelStream.L(msg.StreamID),
		LabelProtocol.L(reply.Protocol.String()),
	)
	return nil
}

// maxTrackedStreams bounds the per-stream limiter map.
const maxTrackedStreams = 1024

// streamWarnings allows one warning per stream per interval.
type streamWarnings struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[uuid.UUID]*rate.Limiter
}

func newStreamWarnings(every time.Duration) *streamWarnings {
	return &streamWarnings{
		every:    every,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (w *streamWarnings) allow(stream uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	lim, ok := w.limiters[stream]
	if !ok {
		if len(w.limiters) >= maxTrackedStreams {
			w.limiters = make(map[uuid.UUID]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(w.every), 1)
		w.limiters[stream] = lim
	}
	return lim.Allow()
}
