package mpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
)

// route is the dispatch family of a protocol type.
type route uint8

const (
	routeDestination route = iota + 1
	routeDurableInput
	routeDurableOutput
)

func routeFor(p ProtocolType) route {
	switch p {
	case ProtocolDurableInput:
		return routeDurableInput
	case ProtocolDurableOutput:
		return routeDurableOutput
	case ProtocolUnicastInput, ProtocolUnicastOutput,
		ProtocolPubSubInput, ProtocolPubSubOutput,
		ProtocolAnycastInput, ProtocolAnycastOutput:
		return routeDestination
	}
	return routeDestination
}

// dropError is the outcome of a message that was not delivered.
type dropError struct {
	reason DropReason
	level  slog.Level
	err    error
}

func (e *dropError) Error() string {
	return string(e.reason) + ": " + e.err.Error()
}

func (e *dropError) Unwrap() error {
	return e.err
}

func drop(reason DropReason, level slog.Level, err error) error {
	return &dropError{reason: reason, level: level, err: err}
}

// ReceiveMessage processes one inbound message. It is called by transport
// workers and never returns a failure to them: every error is logged and the
// message discarded. A Terminate panic is the only value that escapes.
//
// The started lock is held in shared mode for the whole call, so handlers
// must not call Start or Stop synchronously.
func (r *Router) ReceiveMessage(conn TransportConnection, msg *Message) {
	if msg == nil {
		r.logger.Warn("message_dropped_nil")
		return
	}
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		switch t := p.(type) {
		case Terminate, *Terminate:
			panic(t)
		}
		r.logger.Error("receive_panic_recovered",
			"panic", p,
			LabelClass.L(msg.Class.String()),
			LabelProtocol.L(msg.Protocol.String()),
			"stack", string(debug.Stack()),
		)
		r.dropped(DropProcessingError, msg, fmt.Sprint(p))
	}()

	r.lk.RLock()
	defer r.lk.RUnlock()

	r.settle(msg, r.process(conn, msg))
}

func (r *Router) settle(msg *Message, err error) {
	if err == nil {
		return
	}
	var d *dropError
	if !errors.As(err, &d) {
		d = &dropError{reason: DropProcessingError, level: slog.LevelWarn, err: err}
	}
	if IsInternal(err) {
		d.level = slog.LevelError
		r.msink.IncrCounterWithLabels(MetricInternalErrors, 1, r.cfg.MetricLabels)
	}

	r.logger.Log(context.Background(), d.level, "message_dropped_"+string(d.reason),
		LabelSource.L(msg.SourceEngine),
		LabelClass.L(msg.Class.String()),
		LabelControl.L(msg.ControlType.String()),
		LabelProtocol.L(msg.Protocol.String()),
		LabelDestination.L(msg.TargetDestination),
		LabelStream.L(msg.StreamID),
		LabelError.L(d.err),
	)
	r.dropped(d.reason, msg, d.err.Error())
}

func (r *Router) process(conn TransportConnection, msg *Message) error {
	if !r.started {
		return drop(DropRouterStopped, slog.LevelInfo, ErrRouterStopped)
	}
	r.msink.IncrCounterWithLabels(
		MetricMessagesReceived,
		1,
		r.labels(LabelClass.M(msg.Class.String())),
	)

	source := msg.SourceEngine
	if conn != nil {
		peer := source
		if md := conn.Metadata(); md != nil && !md.RemoteEngine.IsZero() {
			peer = md.RemoteEngine
		}
		// an evicted transport must not come back through a late receive
		if !transportClosed(conn) {
			r.registry.GetOrCreate(conn, peer)
		}
		if source.IsZero() {
			source = peer
		}
	}

	target := msg.TargetEngine
	if target.IsZero() {
		target = r.cfg.LocalEngine
	}
	if target != r.cfg.LocalEngine {
		if err := r.SendToEngine(target, msg.Priority, msg); err != nil {
			return drop(DropInternalError, slog.LevelError, err)
		}
		r.msink.IncrCounterWithLabels(MetricMessagesForwarded, 1, r.cfg.MetricLabels)
		return nil
	}

	var dest Destination
	if msg.SourceBus != "" && msg.SourceBus != r.cfg.LocalBus {
		link, err := r.cfg.Destinations.ResolveLink(msg.SourceBus)
		if err != nil && !errors.Is(err, ErrDestinationNotFound) {
			return drop(DropProcessingError, slog.LevelWarn, fmt.Errorf("resolve link %q: %w", msg.SourceBus, err))
		}
		if link == nil {
			return drop(DropLinkNotFound, slog.LevelError, fmt.Errorf("link %q: %w", msg.SourceBus, ErrDestinationNotFound))
		}
		dest = link
	} else {
		switch routeFor(msg.Protocol) {
		case routeDurableInput:
			return r.dispatchDurable(r.cfg.DurableInput, source, msg)
		case routeDurableOutput:
			return r.dispatchDurable(r.cfg.DurableOutput, source, msg)
		case routeDestination:
		}

		found, err := r.resolveInBus(msg)
		if err != nil && !errors.Is(err, ErrDestinationNotFound) {
			return drop(DropProcessingError, slog.LevelWarn, fmt.Errorf("resolve destination: %w", err))
		}
		if found == nil {
			return r.unknownDestination(source, msg)
		}
		dest = found
	}

	if r.cfg.States != nil {
		if state, ok := r.cfg.States.State(dest); ok && state.CreateInProgress {
			return drop(DropCreateInProgress, slog.LevelInfo, fmt.Errorf("destination %s is being created", dest.Name()))
		}
	}

	return r.dispatch(dest, source, msg)
}

// resolveInBus finds the local destination a message addresses. Temporary
// queues and topics are served by one system receiver; other system
// destinations are looked up by name; everything else by uuid.
func (r *Router) resolveInBus(msg *Message) (Destination, error) {
	rd := msg.RoutingDestination
	if rd != nil && rd.Name != "" && (rd.Bus == "" || rd.Bus == r.cfg.LocalBus) {
		switch {
		case strings.HasPrefix(rd.Name, TemporaryQueuePrefix), strings.HasPrefix(rd.Name, TemporaryTopicPrefix):
			return r.cfg.Destinations.ResolveByName(r.cfg.TemporaryReceiver, r.cfg.LocalBus, true)
		case strings.HasPrefix(rd.Name, SystemPrefix):
			return r.cfg.Destinations.ResolveByName(rd.Name, r.cfg.LocalBus, true)
		}
	}
	return r.cfg.Destinations.ResolveByUUID(msg.TargetDestination, true)
}

func (r *Router) dispatchDurable(h DurableHandler, source EngineID, msg *Message) error {
	if h == nil {
		return drop(DropMissingHandler, slog.LevelError, &InternalError{
			Op:  "receive.durable",
			Err: fmt.Errorf("%w: protocol %s", ErrMissingHandler, msg.Protocol),
		})
	}
	if err := h.HandleDurable(source, msg); err != nil {
		return drop(DropProcessingError, slog.LevelWarn, err)
	}
	return nil
}

func (r *Router) dispatch(dest Destination, source EngineID, msg *Message) error {
	var err error
	if msg.IsControl() {
		h := dest.ControlHandler(msg.Protocol, source, msg)
		if h == nil {
			return r.missingHandler(dest, source, msg)
		}
		err = h.HandleControlMessage(source, msg)
	} else {
		h := dest.InputHandler(msg.Protocol, source, msg)
		if h == nil {
			return r.missingHandler(dest, source, msg)
		}
		err = h.HandleMessage(source, msg)
	}
	if err != nil {
		return drop(DropProcessingError, slog.LevelWarn, fmt.Errorf("destination %s: %w", dest.Name(), err))
	}
	return nil
}

// missingHandler treats a destination marked for deletion as already gone.
// Any other destination without stream state means both engines disagree.
func (r *Router) missingHandler(dest Destination, source EngineID, msg *Message) error {
	if dest.IsToBeDeleted() {
		return r.unknownDestination(source, msg)
	}
	return drop(DropMissingHandler, slog.LevelError, &InternalError{
		Op: "receive.dispatch",
		Err: fmt.Errorf("%w: destination %s (link=%t) source %s %s %s protocol %s",
			ErrMissingHandler, dest.Name(), dest.IsLink(), source,
			msg.Class, msg.ControlType, msg.Protocol),
	})
}
