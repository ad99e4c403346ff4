package mpio

import (
	"log/slog"
)

// Connection is the logical link between the local engine and one remote
// engine. It owns exactly one transport connection.
type Connection struct {
	engine EngineID
	conn   TransportConnection
	report func(TransportConnection, error)
	logger *slog.Logger
}

func newConnection(engine EngineID, conn TransportConnection, report func(TransportConnection, error), logger *slog.Logger) *Connection {
	return &Connection{
		engine: engine,
		conn:   conn,
		report: report,
		logger: logger,
	}
}

// Send passes msg to the transport. A failed send is reported to the error
// callback and never returned: one broken link must not abort the receive
// or dispatch cycle that triggered the send.
func (c *Connection) Send(msg *Message, priority Priority) {
	err := c.conn.Send(msg, priority)
	if err == nil {
		return
	}
	c.logger.Warn("connection_send_failed",
		LabelEngine.L(c.engine),
		LabelClass.L(msg.Class.String()),
		"priority", priority,
		LabelError.L(err),
	)
	if c.report != nil {
		c.report(c.conn, err)
	}
}

// Equal reports whether both wrappers hold the same transport connection.
func (c *Connection) Equal(other *Connection) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.conn == other.conn
}

// ProtocolVersion is the version negotiated by the transport, or
// VersionUnknown when the transport has no metadata.
func (c *Connection) ProtocolVersion() ProtocolVersion {
	md := c.conn.Metadata()
	if md == nil {
		return VersionUnknown
	}
	return md.Version
}

func (c *Connection) Engine() EngineID {
	return c.engine
}

func (c *Connection) Transport() TransportConnection {
	return c.conn
}
