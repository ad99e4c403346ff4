package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"melink/internal/mpio"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PeerConnection is one TCP link to a remote engine. It implements
// mpio.TransportConnection.
type PeerConnection struct {
	ID      string // unique identifier, used in logs
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	wmu     sync.Mutex // serializes frame writes
	Manager *Manager
	Limiter *rate.Limiter // inbound frame rate
	md      atomic.Pointer[mpio.ConnectionMetadata]
	closed  atomic.Bool
	Inbound bool // accepted by the server rather than dialed
}

var _ mpio.TransportConnection = (*PeerConnection)(nil)

func NewPeerConnection(conn net.Conn, manager *Manager, inbound bool) *PeerConnection {
	return &PeerConnection{
		ID:      uuid.NewString(),
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		Manager: manager,
		Limiter: rate.NewLimiter(rate.Limit(manager.opts.FrameRate), manager.opts.FrameBurst),
		Inbound: inbound,
	}
}

// Metadata returns nil until the handshake completed.
func (c *PeerConnection) Metadata() *mpio.ConnectionMetadata {
	return c.md.Load()
}

func (c *PeerConnection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Handshake exchanges hello frames and authenticates the peer. Both sides
// write first, so the exchange is symmetric.
func (c *PeerConnection) Handshake(ctx context.Context) error {
	opts := c.Manager.opts
	deadline := time.Now().Add(opts.DialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	token, err := opts.Auth.IssueToken(opts.Local, opts.Bus, opts.DialTimeout*2)
	if err != nil {
		return err
	}
	hello := &Hello{Engine: opts.Local, Bus: opts.Bus, Version: opts.Version, Token: token}
	if err := c.writeFrame(&frame{Kind: frameHello, Hello: hello}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	f, err := readFrame(c.reader)
	if err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if f.Kind != frameHello || f.Hello == nil {
		return errors.New("expected hello frame")
	}

	engine, bus, err := opts.Auth.ValidateToken(f.Hello.Token)
	if err != nil {
		return err
	}
	if engine != f.Hello.Engine || bus != f.Hello.Bus {
		return fmt.Errorf("hello for %s does not match token for %s", f.Hello.Engine, engine)
	}
	if engine == opts.Local {
		return errors.New("refusing connection to self")
	}

	c.md.Store(&mpio.ConnectionMetadata{
		RemoteEngine: f.Hello.Engine,
		RemoteBus:    f.Hello.Bus,
		Version:      f.Hello.Version,
	})
	return nil
}

// Listen reads message frames and hands them to the receiver until the
// connection closes.
func (c *PeerConnection) Listen(receiver mpio.Receiver) {
	defer c.Close()

	logger := c.Manager.logger
	md := c.Metadata()
	if md == nil {
		md = &mpio.ConnectionMetadata{}
	}
	logger.Info("peer_started_listening",
		"conn_id", c.ID,
		"peer", md.RemoteEngine,
		"remote_addr", c.RemoteAddr(),
	)

	for {
		f, err := readFrame(c.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("peer_disconnected",
					"conn_id", c.ID,
					"peer", md.RemoteEngine,
				)
				return
			}
			if isClosedConnError(err) || c.closed.Load() {
				return
			}
			if errors.Is(err, ErrInvalidFrame) {
				logger.Warn("invalid_frame",
					"conn_id", c.ID,
					"error", err.Error(),
				)
				c.Manager.framesDropped()
				continue
			}
			if errors.Is(err, ErrFrameTooLarge) {
				// the stream position is lost, the link cannot recover
				logger.Warn("frame_too_large",
					"conn_id", c.ID,
					"error", err.Error(),
				)
				return
			}
			logger.Error("peer_read_error",
				"conn_id", c.ID,
				"error", err,
			)
			return
		}

		if err := c.Limiter.Wait(context.Background()); err != nil {
			logger.Warn("rate_limit_exceeded",
				"conn_id", c.ID,
				"error", err.Error(),
			)
		}

		if f.Kind != frameMessage || f.Message == nil {
			logger.Warn("unexpected_frame",
				"conn_id", c.ID,
				"kind", f.Kind,
			)
			c.Manager.framesDropped()
			continue
		}
		c.Manager.framesReceived()
		receiver.ReceiveMessage(c, f.Message)
	}
}

// Send writes msg as one frame. Failures are classified into the mpio
// transport error kinds.
func (c *PeerConnection) Send(msg *mpio.Message, priority mpio.Priority) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %s", mpio.ErrConnectionDropped, c.ID)
	}
	if err := c.writeFrame(&frame{Kind: frameMessage, Priority: priority, Message: msg}); err != nil {
		return classifySendError(err)
	}
	c.Manager.framesSent()
	return nil
}

type encodeError struct{ err error }

func (e *encodeError) Error() string { return e.err.Error() }
func (e *encodeError) Unwrap() error { return e.err }

func (c *PeerConnection) writeFrame(f *frame) error {
	buf, err := encodeFrame(f)
	if err != nil {
		return &encodeError{err}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.writer.Write(buf); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

func classifySendError(err error) error {
	var encErr *encodeError
	var netErr net.Error
	switch {
	case errors.As(err, &encErr):
		return fmt.Errorf("%w: %w", mpio.ErrEncode, encErr.err)
	case isClosedConnError(err):
		return fmt.Errorf("%w: %w", mpio.ErrConnectionDropped, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", mpio.ErrConnectionUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", mpio.ErrConnectionLost, err)
	}
}

// isClosedConnError matches the errors expected when either side closed the
// socket.
func isClosedConnError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed network connection") ||
		strings.Contains(msg, "connection was aborted") ||
		strings.Contains(msg, "forcibly closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

// Close is idempotent.
func (c *PeerConnection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

func (c *PeerConnection) Closed() bool {
	return c.closed.Load()
}
