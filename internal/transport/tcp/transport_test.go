package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"melink/internal/mpio"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

const testSecret = "cluster-secret"

var (
	engineA = mpio.EngineID{0xA}
	engineB = mpio.EngineID{0xB}
)

type chanReceiver struct {
	ch chan *mpio.Message
}

func (r *chanReceiver) ReceiveMessage(conn mpio.TransportConnection, msg *mpio.Message) {
	r.ch <- msg
}

type recordingListener struct {
	mu        sync.Mutex
	changed   []mpio.TransportConnection
	decreased []mpio.TransportConnection
	increased int
}

func (l *recordingListener) ConnectionChanged(conn mpio.TransportConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, conn)
}

func (l *recordingListener) ReachabilityDecreased(conns []mpio.TransportConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decreased = append(l.decreased, conns...)
}

func (l *recordingListener) ReachabilityIncreased(conns []mpio.TransportConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.increased++
}

func (l *recordingListener) changedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changed)
}

type staticDirectory map[mpio.EngineID]string

func (d staticDirectory) Lookup(ctx context.Context, engine mpio.EngineID) (string, error) {
	addr, ok := d[engine]
	if !ok {
		return "", errors.New("unknown engine")
	}
	return addr, nil
}

func newTestManager(local mpio.EngineID, recv mpio.Receiver, listener mpio.TopologyListener, dir Directory) *Manager {
	return NewManager(Options{
		Local:       local,
		Bus:         "bus",
		Version:     mpio.ProtocolVersion{Major: 8, Minor: 5},
		Auth:        NewAuthenticator(testSecret),
		Directory:   dir,
		Receiver:    recv,
		Listener:    listener,
		DialTimeout: 2 * time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCodec_Frame(t *testing.T) {
	msg := &mpio.Message{
		Class:        mpio.ClassControl,
		ControlType:  mpio.ControlAreYouFlushed,
		Protocol:     mpio.ProtocolAnycastOutput,
		SourceEngine: engineA,
		StreamID:     uuid.New(),
		Payload:      []byte("hello"),
	}
	buf, err := encodeFrame(&frame{Kind: frameMessage, Priority: 7, Message: msg})
	require.NoError(t, err)

	size, n := protowire.ConsumeVarint(buf)
	require.Greater(t, n, 0)
	assert.Equal(t, len(buf)-n, int(size))

	f, err := readFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.NoError(t, err)
	assert.Equal(t, frameMessage, f.Kind)
	assert.Equal(t, mpio.Priority(7), f.Priority)
	assert.Equal(t, msg, f.Message)
}

func TestCodec_Errors(t *testing.T) {
	_, err := encodeFrame(&frame{Kind: frameMessage, Message: &mpio.Message{Payload: make([]byte, MaxFrameSize)}})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	oversized := protowire.AppendVarint(nil, MaxFrameSize+1)
	_, err = readFrame(bufio.NewReader(bytes.NewReader(oversized)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = readFrame(bufio.NewReader(bytes.NewReader([]byte{0x80})))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = readFrame(bufio.NewReader(bytes.NewReader(nil)))
	assert.ErrorIs(t, err, io.EOF)

	garbage := append(protowire.AppendVarint(nil, 3), []byte("{{{")...)
	_, err = readFrame(bufio.NewReader(bytes.NewReader(garbage)))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	truncated := append(protowire.AppendVarint(nil, 10), []byte("{}")...)
	_, err = readFrame(bufio.NewReader(bytes.NewReader(truncated)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token, err := auth.IssueToken(engineA, "bus", time.Minute)
	require.NoError(t, err)

	engine, bus, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, engineA, engine)
	assert.Equal(t, "bus", bus)

	_, _, err = NewAuthenticator("other-secret").ValidateToken(token)
	assert.Error(t, err)

	expired, err := auth.IssueToken(engineA, "bus", -time.Minute)
	require.NoError(t, err)
	_, _, err = auth.ValidateToken(expired)
	assert.Error(t, err)
}

func TestClassifySendError(t *testing.T) {
	assert.ErrorIs(t, classifySendError(&encodeError{ErrFrameTooLarge}), mpio.ErrEncode)
	assert.ErrorIs(t, classifySendError(net.ErrClosed), mpio.ErrConnectionDropped)
	assert.ErrorIs(t, classifySendError(errors.New("write: broken pipe")), mpio.ErrConnectionDropped)
	assert.ErrorIs(t, classifySendError(&net.OpError{Op: "write", Err: timeoutError{}}), mpio.ErrConnectionUnavailable)
	assert.ErrorIs(t, classifySendError(errors.New("no route to host")), mpio.ErrConnectionLost)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// tcpPair returns both ends of a loopback TCP connection. net.Pipe does not
// buffer, so the symmetric hello exchange needs real sockets.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return dialed, server
}

func TestPeerConnection_Handshake(t *testing.T) {
	left, right := tcpPair(t)
	ma := newTestManager(engineA, nil, nil, nil)
	mb := newTestManager(engineB, nil, nil, nil)
	a := NewPeerConnection(left, ma, false)
	b := NewPeerConnection(right, mb, true)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = a.Handshake(context.Background()) }()
	go func() { defer wg.Done(); errB = b.Handshake(context.Background()) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, engineB, a.Metadata().RemoteEngine)
	assert.Equal(t, engineA, b.Metadata().RemoteEngine)
	assert.Equal(t, mpio.ProtocolVersion{Major: 8, Minor: 5}, a.Metadata().Version)
}

func TestPeerConnection_HandshakeRejectsForeignSecret(t *testing.T) {
	left, right := tcpPair(t)
	ma := newTestManager(engineA, nil, nil, nil)
	mb := newTestManager(engineB, nil, nil, nil)
	mb.opts.Auth = NewAuthenticator("intruder")
	a := NewPeerConnection(left, ma, false)
	b := NewPeerConnection(right, mb, true)

	var wg sync.WaitGroup
	var errA error
	wg.Add(2)
	go func() { defer wg.Done(); errA = a.Handshake(context.Background()) }()
	go func() { defer wg.Done(); _ = b.Handshake(context.Background()) }()
	wg.Wait()

	assert.Error(t, errA)
	assert.Nil(t, a.Metadata())
}

func TestManager_EndToEnd(t *testing.T) {
	recvA := &chanReceiver{ch: make(chan *mpio.Message, 4)}
	listenerA := &recordingListener{}
	ma := newTestManager(engineA, recvA, listenerA, nil)
	server := NewServer("127.0.0.1:0", ma)
	require.NoError(t, server.Listen())
	go server.Serve()
	defer server.Stop()

	recvB := &chanReceiver{ch: make(chan *mpio.Message, 4)}
	listenerB := &recordingListener{}
	mb := newTestManager(engineB, recvB, listenerB, staticDirectory{engineA: server.ListenAddr().String()})

	require.NoError(t, mb.ConnectToEngine(context.Background(), engineA))
	conns := mb.ListConnections(engineA)
	require.Len(t, conns, 1)

	msg := &mpio.Message{Class: mpio.ClassData, SourceEngine: engineB, TargetEngine: engineA, Payload: []byte("x")}
	require.NoError(t, conns[0].Send(msg, mpio.PriorityDefault))

	select {
	case got := <-recvA.ch:
		assert.Equal(t, msg.Payload, got.Payload)
		assert.Equal(t, engineB, got.SourceEngine)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.Eventually(t, func() bool { return len(ma.ListConnections(engineB)) == 1 }, time.Second, 10*time.Millisecond)

	// the reverse direction reuses the accepted connection
	back := ma.ListConnections(engineB)[0]
	require.NoError(t, back.Send(&mpio.Message{Payload: []byte("y")}, mpio.PriorityDefault))
	select {
	case got := <-recvB.ch:
		assert.Equal(t, []byte("y"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}

	// an existing connection satisfies ConnectToEngine
	require.NoError(t, mb.ConnectToEngine(context.Background(), engineA))
	assert.Equal(t, 1, mb.Count())

	mb.DropEngine(engineA)
	assert.Len(t, listenerB.decreased, 1)
	err := conns[0].Send(msg, mpio.PriorityDefault)
	assert.ErrorIs(t, err, mpio.ErrConnectionDropped)

	require.Eventually(t, func() bool { return listenerA.changedCount() == 1 }, 2*time.Second, 10*time.Millisecond,
		"server side notices the closed connection")
	mb.CloseAllConnections()
}

func TestManager_ConnectWithoutDirectory(t *testing.T) {
	m := newTestManager(engineA, nil, nil, nil)
	assert.ErrorIs(t, m.ConnectToEngine(context.Background(), engineB), ErrDirectoryNotEnabled)

	m = newTestManager(engineA, nil, nil, staticDirectory{})
	err := m.ConnectToEngine(context.Background(), engineB)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown engine"))
}

func TestManager_OnConnectionErrorClosesPeer(t *testing.T) {
	ma := newTestManager(engineA, &chanReceiver{ch: make(chan *mpio.Message, 1)}, nil, nil)
	server := NewServer("127.0.0.1:0", ma)
	require.NoError(t, server.Listen())
	go server.Serve()
	defer server.Stop()

	listenerB := &recordingListener{}
	mb := newTestManager(engineB, &chanReceiver{ch: make(chan *mpio.Message, 1)}, listenerB, nil)
	mb.SetDirectory(staticDirectory{engineA: server.ListenAddr().String()})
	require.NoError(t, mb.ConnectToEngine(context.Background(), engineA))
	conns := mb.ListConnections(engineA)
	require.Len(t, conns, 1)

	mb.OnConnectionError(conns[0], errors.New("write: broken pipe"))

	require.Eventually(t, func() bool { return listenerB.changedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, mb.Count())
	assert.True(t, conns[0].(*PeerConnection).Closed())
}

func TestManager_DuplicateTieBreak(t *testing.T) {
	listener := &recordingListener{}
	m := newTestManager(engineA, nil, listener, nil)

	handshaken := func(inbound bool) *PeerConnection {
		left, right := net.Pipe()
		t.Cleanup(func() { left.Close(); right.Close() })
		c := NewPeerConnection(left, m, inbound)
		c.md.Store(&mpio.ConnectionMetadata{RemoteEngine: engineB})
		return c
	}

	// engineA < engineB, so the connection A dialed wins
	inbound := handshaken(true)
	require.True(t, m.AddConnection(inbound))

	outbound := handshaken(false)
	require.True(t, m.AddConnection(outbound), "locally dialed connection replaces the inbound one")
	assert.True(t, inbound.Closed())
	assert.Equal(t, 1, listener.changedCount())

	second := handshaken(false)
	assert.False(t, m.AddConnection(second), "equal preference keeps the existing connection")
	assert.Equal(t, []mpio.TransportConnection{outbound}, m.ListConnections(engineB))

	m.RemoveConnection(outbound)
	assert.Equal(t, 2, listener.changedCount())
	assert.Zero(t, m.Count())
	m.RemoveConnection(outbound)
	assert.Equal(t, 3, listener.changedCount(), "listen exit is always reported")
	assert.Zero(t, m.Count())
}

type noDestinations struct{}

func (noDestinations) ResolveByUUID(id uuid.UUID, includeInvisible bool) (mpio.Destination, error) {
	return nil, mpio.ErrDestinationNotFound
}

func (noDestinations) ResolveByName(name, bus string, includeInvisible bool) (mpio.Destination, error) {
	return nil, mpio.ErrDestinationNotFound
}

func (noDestinations) ResolveLink(busName string) (mpio.Destination, error) {
	return nil, mpio.ErrDestinationNotFound
}

// newWiredRouter builds a started router for engineA that uses m as its
// topology and is m's listener.
func newWiredRouter(t *testing.T) (*mpio.Router, *Manager) {
	t.Helper()
	router, err := mpio.New(mpio.Config{
		LocalEngine:  engineA,
		LocalBus:     "bus",
		Destinations: noDestinations{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	m := newTestManager(engineA, router, router, nil)
	router.Start(m, m)
	return router, m
}

func TestManager_EvictedConnectionDoesNotLinger(t *testing.T) {
	router, m := newWiredRouter(t)

	dialedPeer := func() *PeerConnection {
		left, _ := tcpPair(t)
		c := NewPeerConnection(left, m, false)
		c.md.Store(&mpio.ConnectionMetadata{RemoteEngine: engineB, RemoteBus: "bus"})
		return c
	}
	data := func() *mpio.Message {
		return &mpio.Message{Class: mpio.ClassData, SourceEngine: engineB, TargetDestination: uuid.New()}
	}

	c1 := dialedPeer()
	require.True(t, m.AddConnection(c1))
	router.ReceiveMessage(c1, data())
	require.NotNil(t, router.Registry().ByEngine(engineB))

	m.DropEngine(engineB)
	require.True(t, c1.Closed())
	assert.Nil(t, router.Registry().ByEngine(engineB))

	// a receive that arrives after the eviction leaves the registry alone
	router.ReceiveMessage(c1, data())
	assert.Nil(t, router.Registry().ByTransport(c1))

	// a receive that registered c1 just before it was closed is undone when
	// its listen loop exits
	router.Registry().GetOrCreate(c1, engineB)
	m.RemoveConnection(c1)
	assert.Nil(t, router.Registry().ByTransport(c1))

	c2 := dialedPeer()
	require.True(t, m.AddConnection(c2))
	found, err := router.Registry().Find(engineB)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, mpio.TransportConnection(c2), found.Transport())
}

func TestPeerConnection_ListenSkipsUndecodableFrame(t *testing.T) {
	recv := &chanReceiver{ch: make(chan *mpio.Message, 1)}
	m := newTestManager(engineA, recv, nil, nil)
	local, remote := tcpPair(t)
	c := NewPeerConnection(local, m, true)
	c.md.Store(&mpio.ConnectionMetadata{RemoteEngine: engineB})

	done := make(chan struct{})
	go func() {
		c.Listen(recv)
		close(done)
	}()

	good, err := encodeFrame(&frame{Kind: frameMessage, Message: &mpio.Message{Payload: []byte("after")}})
	require.NoError(t, err)
	stream := append(protowire.AppendVarint(nil, 5), []byte("nope!")...)
	stream = append(stream, good...)
	_, err = remote.Write(stream)
	require.NoError(t, err)

	select {
	case got := <-recv.ch:
		assert.Equal(t, []byte("after"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame after the undecodable one was not delivered")
	}
	assert.False(t, c.Closed())

	remote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after the peer closed")
	}
}
