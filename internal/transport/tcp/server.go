package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server accepts peer connections from other engines.
type Server struct {
	Addr string
	// Manager owns every accepted connection once its handshake succeeded
	Manager *Manager

	listener net.Listener
	// closed on Stop
	quitChan chan struct{}
	// tracks the accept loop and one goroutine per connection
	wg sync.WaitGroup
	mu sync.Mutex
}

func NewServer(addr string, manager *Manager) *Server {
	return &Server{
		Addr:     addr,
		Manager:  manager,
		quitChan: make(chan struct{}),
	}
}

// Listen binds the server address. It is split from Serve so callers learn
// about bind errors synchronously.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server, error: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.Manager.logger.Info("transport_listening",
		"addr", listener.Addr().String(),
	)
	return nil
}

// ListenAddr returns the bound address, useful when Addr used port 0.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	s.wg.Add(1)
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quitChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Manager.logger.Warn("accept_failed",
				"error", err.Error(),
			)
			continue
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleConnection(conn)
		}(conn)
	}
}

// Start binds and serves; it blocks like the accept loop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// handleConnection runs the lifecycle of one inbound peer connection.
func (s *Server) handleConnection(conn net.Conn) {
	peer := NewPeerConnection(conn, s.Manager, true)
	if err := peer.Handshake(context.Background()); err != nil {
		s.Manager.msink.IncrCounter(MetricHandshakeFailed, 1)
		s.Manager.logger.Warn("peer_handshake_failed",
			"remote_addr", conn.RemoteAddr().String(),
			"error", err.Error(),
		)
		peer.Close()
		return
	}
	if !s.Manager.AddConnection(peer) {
		peer.Close()
		return
	}
	peer.Listen(s.Manager.opts.Receiver)
	s.Manager.RemoveConnection(peer)
}

// Stop closes the listener and every peer connection, then waits for the
// connection goroutines.
func (s *Server) Stop() {
	select {
	case <-s.quitChan:
		return
	default:
		close(s.quitChan)
	}
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.Manager.CloseAllConnections()
	s.wg.Wait()
}
