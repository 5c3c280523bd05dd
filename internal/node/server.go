// Package node provides the server identity that owns the TCP listener and
// the bootstrap pipeline wiring the discovery, ledger, and peer subsystems.
package node

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/ledger"
	"github.com/witch-series/witch-core/internal/peer"
)

// HandlerFunc processes one request frame's payload for a named endpoint.
type HandlerFunc func(data json.RawMessage) (any, error)

// Server owns this node's TCP listener and identity. It registers itself in
// the ledger at startup, deregisters on shutdown, and serves
// newline-delimited JSON request/response frames: peer handshakes are
// answered inline, everything else dispatches to registered handlers.
type Server struct {
	id        string
	name      string
	ip        string
	port      int
	projectID string
	protocols []string
	store     *ledger.Store
	logger    *zap.Logger

	ln       net.Listener
	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	cmu   sync.Mutex
	conns map[net.Conn]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a stopped Server. Empty id and name are generated at
// registration time; port 0 picks a free port at Start.
func NewServer(id, name, ip string, port int, projectID string, protocols []string, store *ledger.Store, logger *zap.Logger) *Server {
	return &Server{
		id:        id,
		name:      name,
		ip:        ip,
		port:      port,
		projectID: projectID,
		protocols: protocols,
		store:     store,
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
		conns:     make(map[net.Conn]struct{}),
	}
}

// ID returns the node id (assigned at Start when not configured).
func (s *Server) ID() string { return s.id }

// Name returns the node's display name.
func (s *Server) Name() string { return s.name }

// Port returns the bound TCP port.
func (s *Server) Port() int { return s.port }

// RegisterHandler installs the handler for a request endpoint.
func (s *Server) RegisterHandler(endpoint string, h HandlerFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[endpoint] = h
}

// Start binds the listener, registers this node in the ledger, and begins
// accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	if s.name == "" {
		s.name = fmt.Sprintf("node-%s-%d", s.ip, s.port)
	}

	s.id = s.store.RegisterNode(s.ip, s.port, s.protocols, s.name, s.id)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Server started",
		zap.String("id", s.id),
		zap.String("name", s.name),
		zap.String("addr", fmt.Sprintf("%s:%d", s.ip, s.port)))
	return nil
}

// Stop closes the listener and every open connection, then removes this node
// from the ledger. Connection loops block in reads with no deadline, so they
// only unblock when their transport is torn down here. Idempotent.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.ln.Close()

	s.cmu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.cmu.Unlock()

	s.store.RemoveNode(s.id)
	s.wg.Wait()
	s.logger.Info("Server stopped", zap.String("id", s.id))
}

// trackConn registers an accepted connection for teardown in Stop. A
// connection accepted while the server is stopping is closed immediately:
// running flips before Stop sweeps the map, so checking it under the same
// lock leaves no window for an untracked open connection.
func (s *Server) trackConn(conn net.Conn) bool {
	s.cmu.Lock()
	if !s.running.Load() {
		s.cmu.Unlock()
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	s.cmu.Unlock()
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.cmu.Lock()
	delete(s.conns, conn)
	s.cmu.Unlock()
	conn.Close()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		if !s.trackConn(conn) {
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves one connection's request loop. A bad frame produces an
// error response and the loop continues; it never kills the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)

	reader := bufio.NewReader(conn)
	for s.running.Load() {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var f peer.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.writeFrame(conn, &peer.Frame{Status: peer.StatusError, Message: "invalid JSON frame"})
			continue
		}

		if f.Type == peer.FrameHandshake {
			s.handleHandshake(conn, &f)
			continue
		}
		s.dispatch(conn, &f)
	}
}

// handleHandshake gates the peer on compatibility hash and project id before
// acknowledging.
func (s *Server) handleHandshake(conn net.Conn, f *peer.Frame) {
	if f.Hash != s.store.OwnHash() {
		s.logger.Debug("Rejecting handshake from incompatible node",
			zap.String("node", f.NodeID))
		s.writeFrame(conn, &peer.Frame{Status: peer.StatusError, Message: "incompatible node"})
		return
	}
	if f.ProjectID != s.projectID {
		s.logger.Debug("Rejecting handshake from another project",
			zap.String("node", f.NodeID), zap.String("project", f.ProjectID))
		s.writeFrame(conn, &peer.Frame{Status: peer.StatusError, Message: "project mismatch"})
		return
	}

	s.writeFrame(conn, &peer.Frame{
		Type:      peer.FrameHandshakeAck,
		NodeID:    s.id,
		Name:      s.name,
		Hash:      s.store.OwnHash(),
		Status:    peer.StatusSuccess,
		Timestamp: ledger.Now(),
	})
	s.logger.Info("Peer handshake accepted", zap.String("node", f.NodeID))
}

func (s *Server) dispatch(conn net.Conn, f *peer.Frame) {
	endpoint := f.Endpoint
	if endpoint == "" {
		endpoint = f.Type
	}

	s.hmu.RLock()
	h := s.handlers[endpoint]
	s.hmu.RUnlock()

	if h == nil {
		s.writeFrame(conn, &peer.Frame{
			Status:  peer.StatusError,
			Message: fmt.Sprintf("unknown endpoint %q", endpoint),
		})
		return
	}

	result, err := h(f.Data)
	if err != nil {
		s.writeFrame(conn, &peer.Frame{Status: peer.StatusError, Message: err.Error()})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.writeFrame(conn, &peer.Frame{Status: peer.StatusError, Message: "failed to encode response"})
		return
	}
	s.writeFrame(conn, &peer.Frame{Status: peer.StatusSuccess, Data: data})
}

func (s *Server) writeFrame(conn net.Conn, f *peer.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("Failed to encode response frame", zap.Error(err))
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Debug("Failed to write response frame", zap.Error(err))
	}
}
