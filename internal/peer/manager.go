package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/ledger"
)

// State is the lifecycle position of one managed peer.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Info describes one peer as seen by the manager.
type Info struct {
	ID          string    `json:"id"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Name        string    `json:"name"`
	Hash        string    `json:"hash"`
	State       State     `json:"state"`
	LastSeen    time.Time `json:"last_seen"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Config holds the manager's identity and timing knobs.
type Config struct {
	SelfID    string
	SelfName  string
	SelfIP    string
	SelfPort  int
	ProjectID string
	Protocols []string

	PollInterval     time.Duration // control loop cadence
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
}

// Manager upgrades compatible, project-matched ledger entries into live peer
// links. Every per-peer operation failure is isolated: one bad peer never
// aborts processing of the others.
type Manager struct {
	cfg    Config
	store  *ledger.Store
	logger *zap.Logger

	// OnPeerMessage, set before Start, receives inbound frames from
	// connected peers.
	OnPeerMessage func(peerID string, f *Frame)

	mu         sync.RWMutex
	discovered map[string]Info
	links      map[string]*Link

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a stopped Manager.
func NewManager(cfg Config, store *ledger.Store, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		discovered: make(map[string]Info),
		links:      make(map[string]*Link),
	}
}

// Start launches the periodic discovery/connection loop.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("peer manager already running")
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run()
	m.logger.Info("Peer manager started", zap.String("project", m.projectID()))
	return nil
}

// Stop halts the control loop and tears down every link. Idempotent.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)

	m.mu.Lock()
	for id, link := range m.links {
		link.Close()
		delete(m.links, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Peer manager stopped")
}

// RegisterWithProjectID adds the project tag to this node's own protocol
// list and re-registers it in the ledger so other instances' project filter
// will include it.
func (m *Manager) RegisterWithProjectID(projectID string) {
	m.mu.Lock()
	m.cfg.ProjectID = projectID
	tag := ledger.ProjectTag(projectID)
	if !contains(m.cfg.Protocols, tag) {
		m.cfg.Protocols = append(m.cfg.Protocols, tag)
	}
	protocols := append([]string(nil), m.cfg.Protocols...)
	m.mu.Unlock()

	m.store.RegisterNode(m.cfg.SelfIP, m.cfg.SelfPort, protocols, m.cfg.SelfName, m.cfg.SelfID)
	m.logger.Info("Registered project tag", zap.String("tag", tag))
}

// BroadcastToPeers fans a frame out to every connected peer, continuing past
// individual send failures. Returns the number of successful sends.
func (m *Manager) BroadcastToPeers(f *Frame) int {
	sent := 0
	for _, link := range m.snapshotLinks() {
		if err := link.WriteFrame(f, m.cfg.HandshakeTimeout); err != nil {
			m.logger.Warn("Peer send failed",
				zap.String("peer", link.PeerID()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// SendToPeer sends a frame to one connected peer.
func (m *Manager) SendToPeer(id string, f *Frame) bool {
	m.mu.RLock()
	link := m.links[id]
	m.mu.RUnlock()

	if link == nil {
		m.logger.Warn("Peer is not connected", zap.String("peer", id))
		return false
	}
	if err := link.WriteFrame(f, m.cfg.HandshakeTimeout); err != nil {
		m.logger.Warn("Peer send failed", zap.String("peer", id), zap.Error(err))
		return false
	}
	return true
}

// ConnectedPeers returns the peers with an established link.
func (m *Manager) ConnectedPeers() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.links))
	for id := range m.links {
		if info, ok := m.discovered[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

// DiscoveredPeers returns every peer currently known to the manager.
func (m *Manager) DiscoveredPeers() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.discovered))
	for _, info := range m.discovered {
		out = append(out, info)
	}
	return out
}

// --- control loop ---

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.runCycle()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.runCycle()
		}
	}
}

func (m *Manager) runCycle() {
	m.discoverCompatiblePeers()
	m.connectToNewPeers()
	m.sweepConnections()
}

// discoverCompatiblePeers refreshes the discovered set from the ledger:
// active nodes with our compatibility hash and our project tag, self
// excluded.
func (m *Manager) discoverCompatiblePeers() {
	nodes := m.store.GetCompatibleNodes("")
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// cfg.ProjectID is mutated by RegisterWithProjectID under this lock.
	tag := ledger.ProjectTag(m.cfg.ProjectID)

	for _, n := range nodes {
		if n.ID == m.cfg.SelfID || !n.HasProtocol(tag) {
			continue
		}
		info, ok := m.discovered[n.ID]
		if !ok {
			info = Info{ID: n.ID, State: StateDiscovered}
		}
		info.IP = n.IP
		info.Port = n.Port
		info.Name = n.Name
		info.Hash = n.Hash
		info.LastSeen = now
		m.discovered[n.ID] = info
	}
}

// connectToNewPeers dials every discovered peer without a link. Failures are
// per-peer: a refused dial or failed handshake moves on to the next peer.
func (m *Manager) connectToNewPeers() {
	m.mu.RLock()
	var candidates []Info
	for id, info := range m.discovered {
		if _, connected := m.links[id]; connected {
			continue
		}
		if info.State == StateConnecting {
			continue
		}
		candidates = append(candidates, info)
	}
	m.mu.RUnlock()

	for _, info := range candidates {
		if !m.running.Load() {
			return
		}
		m.connectPeer(info)
	}
}

func (m *Manager) connectPeer(info Info) {
	m.setState(info.ID, StateConnecting)
	addr := fmt.Sprintf("%s:%d", info.IP, info.Port)

	var conn net.Conn
	err := retry.Do(
		func() error {
			var derr error
			conn, derr = net.DialTimeout("tcp", addr, m.cfg.DialTimeout)
			return derr
		},
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		m.setState(info.ID, StateFailed)
		m.logger.Warn("Peer dial failed",
			zap.String("peer", info.Name), zap.String("addr", addr), zap.Error(err))
		return
	}

	link := newLink(info.ID, conn)
	if err := m.handshake(link); err != nil {
		// Not connected, but still a valid discovery: retry on a later cycle.
		link.Close()
		m.setState(info.ID, StateDiscovered)
		m.logger.Warn("Peer handshake failed",
			zap.String("peer", info.Name), zap.Error(err))
		return
	}

	// The running check, map insertion, and wg.Add must be one critical
	// section: Stop flips running before sweeping m.links under this same
	// lock, so a link can never slip in after the sweep and strand its
	// readLoop past Stop's Wait.
	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		link.Close()
		return
	}
	m.links[info.ID] = link
	if cur, ok := m.discovered[info.ID]; ok {
		cur.State = StateConnected
		cur.ConnectedAt = link.ConnectedAt()
		m.discovered[info.ID] = cur
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(link)

	m.logger.Info("Connected to peer",
		zap.String("peer", info.Name), zap.String("addr", addr))
}

// handshake sends peer_handshake and expects peer_handshake_ack within the
// handshake timeout.
func (m *Manager) handshake(link *Link) error {
	hs := &Frame{
		Type:      FrameHandshake,
		NodeID:    m.cfg.SelfID,
		Name:      m.cfg.SelfName,
		ProjectID: m.projectID(),
		Hash:      m.store.OwnHash(),
		Timestamp: ledger.Now(),
	}
	if err := link.WriteFrame(hs, m.cfg.HandshakeTimeout); err != nil {
		return err
	}

	resp, err := link.ReadFrame(m.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	if resp.Type != FrameHandshakeAck {
		if resp.Message != "" {
			return fmt.Errorf("handshake rejected: %s", resp.Message)
		}
		return fmt.Errorf("unexpected handshake response %q", resp.Type)
	}
	return nil
}

// readLoop consumes inbound frames until the connection closes, which doubles
// as the liveness signal: a closed link is swept on the next cycle.
func (m *Manager) readLoop(link *Link) {
	defer m.wg.Done()
	defer link.Close()

	for {
		f, err := link.ReadFrame(0)
		if err != nil {
			return
		}
		if cb := m.OnPeerMessage; cb != nil {
			cb(link.PeerID(), f)
		}
	}
}

// sweepConnections drops links whose transport has closed. Dead peers are
// never silently retained in the connected set.
func (m *Manager) sweepConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, link := range m.links {
		if !link.Closed() {
			link.Touch()
			continue
		}
		delete(m.links, id)
		if info, ok := m.discovered[id]; ok {
			info.State = StateDisconnected
			info.ConnectedAt = time.Time{}
			m.discovered[id] = info
		}
		m.logger.Info("Connection to peer lost", zap.String("peer", id))
	}
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.discovered[id]; ok {
		info.State = s
		m.discovered[id] = info
	}
}

// projectID reads the current project id under the lock guarding
// RegisterWithProjectID's mutation.
func (m *Manager) projectID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.ProjectID
}

func (m *Manager) snapshotLinks() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		out = append(out, link)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
