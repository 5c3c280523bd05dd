// Package broadcast implements the UDP presence/discovery/ledger-sync
// channel. A Channel periodically announces this node, listens for peer
// announcements, and pushes ledger snapshots; received messages drive the
// ledger store and raise discovery events to the owner.
//
// Delivery is best-effort: UDP broadcast is unreliable and asymmetric across
// real networks, so discovery sends in repeated bursts with bounded
// exponential-backoff retries instead of a blind one-shot.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/ledger"
)

const (
	readPollInterval = 1 * time.Second
	recvBufferSize   = 8192
)

var errNoNewNodes = errors.New("no new nodes discovered")

// Config holds the channel's knobs. Zero values fall back to defaults in
// NewChannel.
type Config struct {
	// Port is the shared UDP broadcast port.
	Port int
	// NodeID and NodeName identify this node in outgoing envelopes.
	NodeID   string
	NodeName string
	// OwnHash is this process's compatibility hash; inbound messages with a
	// different hash are dropped.
	OwnHash string
	// AdvertiseIP/AdvertisePort are this node's request/response endpoint,
	// included in presence announcements and periodic discovery.
	AdvertiseIP   string
	AdvertisePort int
	// Protocols advertised in announcements.
	Protocols []string
	// Addresses is the broadcast target list; entries may carry a
	// "host:port" override. Defaults to DefaultAddresses.
	Addresses []string
	// AnnounceInterval enables the periodic presence loop when > 0.
	AnnounceInterval time.Duration
	// DiscoverInterval enables the periodic auto-discovery loop when > 0.
	DiscoverInterval time.Duration
	// SettleWait is how long a discovery burst waits before checking whether
	// new nodes appeared.
	SettleWait time.Duration
}

// BurstOptions tune one discovery broadcast.
type BurstOptions struct {
	Addresses    []string
	Repeat       int
	Interval     time.Duration
	RetryCount   int
	RetryBackoff float64
}

func (o *BurstOptions) applyDefaults() {
	if o.Repeat <= 0 {
		o.Repeat = 5
	}
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryBackoff <= 1 {
		o.RetryBackoff = 2.0
	}
}

// Channel is one broadcast endpoint. Lifecycle: Stopped -> Starting ->
// Running -> Stopped; Stop is idempotent and callable from any goroutine,
// taking effect within one poll interval.
type Channel struct {
	cfg    Config
	tag    string // random per-instance tag for self-echo filtering
	store  *ledger.Store
	logger *zap.Logger

	// Callbacks, set before Start. They run on the receive loop, so keep
	// them short.
	OnNodeDiscovered func(DiscoveredNode)
	OnLedgerReceived func(*ledger.Ledger)
	// ShouldContinue, when set together with DiscoverInterval, is consulted
	// before every auto-discovery cycle after the first; returning false (or
	// panicking) stops the loop. It is an operator throttle for long-running
	// sessions, not a correctness mechanism.
	ShouldContinue func(prompt string) bool

	mu         sync.RWMutex
	discovered map[string]DiscoveredNode

	conn     *net.UDPConn
	sendOnly bool
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewChannel creates a stopped Channel.
func NewChannel(cfg Config, store *ledger.Store, logger *zap.Logger) *Channel {
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = DefaultAddresses()
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 2 * time.Second
	}
	return &Channel{
		cfg:        cfg,
		tag:        uuid.NewString()[:8],
		store:      store,
		logger:     logger,
		discovered: make(map[string]DiscoveredNode),
	}
}

// Start binds the UDP socket and spawns the background loops. A bind failure
// on the shared port is tolerated: the channel falls back to an ephemeral
// port and functions send-only. On any other failure the channel is left
// Stopped and Start may be retried.
func (c *Channel) Start(listen bool) error {
	if c.running.Load() {
		return errors.New("broadcast channel already running")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: c.cfg.Port})
	if err != nil {
		c.logger.Warn("Broadcast port is busy, falling back to send-only",
			zap.Int("port", c.cfg.Port), zap.Error(err))
		conn, err = net.ListenUDP("udp4", nil)
		if err != nil {
			return fmt.Errorf("broadcast socket: %w", err)
		}
		c.sendOnly = true
	} else {
		c.sendOnly = false
	}

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running.Store(true)

	if listen && !c.sendOnly {
		c.wg.Add(1)
		go c.receiveLoop()
		c.logger.Info("Broadcast listener started", zap.Int("port", c.cfg.Port))
	}
	if c.cfg.AnnounceInterval > 0 {
		c.wg.Add(1)
		go c.announceLoop()
	}
	if c.cfg.DiscoverInterval > 0 {
		c.wg.Add(1)
		go c.autoDiscoverLoop()
	}
	return nil
}

// Stop halts all loops and releases the socket. Idempotent.
func (c *Channel) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.conn.Close()
	c.wg.Wait()
	c.logger.Info("Broadcast channel stopped")
}

// Running reports whether the channel has been started and not yet stopped.
func (c *Channel) Running() bool { return c.running.Load() }

// SendOnly reports whether the shared-port bind failed and the channel can
// only transmit.
func (c *Channel) SendOnly() bool { return c.sendOnly }

// AnnouncePresence sends one node_discovery envelope to every broadcast
// address. Success means at least one address accepted the send call, which
// does not imply delivery.
func (c *Channel) AnnouncePresence() bool {
	if !c.running.Load() {
		c.logger.Warn("Cannot announce presence, channel is not running")
		return false
	}
	sent := c.send(&Envelope{
		Type:       TypeNodeDiscovery,
		NodeID:     c.cfg.NodeID,
		Name:       c.cfg.NodeName,
		Hash:       c.cfg.OwnHash,
		SrcTag:     c.tag,
		SourceIP:   c.cfg.AdvertiseIP,
		SourcePort: c.cfg.AdvertisePort,
		Protocols:  c.cfg.Protocols,
		Timestamp:  ledger.Now(),
	}, c.cfg.Addresses)
	return sent > 0
}

// SendLedgerBroadcast pushes a full ledger snapshot in a ledger_sync
// envelope. Best-effort; true when at least one address accepted the send.
func (c *Channel) SendLedgerBroadcast(l *ledger.Ledger) bool {
	if !c.running.Load() {
		c.logger.Warn("Cannot broadcast ledger, channel is not running")
		return false
	}
	sent := c.send(&Envelope{
		Type:      TypeLedgerSync,
		NodeID:    c.cfg.NodeID,
		Hash:      c.cfg.OwnHash,
		SrcTag:    c.tag,
		Ledger:    l,
		Timestamp: ledger.Now(),
	}, c.cfg.Addresses)
	if sent == 0 {
		c.logger.Warn("Ledger broadcast reached no addresses")
		return false
	}
	c.logger.Debug("Ledger broadcast sent",
		zap.Int("addresses", sent), zap.Int("nodes", len(l.Nodes)))
	return true
}

// SendDiscoveryBroadcast fires a discovery envelope in bursts (Repeat sends
// per address) and, when the settle wait reveals no new nodes, retries the
// whole burst with multiplicative backoff up to RetryCount times. Blocks
// until a new node appears, the retry budget is exhausted, or the channel is
// stopped; returns the number of newly discovered nodes (0 is a "no results"
// outcome, not an error).
func (c *Channel) SendDiscoveryBroadcast(sourceIP string, sourcePort int, opts *BurstOptions) int {
	if !c.running.Load() {
		c.logger.Warn("Cannot send discovery broadcast, channel is not running")
		return 0
	}

	var o BurstOptions
	if opts != nil {
		o = *opts
	}
	o.applyDefaults()
	addrs := o.Addresses
	if len(addrs) == 0 {
		addrs = c.cfg.Addresses
	}
	if sourceIP == "" {
		sourceIP = c.cfg.AdvertiseIP
	}
	if sourcePort == 0 {
		sourcePort = c.cfg.AdvertisePort
	}

	env := &Envelope{
		Type:       TypeDiscovery,
		NodeID:     c.cfg.NodeID,
		Name:       c.cfg.NodeName,
		Hash:       c.cfg.OwnHash,
		SrcTag:     c.tag,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		Protocols:  c.cfg.Protocols,
		Timestamp:  ledger.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to encode discovery envelope", zap.Error(err))
		return 0
	}

	before := c.discoveredCount()
	err = retry.Do(
		func() error {
			c.burst(data, addrs, o.Repeat, o.Interval)
			if !c.wait(c.cfg.SettleWait) {
				return retry.Unrecoverable(errors.New("channel stopped"))
			}
			if c.discoveredCount() > before {
				return nil
			}
			return errNoNewNodes
		},
		retry.Attempts(uint(o.RetryCount)+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			d := float64(o.Interval)
			for i := uint(0); i <= n; i++ {
				d *= o.RetryBackoff
			}
			return time.Duration(d)
		}),
		retry.LastErrorOnly(true),
		retry.Context(c.ctx),
	)

	found := c.discoveredCount() - before
	if err != nil && found == 0 {
		c.logger.Warn("Discovery retry budget exhausted with no new nodes",
			zap.Int("retries", o.RetryCount))
		return 0
	}
	c.logger.Info("Discovery found new nodes", zap.Int("count", found))
	return found
}

// DiscoveredNodes purges cache entries older than maxAge and returns a copy
// of what remains, keyed by node id.
func (c *Channel) DiscoveredNodes(maxAge time.Duration) map[string]DiscoveredNode {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]DiscoveredNode, len(c.discovered))
	for id, n := range c.discovered {
		if now.Sub(n.LastSeen) > maxAge {
			delete(c.discovered, id)
			continue
		}
		out[id] = n
	}
	return out
}

// --- background loops ---

func (c *Channel) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, recvBufferSize)
	for c.running.Load() {
		// Short poll deadline so Stop is observed promptly.
		c.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !c.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Broadcast receive error", zap.Error(err))
			continue
		}
		c.handleDatagram(buf[:n], addr)
	}
}

func (c *Channel) announceLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.AnnounceInterval)
	defer ticker.Stop()

	c.AnnouncePresence()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.AnnouncePresence()
		}
	}
}

func (c *Channel) autoDiscoverLoop() {
	defer c.wg.Done()

	first := true
	for {
		if !first {
			if fn := c.ShouldContinue; fn != nil && !c.askContinue(fn) {
				c.logger.Info("Auto-discovery stopped by iteration callback")
				return
			}
		}
		first = false

		c.SendDiscoveryBroadcast(c.cfg.AdvertiseIP, c.cfg.AdvertisePort, nil)
		if !c.wait(c.cfg.DiscoverInterval) {
			return
		}
	}
}

func (c *Channel) askContinue(fn func(string) bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Iteration callback panicked, stopping auto-discovery",
				zap.Any("panic", r))
			ok = false
		}
	}()
	return fn("Continue to iterate?")
}

// --- inbound handling ---

func (c *Channel) handleDatagram(data []byte, addr *net.UDPAddr) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("Discarding malformed broadcast",
			zap.String("from", addr.String()), zap.Error(err))
		return
	}

	// Drop our own broadcasts echoing back: same node id, or same
	// per-instance tag when another process reuses our id.
	if (env.NodeID != "" && env.NodeID == c.cfg.NodeID) || (env.SrcTag != "" && env.SrcTag == c.tag) {
		return
	}

	switch env.Type {
	case TypeDiscovery, TypeNodeDiscovery:
		c.handleDiscovery(&env, addr)
	case TypeLedgerSync:
		c.handleLedgerSync(&env, addr)
	default:
		c.logger.Debug("Unknown broadcast message type", zap.String("type", env.Type))
	}
}

func (c *Channel) handleDiscovery(env *Envelope, addr *net.UDPAddr) {
	// Incompatible senders are routine in a mixed-version fleet, not errors.
	if env.Hash != c.cfg.OwnHash {
		c.logger.Debug("Ignoring discovery from incompatible node",
			zap.String("node", env.NodeID), zap.String("hash", env.Hash))
		return
	}
	if env.NodeID == "" {
		c.logger.Debug("Discarding discovery without a node id",
			zap.String("from", addr.String()))
		return
	}

	ip := env.SourceIP
	if ip == "" {
		ip = addr.IP.String()
	}

	node := DiscoveredNode{
		ID:        env.NodeID,
		IP:        ip,
		Port:      env.SourcePort,
		Name:      env.Name,
		Hash:      env.Hash,
		Protocols: env.Protocols,
		LastSeen:  time.Now(),
	}

	c.mu.Lock()
	c.discovered[node.ID] = node
	c.mu.Unlock()

	c.store.RegisterNode(ip, env.SourcePort, env.Protocols, env.Name, env.NodeID)

	c.logger.Info("Discovered node",
		zap.String("node", node.Name),
		zap.String("addr", fmt.Sprintf("%s:%d", node.IP, node.Port)))

	if cb := c.OnNodeDiscovered; cb != nil {
		cb(node)
	}

	// Discovery is request/response: answer with our own presence, unicast to
	// the requester, so its settle wait sees us without waiting for the next
	// periodic announcement.
	if env.Type == TypeDiscovery {
		c.replyPresence(addr)
	}
}

// replyPresence unicasts a node_discovery envelope back to a requester.
func (c *Channel) replyPresence(addr *net.UDPAddr) {
	data, err := json.Marshal(&Envelope{
		Type:       TypeNodeDiscovery,
		NodeID:     c.cfg.NodeID,
		Name:       c.cfg.NodeName,
		Hash:       c.cfg.OwnHash,
		SrcTag:     c.tag,
		SourceIP:   c.cfg.AdvertiseIP,
		SourcePort: c.cfg.AdvertisePort,
		Protocols:  c.cfg.Protocols,
		Timestamp:  ledger.Now(),
	})
	if err != nil {
		c.logger.Error("Failed to encode presence reply", zap.Error(err))
		return
	}
	if _, err := c.conn.WriteToUDP(data, addr); err != nil {
		c.logger.Debug("Presence reply failed",
			zap.String("addr", addr.String()), zap.Error(err))
	}
}

func (c *Channel) handleLedgerSync(env *Envelope, addr *net.UDPAddr) {
	if env.Hash != c.cfg.OwnHash {
		c.logger.Debug("Ignoring ledger sync from incompatible node",
			zap.String("from", addr.String()))
		return
	}
	if env.Ledger == nil {
		c.logger.Debug("Discarding ledger sync without ledger data",
			zap.String("from", addr.String()))
		return
	}

	merged := c.store.MergeLedgers(env.Ledger)
	c.logger.Info("Merged remote ledger",
		zap.Int("nodes", len(merged.Nodes)),
		zap.Int("protocols", len(merged.Protocols)))

	if cb := c.OnLedgerReceived; cb != nil {
		cb(merged)
	}
}

// --- sending primitives ---

// send transmits one encoded envelope to every address in the list and
// returns the number of addresses that accepted the send call.
func (c *Channel) send(env *Envelope, addrs []string) int {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to encode broadcast envelope", zap.Error(err))
		return 0
	}
	sent := 0
	for _, addr := range addrs {
		target := resolveTarget(addr, c.cfg.Port)
		if target == nil {
			c.logger.Debug("Skipping unparsable broadcast address", zap.String("addr", addr))
			continue
		}
		if _, err := c.conn.WriteToUDP(data, target); err != nil {
			c.logger.Debug("Broadcast send failed",
				zap.String("addr", target.String()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// burst sends the datagram repeat times per address with a short interval
// between sends, bailing out when the channel stops.
func (c *Channel) burst(data []byte, addrs []string, repeat int, interval time.Duration) {
	for _, addr := range addrs {
		target := resolveTarget(addr, c.cfg.Port)
		if target == nil {
			continue
		}
		for i := 0; i < repeat; i++ {
			if _, err := c.conn.WriteToUDP(data, target); err != nil {
				c.logger.Debug("Broadcast send failed",
					zap.String("addr", target.String()), zap.Error(err))
			}
			if !c.wait(interval) {
				return
			}
		}
	}
}

// wait sleeps for d but returns false immediately when the channel stops.
func (c *Channel) wait(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Channel) discoveredCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.discovered)
}
