package broadcast

import (
	"time"

	"github.com/witch-series/witch-core/internal/ledger"
)

// Envelope message types carried over UDP. One datagram is one JSON-encoded
// envelope.
const (
	// TypeDiscovery is a discovery request advertising the sender's
	// request/response endpoint.
	TypeDiscovery = "discovery"
	// TypeNodeDiscovery is a periodic presence announcement.
	TypeNodeDiscovery = "node_discovery"
	// TypeLedgerSync carries a full ledger snapshot for merging.
	TypeLedgerSync = "ledger_sync"
)

// Envelope is the broadcast wire format. Hash carries the sender's
// compatibility hash and gates every inbound message; SrcTag is a random
// per-instance tag used solely to tell "my own broadcast echoing back" apart
// from a different process that happens to share this node's id.
type Envelope struct {
	Type       string         `json:"type"`
	NodeID     string         `json:"node_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Hash       string         `json:"hash,omitempty"`
	SrcTag     string         `json:"src_hash,omitempty"`
	SourceIP   string         `json:"source_ip,omitempty"`
	SourcePort int            `json:"source_port,omitempty"`
	Protocols  []string       `json:"protocols,omitempty"`
	Ledger     *ledger.Ledger `json:"ledger,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

// DiscoveredNode is one entry of the channel-local discovery cache. It is
// transient and non-authoritative: the durable record lives in the ledger,
// and cache entries expire by age independently of ledger status.
type DiscoveredNode struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	Protocols []string  `json:"protocols"`
	LastSeen  time.Time `json:"last_seen"`
}
