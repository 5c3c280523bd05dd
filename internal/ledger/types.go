// Package ledger provides the durable, file-backed record of known nodes and
// protocol definitions, synchronized opportunistically between processes via
// last-write-wins merges.
package ledger

import "time"

// Node status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ProjectTagPrefix marks the project-membership pseudo-protocol carried in a
// node's protocol list.
const ProjectTagPrefix = "PROJECT:"

const defaultVersion = "1.0.0"

// ProjectTag returns the pseudo-protocol tag for a project id.
func ProjectTag(projectID string) string {
	return ProjectTagPrefix + projectID
}

// NodeEntry is one known node.
type NodeEntry struct {
	ID        string   `json:"id"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	Name      string   `json:"name"`
	Hash      string   `json:"hash"`
	Protocols []string `json:"protocols"`
	Updated   string   `json:"updated"`
	Status    string   `json:"status"`
}

// HasProtocol reports whether the node advertises the named protocol.
func (n *NodeEntry) HasProtocol(name string) bool {
	for _, p := range n.Protocols {
		if p == name {
			return true
		}
	}
	return false
}

// UpdatedTime parses the entry's update timestamp. Unparsable or missing
// timestamps compare as the epoch, so they always lose a merge.
func (n *NodeEntry) UpdatedTime() time.Time {
	return parseTimestamp(n.Updated)
}

// ProtocolEntry is one named protocol/message-format definition.
type ProtocolEntry struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Format  string         `json:"format"`
	Options map[string]any `json:"options"`
	Created string         `json:"created"`
	Updated string         `json:"updated"`
}

// UpdatedTime parses the entry's update timestamp (epoch when unparsable).
func (p *ProtocolEntry) UpdatedTime() time.Time {
	return parseTimestamp(p.Updated)
}

// Ledger is the aggregate root persisted as a single JSON document.
type Ledger struct {
	Nodes     []NodeEntry     `json:"nodes"`
	Protocols []ProtocolEntry `json:"protocols"`
	Version   string          `json:"version"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// New returns a freshly initialized empty ledger.
func New() *Ledger {
	now := Now()
	return &Ledger{
		Nodes:     []NodeEntry{},
		Protocols: []ProtocolEntry{},
		Version:   defaultVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Now returns the current time in the ledger's timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
