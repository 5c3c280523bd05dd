package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store owns the ledger document on disk. One Store per process is the
// convention; sibling processes on the same host may read the same file, so
// every write goes through an atomic temp-file-then-rename replace. There is
// no distributed locking — cross-process correctness relies on last-write-wins
// merging plus the atomic replace.
type Store struct {
	mu      sync.Mutex
	path    string
	ownHash string
	logger  *zap.Logger
}

// NewStore creates a Store for the ledger document at path. ownHash is this
// process's compatibility hash, stamped on every self-registration and used
// as the default compatibility filter.
func NewStore(path, ownHash string, logger *zap.Logger) *Store {
	return &Store{path: path, ownHash: ownHash, logger: logger}
}

// OwnHash returns this process's compatibility hash.
func (s *Store) OwnHash() string { return s.ownHash }

// Path returns the ledger file location.
func (s *Store) Path() string { return s.path }

// Load reads the ledger from disk. A missing or corrupt file yields a fresh
// empty ledger; Load never fails.
func (s *Store) Load() *Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() *Ledger {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read ledger file, starting fresh",
				zap.String("path", s.path), zap.Error(err))
		}
		return New()
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		s.logger.Warn("Ledger file is corrupt, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return New()
	}
	if l.Nodes == nil {
		l.Nodes = []NodeEntry{}
	}
	if l.Protocols == nil {
		l.Protocols = []ProtocolEntry{}
	}
	return &l
}

// Save refreshes the ledger's updated_at and writes it atomically. Returns
// false on any I/O failure instead of propagating the error.
func (s *Store) Save(l *Ledger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(l)
}

func (s *Store) save(l *Ledger) bool {
	l.UpdatedAt = Now()

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		s.logger.Error("Failed to encode ledger", zap.Error(err))
		return false
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("Failed to create ledger directory",
			zap.String("dir", dir), zap.Error(err))
		return false
	}

	// Write-temp-then-rename so a concurrent reader never sees a torn document.
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		s.logger.Error("Failed to create ledger temp file", zap.Error(err))
		return false
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.logger.Error("Failed to write ledger temp file", zap.Error(err))
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.logger.Error("Failed to close ledger temp file", zap.Error(err))
		return false
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		s.logger.Error("Failed to replace ledger file", zap.Error(err))
		return false
	}
	return true
}

// RegisterNode upserts a node entry keyed by id or, failing that, by the
// (ip, port) pair. Missing ids and names are generated. The entry is stamped
// with this process's compatibility hash, its update timestamp is refreshed,
// and its status is reset to active. Returns the node's id.
func (s *Store) RegisterNode(ip string, port int, protocols []string, name, id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = fmt.Sprintf("node-%s-%d", ip, port)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.load()
	now := Now()

	for i := range l.Nodes {
		n := &l.Nodes[i]
		if n.ID == id || (n.IP == ip && n.Port == port) {
			n.IP = ip
			n.Port = port
			n.Hash = s.ownHash
			n.Name = name
			if protocols != nil {
				n.Protocols = protocols
			}
			n.Updated = now
			n.Status = StatusActive
			s.save(l)
			return n.ID
		}
	}

	if protocols == nil {
		protocols = []string{}
	}
	l.Nodes = append(l.Nodes, NodeEntry{
		ID:        id,
		IP:        ip,
		Port:      port,
		Name:      name,
		Hash:      s.ownHash,
		Protocols: protocols,
		Updated:   now,
		Status:    StatusActive,
	})
	s.save(l)
	return id
}

// GetNodeByID returns a copy of the node entry with the given id.
func (s *Store) GetNodeByID(id string) (NodeEntry, bool) {
	l := s.Load()
	for _, n := range l.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeEntry{}, false
}

// GetCompatibleNodes returns every active node whose compatibility hash
// matches the given hash (this process's own hash when empty).
func (s *Store) GetCompatibleNodes(hash string) []NodeEntry {
	if hash == "" {
		hash = s.ownHash
	}
	l := s.Load()

	var out []NodeEntry
	for _, n := range l.Nodes {
		if n.Status == StatusActive && n.Hash == hash {
			out = append(out, n)
		}
	}
	return out
}

// VerifyNodeCompatibility reports whether the node runs the same code as
// this process.
func (s *Store) VerifyNodeCompatibility(n *NodeEntry) bool {
	return n.Hash == s.ownHash
}

// RegisterProtocol upserts a protocol definition keyed by id or, failing
// that, by name. A missing id is generated.
func (s *Store) RegisterProtocol(id, name, format string, options map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.load()
	now := Now()

	for i := range l.Protocols {
		p := &l.Protocols[i]
		if (id != "" && p.ID == id) || p.Name == name {
			p.Name = name
			p.Format = format
			if options != nil {
				p.Options = options
			}
			p.Updated = now
			return s.save(l)
		}
	}

	if id == "" {
		id = uuid.NewString()
	}
	if options == nil {
		options = map[string]any{}
	}
	l.Protocols = append(l.Protocols, ProtocolEntry{
		ID:      id,
		Name:    name,
		Format:  format,
		Options: options,
		Created: now,
		Updated: now,
	})
	return s.save(l)
}

// MergeLedgers merges a remote ledger into the local one (see Merge),
// persists the result, and returns it.
func (s *Store) MergeLedgers(remote *Ledger) *Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := Merge(s.load(), remote)
	s.save(merged)
	return merged
}

// CleanInactiveNodes marks every active node whose update timestamp is older
// than maxAge (or unparsable) as inactive. Persists once when anything
// changed; returns the number of nodes flipped.
func (s *Store) CleanInactiveNodes(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.load()
	now := time.Now()
	flipped := 0

	for i := range l.Nodes {
		n := &l.Nodes[i]
		if n.Status != StatusActive {
			continue
		}
		updated := n.UpdatedTime()
		if updated.IsZero() || now.Sub(updated) > maxAge {
			n.Status = StatusInactive
			flipped++
		}
	}

	if flipped > 0 {
		s.save(l)
	}
	return flipped
}

// RemoveNode hard-deletes a node entry. Used on controlled shutdown of the
// owning server; staleness is otherwise handled by CleanInactiveNodes.
func (s *Store) RemoveNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.load()
	for i := range l.Nodes {
		if l.Nodes[i].ID == id {
			l.Nodes = append(l.Nodes[:i], l.Nodes[i+1:]...)
			return s.save(l)
		}
	}
	return false
}
