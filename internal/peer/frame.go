// Package peer maintains live connections to compatible, project-matched
// nodes discovered through the ledger. It dials peers, performs the
// handshake, tracks liveness, and exposes unicast/fan-out messaging.
package peer

import "encoding/json"

// Frame types and statuses used on peer connections.
const (
	FrameHandshake    = "peer_handshake"
	FrameHandshakeAck = "peer_handshake_ack"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Frame is one newline-delimited JSON message on a peer connection, used in
// both directions: requests carry Type or Endpoint plus Data, responses carry
// Status plus Data or Message.
type Frame struct {
	Type      string          `json:"type,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}
