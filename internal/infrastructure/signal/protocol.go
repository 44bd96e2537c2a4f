package signal

import (
	"encoding/json"

	"meshcall/internal/core/domain"
)

// Message types on the relay wire.
const (
	TypeWelcome    = "welcome"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeSignal     = "signal"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Message is the single frame shape exchanged with the relay. Clients set To
// on signal frames; the relay fills From.
type Message struct {
	Type    string          `json:"type"`
	From    domain.PeerID   `json:"from,omitempty"`
	To      domain.PeerID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Peers   []domain.PeerID `json:"peers,omitempty"`
	Error   string          `json:"error,omitempty"`
}
