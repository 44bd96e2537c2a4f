package domain

import "time"

type PeerID string
type SessionID string

// PeerState is the lifecycle state of a single peer connection.
type PeerState string

const (
	PeerStateCreated   PeerState = "created"
	PeerStateSignaling PeerState = "signaling"
	PeerStateConnected PeerState = "connected"
	PeerStateClosed    PeerState = "closed"
	PeerStateError     PeerState = "error"
)

// Terminal reports whether no further transitions are possible.
func (s PeerState) Terminal() bool {
	return s == PeerStateClosed || s == PeerStateError
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s PeerState) CanTransition(next PeerState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case PeerStateError, PeerStateClosed:
		return true
	case PeerStateSignaling:
		return s == PeerStateCreated
	case PeerStateConnected:
		return s == PeerStateSignaling
	default:
		return false
	}
}

// PeerRole says which side of the exchange creates the offer.
type PeerRole string

const (
	RoleInitiator PeerRole = "initiator"
	RoleResponder PeerRole = "responder"
)

// PeerInfo is a read-only snapshot of a peer connection.
type PeerInfo struct {
	ID           PeerID
	Role         PeerRole
	State        PeerState
	RemoteStream *RemoteStreamInfo
	LastSample   *BandwidthSample
	CreatedAt    time.Time
}
