package domain

import "time"

// EventType identifies a session-level event emitted to collaborators.
type EventType string

const (
	EventLocalStreamReady      EventType = "local-stream-ready"
	EventRemoteStreamAvailable EventType = "remote-stream-available"
	EventPeerConnected         EventType = "peer-connected"
	EventPeerDisconnected      EventType = "peer-disconnected"
	EventPeerError             EventType = "peer-error"
	EventQualityChanged        EventType = "quality-changed"
	EventStatsUpdated          EventType = "connection-stats-updated"
	EventMessageReceived       EventType = "message-received"
)

// Event is a session-level notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type         EventType
	SessionID    SessionID
	PeerID       PeerID
	Tier         *QualityTier
	PreviousTier *QualityTier
	Sample       *BandwidthSample
	LocalStream  *LocalStreamInfo
	RemoteStream *RemoteStreamInfo
	Payload      []byte
	Err          error
	Timestamp    time.Time
}

// SignalKind classifies an inbound signaling envelope.
type SignalKind string

const (
	SignalPeerJoined SignalKind = "peer_joined"
	SignalPeerLeft   SignalKind = "peer_left"
	SignalPayload    SignalKind = "signal"
)

// SignalEnvelope is delivered by the signaling transport. Payload is opaque to
// the session engine.
type SignalEnvelope struct {
	Kind    SignalKind
	From    PeerID
	Payload []byte
}
