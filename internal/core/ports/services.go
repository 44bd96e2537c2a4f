package ports

import (
	"context"

	"meshcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaTrack is a local capture track. Only the capture reconfiguration path
// mutates it; peer connections hold it as a read-only reference.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Local() webrtc.TrackLocal
	Constraints() domain.TrackConstraints
	ApplyConstraints(c domain.TrackConstraints) error
	Stop()
	Ended() bool
}

// MediaDevices acquires capture tracks. Acquisition may block on user consent
// and must honour ctx cancellation.
type MediaDevices interface {
	Acquire(ctx context.Context, constraints domain.MediaConstraints) ([]MediaTrack, error)
}

// AudioSubsystem controls the outgoing audio encoder.
type AudioSubsystem interface {
	SetBitrate(kbps int) error
	EnableUltraLowMode() error
	Release() error
}

// SignalingTransport exchanges opaque payloads keyed by peer identifier.
type SignalingTransport interface {
	Send(ctx context.Context, to domain.PeerID, payload []byte) error
	Inbound() <-chan domain.SignalEnvelope
}

// PeerObserver receives notifications from a single peer connection. Calls may
// arrive concurrently from transport goroutines.
type PeerObserver interface {
	OnPeerStateChange(id domain.PeerID, state domain.PeerState, err error)
	OnRemoteStream(id domain.PeerID, stream domain.RemoteStreamInfo)
	OnPeerSample(id domain.PeerID, sample domain.BandwidthSample)
	OnPeerMessage(id domain.PeerID, payload []byte)
	OnLocalSignal(id domain.PeerID, payload []byte)
}

// PeerConnection is one link of the mesh.
type PeerConnection interface {
	ID() domain.PeerID
	Role() domain.PeerRole
	State() domain.PeerState
	Info() domain.PeerInfo
	Start(ctx context.Context) error
	HandleSignal(ctx context.Context, payload []byte) error
	ReplaceVideoTrack(ctx context.Context, track MediaTrack) error
	Send(payload []byte) error
	LastSample() (domain.BandwidthSample, bool)
	Close() error
}

// PeerConfig carries what a new connection needs from the session.
type PeerConfig struct {
	ID         domain.PeerID
	Role       domain.PeerRole
	AudioTrack MediaTrack
	VideoTrack MediaTrack
	Observer   PeerObserver
}

// PeerFactory builds connections. NewPeer must not invoke the observer; the
// connection may only call back once Start or HandleSignal has been called.
type PeerFactory interface {
	NewPeer(cfg PeerConfig) (PeerConnection, error)
}

// SessionService is the surface exposed to external collaborators.
type SessionService interface {
	ID() domain.SessionID
	GetCurrentTier() domain.QualityTier
	SetQuality(tier domain.QualityTier) error
	SetPinned(pinned bool)
	SetQualityPinned(tier domain.QualityTier, pinned bool) error
	BroadcastMessage(payload []byte) int
	AddPeer(ctx context.Context, id domain.PeerID, role domain.PeerRole) error
	RemovePeer(id domain.PeerID) error
	Peers() []domain.PeerInfo
	Stats() domain.SessionStats
	Subscribe(handler func(domain.Event)) (unsubscribe func())
}
