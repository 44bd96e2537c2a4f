package domain

import "errors"

var (
	ErrPeerNotFound        = errors.New("peer not found")
	ErrPeerNotConnected    = errors.New("peer not connected")
	ErrPeerClosed          = errors.New("peer connection closed")
	ErrPeerCapacityReached = errors.New("peer capacity reached")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrUnknownTier         = errors.New("unknown quality tier")
	ErrCaptureUnavailable  = errors.New("capture device unavailable")
	ErrCaptureDenied       = errors.New("capture permission denied")
	ErrNoBandwidthEstimate = errors.New("no bandwidth estimate available")
	ErrSessionClosed       = errors.New("session closed")
	ErrSessionNotStarted   = errors.New("session not started")
	ErrInvalidSignal       = errors.New("invalid signaling payload")
)
