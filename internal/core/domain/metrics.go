package domain

import "time"

// EstimateSource names the estimator that produced a bandwidth sample.
type EstimateSource string

const (
	EstimateSourceGCC       EstimateSource = "gcc"
	EstimateSourceREMB      EstimateSource = "remb"
	EstimateSourceICE       EstimateSource = "ice"
	EstimateSourceSignaling EstimateSource = "signaling"
)

// BandwidthSample is a single per-link observation. It is never mutated after
// creation, only aggregated.
type BandwidthSample struct {
	Timestamp  time.Time
	Throughput float64 // kbps
	Latency    time.Duration
	PacketLoss float64 // 0-1
	Source     EstimateSource
}

// SessionStats is a point-in-time view of the session's control loop.
type SessionStats struct {
	SessionID      SessionID
	Tier           TierName
	Pinned         bool
	Estimate       float64 // kbps, mean of the sample window
	WindowSize     int
	ConnectedPeers int
	TotalPeers     int
	WorstLink      *BandwidthSample
	Timestamp      time.Time
}
