package monitoring

import (
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tierPtr(t *testing.T, name domain.TierName) *domain.QualityTier {
	t.Helper()
	tier, err := domain.TierByName(name)
	require.NoError(t, err)
	return &tier
}

func TestCollector_PeerGauge(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.Observe(domain.Event{Type: domain.EventPeerConnected, PeerID: "a"})
	c.Observe(domain.Event{Type: domain.EventPeerConnected, PeerID: "b"})
	c.Observe(domain.Event{Type: domain.EventPeerConnected, PeerID: "b"})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.peersConnected))

	c.Observe(domain.Event{Type: domain.EventPeerError, PeerID: "a"})
	c.Observe(domain.Event{Type: domain.EventPeerDisconnected, PeerID: "a"})
	c.Observe(domain.Event{Type: domain.EventPeerDisconnected, PeerID: "never-connected"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.peerEvents.WithLabelValues("connected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.peerEvents.WithLabelValues("disconnected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peerEvents.WithLabelValues("error")))
}

func TestCollector_QualityChanges(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.Observe(domain.Event{Type: domain.EventQualityChanged, Tier: tierPtr(t, domain.TierHigh)})
	c.Observe(domain.Event{
		Type:         domain.EventQualityChanged,
		Tier:         tierPtr(t, domain.TierLow),
		PreviousTier: tierPtr(t, domain.TierHigh),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.qualityChanges.WithLabelValues("none", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.qualityChanges.WithLabelValues("high", "low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.currentTier.WithLabelValues("low")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.currentTier.WithLabelValues("high")))
	assert.Equal(t, 528.0, testutil.ToFloat64(c.tierBandwidth))
	assert.Equal(t, 6, testutil.CollectAndCount(c.currentTier))
}

func TestCollector_StatsAndMessages(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.Observe(domain.Event{Type: domain.EventStatsUpdated, Sample: &domain.BandwidthSample{
		Throughput: 900,
		Latency:    80 * time.Millisecond,
		PacketLoss: 0.02,
	}})
	c.Observe(domain.Event{Type: domain.EventStatsUpdated})
	c.Observe(domain.Event{Type: domain.EventMessageReceived, Payload: []byte("hello")})
	c.Observe(domain.Event{Type: domain.EventRemoteStreamAvailable})

	assert.Equal(t, 1, testutil.CollectAndCount(c.linkThroughput))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.messageBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.remoteStreams))
}

func TestCollector_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	c.Observe(domain.Event{Type: domain.EventPeerConnected, PeerID: "a"})

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meshcall_peers_connected"])
	assert.True(t, names["meshcall_peer_events_total"])
}
