package monitoring

import (
	"sync"

	"meshcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector turns session events into metrics. Feed it by
// subscribing Observe to the session.
type PrometheusCollector struct {
	peersConnected   prometheus.Gauge
	peerEvents       *prometheus.CounterVec
	qualityChanges   *prometheus.CounterVec
	currentTier      *prometheus.GaugeVec
	tierBandwidth    prometheus.Gauge
	linkThroughput   prometheus.Histogram
	linkLatency      prometheus.Histogram
	linkPacketLoss   prometheus.Histogram
	messagesReceived prometheus.Counter
	messageBytes     prometheus.Counter
	remoteStreams    prometheus.Counter

	mu        sync.Mutex
	connected map[domain.PeerID]struct{}
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_peers_connected",
			Help: "Number of peer connections currently connected",
		}),

		peerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_peer_events_total",
			Help: "Peer lifecycle events by type",
		}, []string{"event"}),

		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_quality_changes_total",
			Help: "Committed quality tier changes",
		}, []string{"from", "to"}),

		currentTier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_quality_tier",
			Help: "1 for the active quality tier, 0 otherwise",
		}, []string{"tier"}),

		tierBandwidth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_quality_tier_bandwidth_kbps",
			Help: "Total bandwidth requirement of the active tier",
		}),

		linkThroughput: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_link_throughput_kbps",
			Help:    "Worst-link throughput estimate per stats cycle",
			Buckets: []float64{64, 128, 246, 528, 992, 1456, 2328, 4000, 8000},
		}),

		linkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_link_rtt_seconds",
			Help:    "Worst-link round trip time per stats cycle",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}),

		linkPacketLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_link_packet_loss_ratio",
			Help:    "Worst-link packet loss per stats cycle",
			Buckets: []float64{0.001, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_messages_received_total",
			Help: "Data channel messages received from peers",
		}),

		messageBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_message_bytes_received_total",
			Help: "Data channel payload bytes received from peers",
		}),

		remoteStreams: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_remote_streams_total",
			Help: "Remote streams announced by peers",
		}),

		connected: make(map[domain.PeerID]struct{}),
	}
}

func (p *PrometheusCollector) Observe(ev domain.Event) {
	switch ev.Type {
	case domain.EventPeerConnected:
		p.peerEvents.WithLabelValues("connected").Inc()
		p.setConnected(ev.PeerID, true)
	case domain.EventPeerDisconnected:
		p.peerEvents.WithLabelValues("disconnected").Inc()
		p.setConnected(ev.PeerID, false)
	case domain.EventPeerError:
		p.peerEvents.WithLabelValues("error").Inc()
		p.setConnected(ev.PeerID, false)
	case domain.EventQualityChanged:
		p.recordTier(ev.PreviousTier, ev.Tier)
	case domain.EventStatsUpdated:
		if ev.Sample != nil {
			p.linkThroughput.Observe(ev.Sample.Throughput)
			p.linkLatency.Observe(ev.Sample.Latency.Seconds())
			p.linkPacketLoss.Observe(ev.Sample.PacketLoss)
		}
	case domain.EventMessageReceived:
		p.messagesReceived.Inc()
		p.messageBytes.Add(float64(len(ev.Payload)))
	case domain.EventRemoteStreamAvailable:
		p.remoteStreams.Inc()
	}
}

func (p *PrometheusCollector) setConnected(id domain.PeerID, up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, known := p.connected[id]
	switch {
	case up && !known:
		p.connected[id] = struct{}{}
	case !up && known:
		delete(p.connected, id)
	}
	p.peersConnected.Set(float64(len(p.connected)))
}

func (p *PrometheusCollector) recordTier(from, to *domain.QualityTier) {
	if to == nil {
		return
	}
	fromName := "none"
	if from != nil {
		fromName = string(from.Name)
	}
	if from == nil || from.Name != to.Name {
		p.qualityChanges.WithLabelValues(fromName, string(to.Name)).Inc()
	}

	for _, tier := range domain.Catalog() {
		value := 0.0
		if tier.Name == to.Name {
			value = 1
		}
		p.currentTier.WithLabelValues(string(tier.Name)).Set(value)
	}
	p.tierBandwidth.Set(float64(to.TotalBandwidth()))
}
