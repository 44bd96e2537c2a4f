package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const messagesChannelLabel = "messages"

// signalMessage is the wire format of the opaque payloads exchanged through
// the signaling transport.
type signalMessage struct {
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Peer is one mesh link backed by a pion PeerConnection. Audio and video
// transceivers are created sendrecv up front so track swaps never need
// renegotiation.
type Peer struct {
	id        domain.PeerID
	role      domain.PeerRole
	observer  ports.PeerObserver
	logger    *zap.SugaredLogger
	createdAt time.Time

	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	// placeholder occupies the video sender while no capture track is
	// attached. It never writes samples.
	placeholder webrtc.TrackLocal

	estimators <-chan cc.BandwidthEstimator
	estimator  atomic.Pointer[bandwidthEstimator]
	feedback   rtcpFeedback
	sampler    *StatsSampler

	mu         sync.Mutex
	state      domain.PeerState
	dc         *webrtc.DataChannel
	pending    []webrtc.ICECandidateInit
	remote     *domain.RemoteStreamInfo
	lastSample *domain.BandwidthSample

	closeOnce sync.Once
	closeErr  error
}

type bandwidthEstimator struct {
	cc.BandwidthEstimator
}

func newPeer(api *webrtc.API, estimators <-chan cc.BandwidthEstimator, iceServers []webrtc.ICEServer, statsInterval time.Duration, cfg ports.PeerConfig, logger *zap.SugaredLogger) (*Peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		id:         cfg.ID,
		role:       cfg.Role,
		observer:   cfg.Observer,
		logger:     logger.With("peer_id", cfg.ID, "role", cfg.Role),
		createdAt:  time.Now(),
		pc:         pc,
		estimators: estimators,
		state:      domain.PeerStateCreated,
	}
	p.sampler = NewStatsSampler(statsInterval, p.collectSample, p.publishSample, p.logger)
	p.bindEstimator()

	if err := p.setupTransceivers(cfg); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnTrack(p.handleTrack)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != messagesChannelLabel {
			return
		}
		p.attachDataChannel(dc)
	})

	return p, nil
}

func (p *Peer) setupTransceivers(cfg ports.PeerConfig) error {
	sendrecv := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}

	audio, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, sendrecv)
	if err != nil {
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}
	p.audioSender = audio.Sender()
	if cfg.AudioTrack != nil {
		if err := p.audioSender.ReplaceTrack(cfg.AudioTrack.Local()); err != nil {
			return fmt.Errorf("failed to attach audio track: %w", err)
		}
	}

	video, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, sendrecv)
	if err != nil {
		return fmt.Errorf("failed to add video transceiver: %w", err)
	}
	p.videoSender = video.Sender()
	p.placeholder = p.videoSender.Track()
	if cfg.VideoTrack != nil {
		if err := p.videoSender.ReplaceTrack(cfg.VideoTrack.Local()); err != nil {
			return fmt.Errorf("failed to attach video track: %w", err)
		}
	}

	go p.readRTCP(p.audioSender)
	go p.readRTCP(p.videoSender)
	return nil
}

func (p *Peer) ID() domain.PeerID     { return p.id }
func (p *Peer) Role() domain.PeerRole { return p.role }

func (p *Peer) State() domain.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Info() domain.PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := domain.PeerInfo{
		ID:        p.id,
		Role:      p.role,
		State:     p.state,
		CreatedAt: p.createdAt,
	}
	if p.remote != nil {
		remote := *p.remote
		info.RemoteStream = &remote
	}
	if p.lastSample != nil {
		sample := *p.lastSample
		info.LastSample = &sample
	}
	return info
}

// Start opens the exchange. The initiator creates the data channel and sends
// an offer; the responder waits for the remote offer.
func (p *Peer) Start(ctx context.Context) error {
	if p.role != domain.RoleInitiator {
		return nil
	}

	dc, err := p.pc.CreateDataChannel(messagesChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	p.attachDataChannel(dc)

	if !p.transition(domain.PeerStateSignaling, nil) {
		return domain.ErrPeerClosed
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return p.sendSignal(signalMessage{Description: &offer})
}

// HandleSignal applies a remote description or ICE candidate. Candidates that
// arrive before the remote description are queued.
func (p *Peer) HandleSignal(ctx context.Context, payload []byte) error {
	var msg signalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err)
	}
	if msg.Description == nil && msg.Candidate == nil {
		return fmt.Errorf("%w: empty payload", domain.ErrInvalidSignal)
	}

	if p.State() == domain.PeerStateCreated {
		p.transition(domain.PeerStateSignaling, nil)
	}
	if p.State().Terminal() {
		return domain.ErrPeerClosed
	}

	if msg.Description != nil {
		if err := p.applyDescription(*msg.Description); err != nil {
			return err
		}
	}
	if msg.Candidate != nil {
		return p.addCandidate(*msg.Candidate)
	}
	return nil
}

func (p *Peer) applyDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		if err := p.sendSignal(signalMessage{Description: &answer}); err != nil {
			return err
		}
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warnw("failed to add queued ICE candidate", "error", err)
		}
	}
	return nil
}

func (p *Peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (p *Peer) sendSignal(msg signalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	p.observer.OnLocalSignal(p.id, payload)
	return nil
}

func (p *Peer) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	candidate := c.ToJSON()
	if err := p.sendSignal(signalMessage{Candidate: &candidate}); err != nil {
		p.logger.Warnw("failed to send ICE candidate", "error", err)
	}
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Infow("peer connection state changed", "connection_state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if p.transition(domain.PeerStateConnected, nil) {
			p.sampler.Start()
		}
	case webrtc.PeerConnectionStateFailed:
		p.transition(domain.PeerStateError, domain.ErrConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		p.transition(domain.PeerStateClosed, nil)
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may still recover; failure is reported as Failed.
		p.logger.Warnw("peer connectivity interrupted")
	}
}

// transition moves to next if legal and notifies the observer. Entering a
// terminal state stops the sampler before the observer is told.
func (p *Peer) transition(next domain.PeerState, cause error) bool {
	p.mu.Lock()
	if !p.state.CanTransition(next) {
		p.mu.Unlock()
		return false
	}
	p.state = next
	p.mu.Unlock()

	if next.Terminal() {
		p.sampler.Stop()
	}
	p.observer.OnPeerStateChange(p.id, next, cause)
	return true
}

// bindEstimator picks up the congestion controller created for this
// connection by the interceptor registry.
func (p *Peer) bindEstimator() {
	select {
	case est := <-p.estimators:
		p.estimator.Store(&bandwidthEstimator{est})
	default:
	}
}

func (p *Peer) attachDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.observer.OnPeerMessage(p.id, msg.Data)
	})

	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.TrackKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackKindVideo
	}

	p.mu.Lock()
	if p.state == domain.PeerStateClosed {
		p.mu.Unlock()
		return
	}
	if p.remote == nil || p.remote.ID != track.StreamID() {
		p.remote = &domain.RemoteStreamInfo{ID: track.StreamID()}
	}
	p.remote.TrackIDs = append(p.remote.TrackIDs, track.ID())
	p.remote.Kinds = append(p.remote.Kinds, kind)
	info := *p.remote
	p.mu.Unlock()

	p.logger.Infow("remote track received",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)
	p.observer.OnRemoteStream(p.id, info)

	go func() {
		n, err := drainTrack(track)
		p.logger.Debugw("remote track ended", "track_id", track.ID(), "bytes", n, "error", err)
	}()
}

// rtpReader is the read side of a remote track.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// drainTrack consumes packets until the track ends and returns the number of
// bytes received. io.EOF is not reported as an error.
func drainTrack(r rtpReader) (uint64, error) {
	var total uint64
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		total += uint64(pkt.MarshalSize())
	}
}

func (p *Peer) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.feedback.observe(packets, time.Now())
	}
}

// collectSample builds a bandwidth reading from the congestion controller,
// REMB feedback or ICE candidate-pair stats, in that order.
func (p *Peer) collectSample() (domain.BandwidthSample, error) {
	var iceBps float64
	var rtt time.Duration
	for _, s := range p.pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		iceBps = pair.AvailableOutgoingBitrate
		rtt = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
	}
	if rtt == 0 {
		rtt = p.feedback.rtt()
	}

	gccBps := 0
	if est := p.estimator.Load(); est != nil {
		gccBps = est.GetTargetBitrate()
	}

	kbps, source, err := selectEstimate(gccBps, p.feedback.remb(), iceBps)
	if err != nil {
		return domain.BandwidthSample{}, err
	}

	loss, _ := p.feedback.packetLoss()
	return domain.BandwidthSample{
		Timestamp:  time.Now(),
		Throughput: kbps,
		Latency:    rtt,
		PacketLoss: loss,
		Source:     source,
	}, nil
}

// selectEstimate picks the first available estimate (bits/s) and returns it
// in kbps.
func selectEstimate(gccBps int, rembBps, iceBps float64) (float64, domain.EstimateSource, error) {
	switch {
	case gccBps > 0:
		return float64(gccBps) / 1000, domain.EstimateSourceGCC, nil
	case rembBps > 0:
		return rembBps / 1000, domain.EstimateSourceREMB, nil
	case iceBps > 0:
		return iceBps / 1000, domain.EstimateSourceICE, nil
	}
	return 0, "", domain.ErrNoBandwidthEstimate
}

func (p *Peer) publishSample(sample domain.BandwidthSample) {
	p.mu.Lock()
	if p.state != domain.PeerStateConnected {
		p.mu.Unlock()
		return
	}
	p.lastSample = &sample
	p.mu.Unlock()

	p.observer.OnPeerSample(p.id, sample)
}

func (p *Peer) LastSample() (domain.BandwidthSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSample == nil {
		return domain.BandwidthSample{}, false
	}
	return *p.lastSample, true
}

// ReplaceVideoTrack swaps the outgoing video. A nil track parks the sender on
// its idle placeholder.
func (p *Peer) ReplaceVideoTrack(ctx context.Context, track ports.MediaTrack) error {
	if p.State().Terminal() {
		return domain.ErrPeerClosed
	}

	local := p.placeholder
	if track != nil {
		local = track.Local()
	}
	if err := p.videoSender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	return nil
}

// Send writes payload to the data channel. It fails with ErrPeerNotConnected
// unless the channel is open.
func (p *Peer) Send(payload []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrPeerNotConnected
	}
	return dc.Send(payload)
}

// Close stops the sampler and tears the connection down. It is idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.transition(domain.PeerStateClosed, nil)
		p.sampler.Stop()

		p.mu.Lock()
		dc := p.dc
		p.remote = nil
		p.mu.Unlock()

		var errs []error
		if dc != nil {
			if err := dc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := p.pc.Close(); err != nil {
			errs = append(errs, err)
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
