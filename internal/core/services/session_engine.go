package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"go.uber.org/zap"
)

const DefaultMaxPeers = 8

// SessionConfig configures one mesh session.
type SessionConfig struct {
	ID           domain.SessionID
	MaxPeers     int
	DefaultTier  domain.TierName
	Debounce     time.Duration
	SampleWindow int
}

// SessionDeps are the collaborators a session is built from. Transport may be
// nil when peers are driven only through AddPeer and HandleSignal.
type SessionDeps struct {
	Devices   ports.MediaDevices
	Audio     ports.AudioSubsystem
	Factory   ports.PeerFactory
	Transport ports.SignalingTransport
	Clock     Clock
}

type peerEntry struct {
	conn ports.PeerConnection
	gen  uint64
}

// SessionEngine owns the peer mesh, the quality controller and the local
// capture of one session.
type SessionEngine struct {
	id          domain.SessionID
	maxPeers    int
	defaultTier domain.QualityTier

	controller *QualityController
	capture    *CaptureReconfigurator
	factory    ports.PeerFactory
	transport  ports.SignalingTransport
	audio      ports.AudioSubsystem
	hub        *EventHub
	clock      Clock
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	// applied is the tier local capture reflects and target the latest
	// committed one. The reconfigure loop moves applied towards target.
	reconfigMu   sync.Mutex
	applied      domain.QualityTier
	target       domain.QualityTier
	reconfig     chan struct{}
	reconfigDone chan struct{}

	mu       sync.RWMutex
	peers    map[domain.PeerID]peerEntry
	samples  map[domain.PeerID]domain.BandwidthSample
	nextGen  uint64
	fallback bool
	starting bool
	started  bool
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

func NewSessionEngine(cfg SessionConfig, deps SessionDeps, logger *zap.SugaredLogger) (*SessionEngine, error) {
	if deps.Devices == nil || deps.Audio == nil || deps.Factory == nil {
		return nil, errors.New("session requires media devices, audio subsystem and peer factory")
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = domain.TierHigh
	}
	defaultTier, err := domain.TierByName(cfg.DefaultTier)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}

	logger = logger.With("session_id", cfg.ID)
	ctx, cancel := context.WithCancel(context.Background())

	e := &SessionEngine{
		id:          cfg.ID,
		maxPeers:    cfg.MaxPeers,
		defaultTier: defaultTier,
		factory:     deps.Factory,
		transport:   deps.Transport,
		audio:       deps.Audio,
		hub:         NewEventHub(),
		clock:       deps.Clock,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[domain.PeerID]peerEntry),
		samples:     make(map[domain.PeerID]domain.BandwidthSample),
		reconfig:    make(chan struct{}, 1),
	}
	e.controller = NewQualityController(QualityControllerConfig{
		Debounce:    cfg.Debounce,
		WindowSize:  cfg.SampleWindow,
		InitialTier: defaultTier,
		Clock:       deps.Clock,
	}, logger.Named("quality"))
	e.capture = NewCaptureReconfigurator(deps.Devices, deps.Audio, e, logger.Named("capture"))
	e.controller.OnTierChange(e.onTierChange)

	return e, nil
}

func (e *SessionEngine) ID() domain.SessionID { return e.id }

// Subscribe registers an event handler. Handlers run on the emitting
// goroutine and must not block.
func (e *SessionEngine) Subscribe(handler func(domain.Event)) func() {
	return e.hub.Subscribe(handler)
}

// Start acquires local capture at the default tier and commits it. When
// capture falls back to audio-only the tier stays pinned there until an
// explicit SetQuality.
func (e *SessionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if e.started || e.starting {
		e.mu.Unlock()
		return fmt.Errorf("session %s already started", e.id)
	}
	e.starting = true
	e.mu.Unlock()

	tier, fallback, err := e.capture.Initialize(ctx, e.defaultTier)

	e.mu.Lock()
	e.starting = false
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("initialize capture: %w", err)
	}
	if e.closed {
		e.mu.Unlock()
		e.capture.Release()
		return domain.ErrSessionClosed
	}
	e.started = true
	e.fallback = fallback
	e.reconfigMu.Lock()
	e.applied, e.target = tier, tier
	e.reconfigMu.Unlock()
	e.reconfigDone = make(chan struct{})
	go e.reconfigure(e.reconfigDone)
	e.mu.Unlock()

	if fallback {
		e.controller.SetPinned(true)
	}
	e.controller.SetQuality(tier)

	info := e.capture.Stream().Info()
	e.emit(domain.Event{Type: domain.EventLocalStreamReady, LocalStream: &info})

	e.logger.Infow("session started",
		"tier", tier.Name,
		"audio_only", info.AudioOnly,
		"fallback", fallback,
	)
	return nil
}

// Run consumes signaling envelopes until ctx is cancelled, the session is
// closed or the transport closes its inbound channel.
func (e *SessionEngine) Run(ctx context.Context) error {
	if e.transport == nil {
		return errors.New("session has no signaling transport")
	}

	inbound := e.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return nil
		case env, ok := <-inbound:
			if !ok {
				return nil
			}
			e.handleEnvelope(ctx, env)
		}
	}
}

func (e *SessionEngine) handleEnvelope(ctx context.Context, env domain.SignalEnvelope) {
	ctx, span := tracing.TraceSignal(ctx, string(env.Kind), string(env.From))
	defer span.End()

	switch env.Kind {
	case domain.SignalPeerJoined:
		if err := e.AddPeer(ctx, env.From, domain.RoleInitiator); err != nil {
			tracing.RecordError(ctx, err)
			e.logger.Warnw("failed to connect joined peer", "peer_id", env.From, "error", err)
		}

	case domain.SignalPeerLeft:
		if err := e.RemovePeer(env.From); err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
			e.logger.Warnw("failed to remove departed peer", "peer_id", env.From, "error", err)
		}

	case domain.SignalPayload:
		if err := e.HandleSignal(ctx, env.From, env.Payload); err != nil {
			tracing.RecordError(ctx, err)
			e.logger.Warnw("signal handling failed", "peer_id", env.From, "error", err)
		}

	default:
		e.logger.Debugw("ignoring unknown signal kind", "kind", env.Kind, "peer_id", env.From)
	}
}

// HandleSignal forwards a remote payload to the peer, creating a responder
// connection for an unknown ID.
func (e *SessionEngine) HandleSignal(ctx context.Context, id domain.PeerID, payload []byte) error {
	entry, ok := e.lookup(id)
	if !ok {
		if err := e.AddPeer(ctx, id, domain.RoleResponder); err != nil {
			return err
		}
		if entry, ok = e.lookup(id); !ok {
			return domain.ErrPeerNotFound
		}
	}

	if err := entry.conn.HandleSignal(ctx, payload); err != nil {
		err = fmt.Errorf("peer %s: %w", id, err)
		e.failPeer(id, entry.gen, err)
		return err
	}
	return nil
}

// AddPeer creates a connection to id. An existing connection with the same ID
// is replaced and does not count against the capacity.
func (e *SessionEngine) AddPeer(ctx context.Context, id domain.PeerID, role domain.PeerRole) error {
	ctx, span := tracing.TracePeer(ctx, "create", string(id), string(role))
	defer span.End()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !e.started {
		e.mu.Unlock()
		return domain.ErrSessionNotStarted
	}

	prev, replacing := e.peers[id]
	if !replacing && len(e.peers) >= e.maxPeers {
		e.mu.Unlock()
		tracing.RecordError(ctx, domain.ErrPeerCapacityReached)
		return domain.ErrPeerCapacityReached
	}

	// Tracks are read and the peer inserted under the table lock so a
	// concurrent video swap either sees this peer or hands it the new track.
	stream := e.capture.Stream()
	e.nextGen++
	gen := e.nextGen
	conn, err := e.factory.NewPeer(ports.PeerConfig{
		ID:         id,
		Role:       role,
		AudioTrack: stream.AudioTrack(),
		VideoTrack: stream.VideoTrack(),
		Observer:   &peerBinding{engine: e, gen: gen},
	})
	if err != nil {
		e.mu.Unlock()
		tracing.RecordError(ctx, err)
		return fmt.Errorf("create peer %s: %w", id, err)
	}
	e.peers[id] = peerEntry{conn: conn, gen: gen}
	delete(e.samples, id)
	total := len(e.peers)
	e.mu.Unlock()

	if replacing {
		e.logger.Infow("replacing existing peer connection", "peer_id", id)
		if err := prev.conn.Close(); err != nil {
			e.logger.Warnw("closing replaced peer failed", "peer_id", id, "error", err)
		}
	}

	e.logger.Infow("peer added",
		"peer_id", id,
		"role", role,
		"peer_count", total,
	)

	if err := conn.Start(ctx); err != nil {
		err = fmt.Errorf("start peer %s: %w", id, err)
		tracing.RecordError(ctx, err)
		e.failPeer(id, gen, err)
		return err
	}
	return nil
}

// RemovePeer closes and forgets the connection to id.
func (e *SessionEngine) RemovePeer(id domain.PeerID) error {
	e.mu.Lock()
	entry, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrPeerNotFound
	}
	delete(e.peers, id)
	delete(e.samples, id)
	e.mu.Unlock()

	err := entry.conn.Close()
	e.emit(domain.Event{Type: domain.EventPeerDisconnected, PeerID: id})
	e.logger.Infow("peer removed", "peer_id", id)
	if err != nil {
		return fmt.Errorf("close peer %s: %w", id, err)
	}
	return nil
}

func (e *SessionEngine) lookup(id domain.PeerID) (peerEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.peers[id]
	return entry, ok
}

// detach removes id from the table if gen is still the live connection.
func (e *SessionEngine) detach(id domain.PeerID, gen uint64) (ports.PeerConnection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.peers[id]
	if !ok || entry.gen != gen {
		return nil, false
	}
	delete(e.peers, id)
	delete(e.samples, id)
	return entry.conn, true
}

func (e *SessionEngine) isCurrent(id domain.PeerID, gen uint64) bool {
	entry, ok := e.lookup(id)
	return ok && entry.gen == gen
}

// failPeer destroys a single connection after a signaling or transport error.
func (e *SessionEngine) failPeer(id domain.PeerID, gen uint64, cause error) {
	conn, ok := e.detach(id, gen)
	if !ok {
		return
	}
	e.logger.Warnw("peer connection failed", "peer_id", id, "error", cause)
	// Close may be reached from the peer's own callback goroutine.
	go e.closeConn(id, conn)
	e.emit(domain.Event{Type: domain.EventPeerError, PeerID: id, Err: cause})
}

func (e *SessionEngine) closeConn(id domain.PeerID, conn ports.PeerConnection) {
	if err := conn.Close(); err != nil {
		e.logger.Debugw("peer close returned error", "peer_id", id, "error", err)
	}
}

func (e *SessionEngine) snapshot() []peerEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]peerEntry, 0, len(e.peers))
	for _, entry := range e.peers {
		out = append(out, entry)
	}
	return out
}

// ReplaceVideoTrack pushes track to every live peer concurrently. A failing
// peer keeps its previous track.
func (e *SessionEngine) ReplaceVideoTrack(ctx context.Context, track ports.MediaTrack) {
	var wg sync.WaitGroup
	for _, entry := range e.snapshot() {
		if entry.conn.State().Terminal() {
			continue
		}
		wg.Add(1)
		go func(conn ports.PeerConnection) {
			defer wg.Done()
			if err := conn.ReplaceVideoTrack(ctx, track); err != nil {
				e.logger.Warnw("video track replacement failed",
					"peer_id", conn.ID(),
					"error", err,
				)
			}
		}(entry.conn)
	}
	wg.Wait()
}

// BroadcastMessage sends payload to every connected peer and returns how many
// accepted it. Peers that are not connected are skipped.
func (e *SessionEngine) BroadcastMessage(payload []byte) int {
	delivered := 0
	for _, entry := range e.snapshot() {
		if entry.conn.State() != domain.PeerStateConnected {
			continue
		}
		if err := entry.conn.Send(payload); err != nil {
			e.logger.Debugw("message dropped", "peer_id", entry.conn.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (e *SessionEngine) GetCurrentTier() domain.QualityTier {
	return e.controller.GetCurrentTier()
}

// SetQuality commits tier immediately and local capture follows it in the
// background. It clears a pin left by the capture fallback; a pin set through
// SetPinned is kept.
func (e *SessionEngine) SetQuality(tier domain.QualityTier) error {
	return e.setQuality(tier, nil)
}

// SetQualityPinned sets the pin and commits tier as one step. With pinned
// true no automatic evaluation can replace tier before it is committed.
func (e *SessionEngine) SetQualityPinned(tier domain.QualityTier, pinned bool) error {
	return e.setQuality(tier, &pinned)
}

func (e *SessionEngine) setQuality(tier domain.QualityTier, pinned *bool) error {
	canonical, err := domain.TierByName(tier.Name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !e.started {
		e.mu.Unlock()
		return domain.ErrSessionNotStarted
	}
	clearFallback := e.fallback
	e.fallback = false
	e.mu.Unlock()

	switch {
	case pinned != nil:
		e.controller.SetPinned(*pinned)
	case clearFallback:
		e.controller.SetPinned(false)
	}
	e.controller.SetQuality(canonical)
	return nil
}

func (e *SessionEngine) SetPinned(pinned bool) {
	e.mu.Lock()
	e.fallback = false
	e.mu.Unlock()
	e.controller.SetPinned(pinned)
}

// onTierChange runs with tier commits serialized by the controller. Capture
// is reconfigured by the reconfigure loop so commits never wait on devices.
func (e *SessionEngine) onTierChange(change TierChange) {
	e.reconfigMu.Lock()
	e.target = change.To
	e.reconfigMu.Unlock()
	select {
	case e.reconfig <- struct{}{}:
	default:
	}

	to, from := change.To, change.From
	e.emit(domain.Event{
		Type:         domain.EventQualityChanged,
		Tier:         &to,
		PreviousTier: &from,
	})
}

// reconfigure applies committed tiers to local capture until the session
// context ends. Commits arriving during an Apply collapse into one move
// towards the latest tier.
func (e *SessionEngine) reconfigure(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.reconfig:
		}

		e.reconfigMu.Lock()
		from, to := e.applied, e.target
		e.reconfigMu.Unlock()
		if from.Name == to.Name {
			continue
		}

		err := e.capture.Apply(e.ctx, from, to)
		if e.ctx.Err() != nil {
			return
		}

		applied := to
		if err != nil {
			stream := e.capture.Stream()
			if !to.AudioOnly() && stream != nil && stream.AudioOnly() {
				e.logger.Warnw("video unavailable, returning to audio-only",
					"tier", to.Name,
					"error", err,
				)
				applied = from
				e.setApplied(applied)
				e.pinAudioOnly()
				continue
			}
		}
		e.setApplied(applied)
	}
}

func (e *SessionEngine) setApplied(tier domain.QualityTier) {
	e.reconfigMu.Lock()
	e.applied = tier
	e.reconfigMu.Unlock()
}

// pinAudioOnly re-commits audio-only after video could not be re-acquired.
// It must not run on the tier listener goroutine.
func (e *SessionEngine) pinAudioOnly() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.fallback = true
	e.mu.Unlock()

	e.controller.SetPinned(true)
	e.controller.SetQuality(domain.AudioOnlyTier())
}

// Peers returns a snapshot of every connection, ordered by ID.
func (e *SessionEngine) Peers() []domain.PeerInfo {
	entries := e.snapshot()
	infos := make([]domain.PeerInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, entry.conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (e *SessionEngine) Stats() domain.SessionStats {
	estimate, window := e.controller.Estimate()
	stats := domain.SessionStats{
		SessionID:  e.id,
		Tier:       e.controller.GetCurrentTier().Name,
		Pinned:     e.controller.Pinned(),
		Estimate:   estimate,
		WindowSize: window,
		Timestamp:  e.clock.Now(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	stats.TotalPeers = len(e.peers)
	for _, entry := range e.peers {
		if entry.conn.State() == domain.PeerStateConnected {
			stats.ConnectedPeers++
		}
	}
	if worst, ok := e.worstLinkLocked(); ok {
		stats.WorstLink = &worst
	}
	return stats
}

// worstLinkLocked returns the lowest-throughput latest sample among connected
// peers. e.mu must be held.
func (e *SessionEngine) worstLinkLocked() (domain.BandwidthSample, bool) {
	var (
		worst domain.BandwidthSample
		found bool
	)
	for id, sample := range e.samples {
		entry, ok := e.peers[id]
		if !ok || entry.conn.State() != domain.PeerStateConnected {
			continue
		}
		if !found || sample.Throughput < worst.Throughput {
			worst = sample
			found = true
		}
	}
	return worst, found
}

func (e *SessionEngine) recordPeerSample(id domain.PeerID, gen uint64, sample domain.BandwidthSample) {
	e.mu.Lock()
	entry, ok := e.peers[id]
	if !ok || entry.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}
	e.samples[id] = sample
	worst, found := e.worstLinkLocked()
	e.mu.Unlock()

	if found {
		e.controller.RecordSample(worst.Throughput)
	}
	e.emit(domain.Event{Type: domain.EventStatsUpdated, PeerID: id, Sample: &sample})
}

func (e *SessionEngine) emit(ev domain.Event) {
	ev.SessionID = e.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	e.hub.Emit(ev)
}

// Close tears the session down: the debounce timer, any pending capture
// reconfiguration, every peer, the local tracks and finally the audio
// subsystem. Every step runs even if an earlier one failed.
func (e *SessionEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.close()
	})
	return e.closeErr
}

func (e *SessionEngine) close() error {
	e.mu.Lock()
	e.closed = true
	entries := make([]peerEntry, 0, len(e.peers))
	for _, entry := range e.peers {
		entries = append(entries, entry)
	}
	e.peers = make(map[domain.PeerID]peerEntry)
	e.samples = make(map[domain.PeerID]domain.BandwidthSample)
	reconfigDone := e.reconfigDone
	e.mu.Unlock()

	e.controller.Stop()

	// Cancelling first unblocks a device acquisition held by Apply.
	e.cancel()
	if reconfigDone != nil {
		<-reconfigDone
	}

	var errs []error
	for _, entry := range entries {
		id := entry.conn.ID()
		if err := entry.conn.Close(); err != nil {
			e.logger.Warnw("peer close failed during teardown", "peer_id", id, "error", err)
			errs = append(errs, fmt.Errorf("close peer %s: %w", id, err))
		}
		e.emit(domain.Event{Type: domain.EventPeerDisconnected, PeerID: id})
	}

	e.capture.Release()

	if err := e.audio.Release(); err != nil {
		e.logger.Warnw("audio release failed during teardown", "error", err)
		errs = append(errs, fmt.Errorf("release audio: %w", err))
	}

	e.logger.Infow("session closed", "peers_closed", len(entries))
	return errors.Join(errs...)
}

// peerBinding routes callbacks from one connection instance. Callbacks from a
// connection that has since been replaced or removed are dropped.
type peerBinding struct {
	engine *SessionEngine
	gen    uint64
}

func (b *peerBinding) OnPeerStateChange(id domain.PeerID, state domain.PeerState, err error) {
	e := b.engine
	switch state {
	case domain.PeerStateConnected:
		if !e.isCurrent(id, b.gen) {
			return
		}
		e.logger.Infow("peer connected", "peer_id", id)
		e.emit(domain.Event{Type: domain.EventPeerConnected, PeerID: id})

	case domain.PeerStateError:
		if err == nil {
			err = domain.ErrConnectionFailed
		}
		e.failPeer(id, b.gen, err)

	case domain.PeerStateClosed:
		conn, ok := e.detach(id, b.gen)
		if !ok {
			return
		}
		go e.closeConn(id, conn)
		e.logger.Infow("peer disconnected", "peer_id", id)
		e.emit(domain.Event{Type: domain.EventPeerDisconnected, PeerID: id})
	}
}

func (b *peerBinding) OnRemoteStream(id domain.PeerID, stream domain.RemoteStreamInfo) {
	if !b.engine.isCurrent(id, b.gen) {
		return
	}
	b.engine.emit(domain.Event{Type: domain.EventRemoteStreamAvailable, PeerID: id, RemoteStream: &stream})
}

func (b *peerBinding) OnPeerSample(id domain.PeerID, sample domain.BandwidthSample) {
	b.engine.recordPeerSample(id, b.gen, sample)
}

func (b *peerBinding) OnPeerMessage(id domain.PeerID, payload []byte) {
	if !b.engine.isCurrent(id, b.gen) {
		return
	}
	b.engine.emit(domain.Event{Type: domain.EventMessageReceived, PeerID: id, Payload: payload})
}

func (b *peerBinding) OnLocalSignal(id domain.PeerID, payload []byte) {
	e := b.engine
	if !e.isCurrent(id, b.gen) {
		return
	}
	if e.transport == nil {
		e.logger.Debugw("no signaling transport, dropping local signal", "peer_id", id)
		return
	}
	if err := e.transport.Send(e.ctx, id, payload); err != nil {
		e.logger.Warnw("signal send failed", "peer_id", id, "error", err)
	}
}
