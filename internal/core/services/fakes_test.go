package services

import (
	"context"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
)

type fakeTrack struct {
	mu          sync.Mutex
	id          string
	kind        domain.TrackKind
	constraints domain.TrackConstraints
	applied     []domain.TrackConstraints
	applyErr    error
	stopped     bool
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Constraints() domain.TrackConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}

func (t *fakeTrack) ApplyConstraints(c domain.TrackConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.applyErr != nil {
		return t.applyErr
	}
	t.applied = append(t.applied, c)
	t.constraints = c
	return nil
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) appliedConstraints() []domain.TrackConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.TrackConstraints, len(t.applied))
	copy(out, t.applied)
	return out
}

// fakeDevices hands out fresh tracks per request unless the requested kind is
// denied.
type fakeDevices struct {
	mu        sync.Mutex
	denyVideo bool
	denyAll   bool
	requests  []domain.MediaConstraints
	issued    []*fakeTrack
}

func (d *fakeDevices) Acquire(ctx context.Context, c domain.MediaConstraints) ([]ports.MediaTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, c)
	if d.denyAll || (d.denyVideo && c.Video != nil) {
		return nil, domain.ErrCaptureDenied
	}

	var tracks []ports.MediaTrack
	if c.Audio != nil {
		t := newFakeTrack("audio-"+string(rune('a'+len(d.issued))), domain.TrackKindAudio)
		t.constraints = domain.TrackConstraints{Audio: c.Audio}
		d.issued = append(d.issued, t)
		tracks = append(tracks, t)
	}
	if c.Video != nil {
		t := newFakeTrack("video-"+string(rune('a'+len(d.issued))), domain.TrackKindVideo)
		t.constraints = domain.TrackConstraints{Video: c.Video}
		d.issued = append(d.issued, t)
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *fakeDevices) setDenyVideo(deny bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denyVideo = deny
}

func (d *fakeDevices) requestLog() []domain.MediaConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.MediaConstraints, len(d.requests))
	copy(out, d.requests)
	return out
}

// blockingDevices denies combined audio and video capture and holds
// video-only requests until the caller's context ends.
type blockingDevices struct {
	fakeDevices
	once    sync.Once
	blocked chan struct{}
}

func newBlockingDevices() *blockingDevices {
	return &blockingDevices{blocked: make(chan struct{})}
}

func (d *blockingDevices) Acquire(ctx context.Context, c domain.MediaConstraints) ([]ports.MediaTrack, error) {
	switch {
	case c.Audio != nil && c.Video != nil:
		return nil, domain.ErrCaptureDenied
	case c.Video != nil:
		d.once.Do(func() { close(d.blocked) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.fakeDevices.Acquire(ctx, c)
}

type MockAudioSubsystem struct {
	mock.Mock
}

func (m *MockAudioSubsystem) SetBitrate(kbps int) error {
	args := m.Called(kbps)
	return args.Error(0)
}

func (m *MockAudioSubsystem) EnableUltraLowMode() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockAudioSubsystem) Release() error {
	args := m.Called()
	return args.Error(0)
}

func newPermissiveAudio() *MockAudioSubsystem {
	a := &MockAudioSubsystem{}
	a.On("SetBitrate", mock.Anything).Return(nil)
	a.On("EnableUltraLowMode").Return(nil)
	a.On("Release").Return(nil)
	return a
}

type fanoutCall struct {
	track ports.MediaTrack
}

type fakeFanout struct {
	mu    sync.Mutex
	calls []fanoutCall
}

func (f *fakeFanout) ReplaceVideoTrack(ctx context.Context, track ports.MediaTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fanoutCall{track: track})
}

func (f *fakeFanout) all() []fanoutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fanoutCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakePeer struct {
	mu         sync.Mutex
	cfg        ports.PeerConfig
	state      domain.PeerState
	started    bool
	startErr   error
	signalErr  error
	sendErr    error
	replaceErr error
	closeErr   error
	signals    [][]byte
	sent       [][]byte
	video      ports.MediaTrack
	replaced   int
	closes     int
	last       *domain.BandwidthSample
}

func (p *fakePeer) ID() domain.PeerID { return p.cfg.ID }
func (p *fakePeer) Role() domain.PeerRole { return p.cfg.Role }

func (p *fakePeer) State() domain.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Info() domain.PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PeerInfo{ID: p.cfg.ID, Role: p.cfg.Role, State: p.state, LastSample: p.last}
}

func (p *fakePeer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	if p.startErr != nil {
		return p.startErr
	}
	if p.cfg.Role == domain.RoleInitiator {
		p.state = domain.PeerStateSignaling
	}
	return nil
}

func (p *fakePeer) HandleSignal(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signalErr != nil {
		return p.signalErr
	}
	p.signals = append(p.signals, payload)
	if p.state == domain.PeerStateCreated {
		p.state = domain.PeerStateSignaling
	}
	return nil
}

func (p *fakePeer) ReplaceVideoTrack(ctx context.Context, track ports.MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaced++
	if p.replaceErr != nil {
		return p.replaceErr
	}
	p.video = track
	return nil
}

func (p *fakePeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.PeerStateConnected {
		return domain.ErrPeerNotConnected
	}
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, payload)
	return nil
}

func (p *fakePeer) LastSample() (domain.BandwidthSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return domain.BandwidthSample{}, false
	}
	return *p.last, true
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	already := p.state == domain.PeerStateClosed
	p.state = domain.PeerStateClosed
	err := p.closeErr
	p.mu.Unlock()

	if !already {
		p.cfg.Observer.OnPeerStateChange(p.cfg.ID, domain.PeerStateClosed, nil)
	}
	return err
}

func (p *fakePeer) connect() {
	p.mu.Lock()
	p.state = domain.PeerStateConnected
	p.mu.Unlock()
	p.cfg.Observer.OnPeerStateChange(p.cfg.ID, domain.PeerStateConnected, nil)
}

func (p *fakePeer) fail(err error) {
	p.mu.Lock()
	p.state = domain.PeerStateError
	p.mu.Unlock()
	p.cfg.Observer.OnPeerStateChange(p.cfg.ID, domain.PeerStateError, err)
}

func (p *fakePeer) report(kbps float64) {
	sample := domain.BandwidthSample{Throughput: kbps, Source: domain.EstimateSourceICE}
	p.mu.Lock()
	p.last = &sample
	p.mu.Unlock()
	p.cfg.Observer.OnPeerSample(p.cfg.ID, sample)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) replacedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replaced
}

func (p *fakePeer) videoTrack() ports.MediaTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

type fakeFactory struct {
	mu      sync.Mutex
	peers   []*fakePeer
	newErr  error
	prepare func(p *fakePeer)
}

func (f *fakeFactory) NewPeer(cfg ports.PeerConfig) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	p := &fakePeer{cfg: cfg, state: domain.PeerStateCreated, video: cfg.VideoTrack}
	if f.prepare != nil {
		f.prepare(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// latest returns the most recently created connection for id.
func (f *fakeFactory) latest(id domain.PeerID) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.peers) - 1; i >= 0; i-- {
		if f.peers[i].cfg.ID == id {
			return f.peers[i]
		}
	}
	return nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type sentSignal struct {
	to      domain.PeerID
	payload []byte
}

type fakeTransport struct {
	mu      sync.Mutex
	inbound chan domain.SignalEnvelope
	sent    []sentSignal
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan domain.SignalEnvelope, 16)}
}

func (t *fakeTransport) Send(ctx context.Context, to domain.PeerID, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentSignal{to: to, payload: payload})
	return nil
}

func (t *fakeTransport) Inbound() <-chan domain.SignalEnvelope {
	return t.inbound
}

func (t *fakeTransport) sentTo(id domain.PeerID) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, s := range t.sent {
		if s.to == id {
			out = append(out, s.payload)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) handle(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) forPeer(t domain.EventType, id domain.PeerID) []domain.Event {
	var out []domain.Event
	for _, ev := range l.ofType(t) {
		if ev.PeerID == id {
			out = append(out, ev)
		}
	}
	return out
}
