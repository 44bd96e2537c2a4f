package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var ErrTrackEnded = errors.New("track ended")

// DevicesConfig says which capture kinds are present on this host.
type DevicesConfig struct {
	AudioEnabled bool `yaml:"audio_enabled"`
	VideoEnabled bool `yaml:"video_enabled"`
	// PermissionDenied rejects every request, as when the user refuses consent.
	PermissionDenied bool `yaml:"permission_denied"`
}

// Devices hands out sample tracks that an encoder pipeline feeds through
// Track.WriteSample.
type Devices struct {
	config DevicesConfig
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*Track
}

func NewDevices(config DevicesConfig, logger *zap.SugaredLogger) *Devices {
	return &Devices{
		config: config,
		logger: logger,
		active: make(map[string]*Track),
	}
}

// Acquire opens one track per requested kind. It fails as a whole if any
// requested kind is unavailable.
func (d *Devices) Acquire(ctx context.Context, constraints domain.MediaConstraints) ([]ports.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.config.PermissionDenied {
		return nil, domain.ErrCaptureDenied
	}
	if constraints.Audio == nil && constraints.Video == nil {
		return nil, fmt.Errorf("%w: empty request", domain.ErrCaptureUnavailable)
	}
	if constraints.Audio != nil && !d.config.AudioEnabled {
		return nil, fmt.Errorf("%w: no microphone", domain.ErrCaptureUnavailable)
	}
	if constraints.Video != nil && !d.config.VideoEnabled {
		return nil, fmt.Errorf("%w: no camera", domain.ErrCaptureUnavailable)
	}

	streamID := utils.GenerateStreamID()
	var tracks []ports.MediaTrack

	if constraints.Audio != nil {
		t, err := d.open(domain.TrackKindAudio, streamID, domain.TrackConstraints{Audio: constraints.Audio})
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if constraints.Video != nil {
		t, err := d.open(domain.TrackKindVideo, streamID, domain.TrackConstraints{Video: constraints.Video})
		if err != nil {
			for _, opened := range tracks {
				opened.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *Devices) open(kind domain.TrackKind, streamID string, c domain.TrackConstraints) (*Track, error) {
	mime := webrtc.MimeTypeOpus
	if kind == domain.TrackKindVideo {
		mime = webrtc.MimeTypeVP8
	}

	id := utils.GenerateTrackID(string(kind))
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &Track{
		id:          id,
		kind:        kind,
		local:       local,
		constraints: c,
		onStop:      d.release,
	}

	d.mu.Lock()
	d.active[id] = t
	d.mu.Unlock()

	d.logger.Debugw("capture track opened", "track_id", id, "kind", kind)
	return t, nil
}

func (d *Devices) release(id string) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
	d.logger.Debugw("capture track stopped", "track_id", id)
}

// Active returns the number of tracks not yet stopped.
func (d *Devices) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Track is a capture track carrying its current constraints.
type Track struct {
	id     string
	kind   domain.TrackKind
	local  *webrtc.TrackLocalStaticSample
	onStop func(id string)

	mu          sync.RWMutex
	constraints domain.TrackConstraints
	ended       bool
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() domain.TrackKind   { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Constraints() domain.TrackConstraints {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.constraints
}

// ApplyConstraints updates the member matching the track kind.
func (t *Track) ApplyConstraints(c domain.TrackConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended {
		return ErrTrackEnded
	}
	switch t.kind {
	case domain.TrackKindAudio:
		if c.Audio == nil {
			return fmt.Errorf("audio track %s: missing audio constraints", t.id)
		}
		t.constraints = domain.TrackConstraints{Audio: c.Audio}
	case domain.TrackKindVideo:
		if c.Video == nil {
			return fmt.Errorf("video track %s: missing video constraints", t.id)
		}
		t.constraints = domain.TrackConstraints{Video: c.Video}
	}
	return nil
}

// WriteSample pushes one encoded frame to every peer bound to the track.
func (t *Track) WriteSample(s media.Sample) error {
	t.mu.RLock()
	ended := t.ended
	t.mu.RUnlock()
	if ended {
		return ErrTrackEnded
	}
	return t.local.WriteSample(s)
}

func (t *Track) Stop() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.mu.Unlock()

	if t.onStop != nil {
		t.onStop(t.id)
	}
}

func (t *Track) Ended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ended
}
