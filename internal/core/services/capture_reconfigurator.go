package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

// TrackFanout pushes a video track (nil detaches) to every connected peer.
// Failures on one peer must not affect the others.
type TrackFanout interface {
	ReplaceVideoTrack(ctx context.Context, track ports.MediaTrack)
}

// CaptureReconfigurator adjusts local capture to a committed tier.
type CaptureReconfigurator struct {
	devices ports.MediaDevices
	audio   ports.AudioSubsystem
	fanout  TrackFanout
	logger  *zap.SugaredLogger

	// mu serializes Initialize, Apply and Release. stream is set once by
	// Initialize and read lock-free by peers being created.
	mu     sync.Mutex
	stream atomic.Pointer[LocalStream]
	// narrowband is set while the audio track carries the ultra-low profile.
	narrowband bool
}

func NewCaptureReconfigurator(
	devices ports.MediaDevices,
	audio ports.AudioSubsystem,
	fanout TrackFanout,
	logger *zap.SugaredLogger,
) *CaptureReconfigurator {
	return &CaptureReconfigurator{
		devices: devices,
		audio:   audio,
		fanout:  fanout,
		logger:  logger,
	}
}

// Initialize acquires capture for tier. If that fails it falls back once to
// audio-only and reports fallback=true; it does not retry video later.
func (r *CaptureReconfigurator) Initialize(ctx context.Context, tier domain.QualityTier) (domain.QualityTier, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := tracing.TraceReconfigure(ctx, "", string(tier.Name))
	defer span.End()

	tracks, err := r.devices.Acquire(ctx, tier.MediaConstraints())
	fallback := false
	if err != nil {
		if tier.AudioOnly() {
			tracing.RecordError(ctx, err)
			return domain.QualityTier{}, false, fmt.Errorf("acquire audio: %w", err)
		}

		r.logger.Warnw("capture acquisition failed, falling back to audio-only",
			"tier", tier.Name,
			"error", err,
		)
		tier = domain.AudioOnlyTier()
		fallback = true

		tracks, err = r.devices.Acquire(ctx, tier.MediaConstraints())
		if err != nil {
			tracing.RecordError(ctx, err)
			return domain.QualityTier{}, false, fmt.Errorf("acquire audio-only fallback: %w", err)
		}
	}

	stream := NewLocalStream(utils.GenerateStreamID(), tracks)
	if stream.AudioTrack() == nil {
		stream.stop()
		return domain.QualityTier{}, false, fmt.Errorf("%w: no audio track", domain.ErrCaptureUnavailable)
	}
	if tier.AudioOnly() && !stream.AudioOnly() {
		if v := stream.setVideo(nil); v != nil {
			v.Stop()
		}
	}
	if !tier.AudioOnly() && stream.AudioOnly() {
		r.logger.Warnw("devices returned no video track, continuing audio-only", "tier", tier.Name)
		tier = domain.AudioOnlyTier()
		fallback = true
	}

	if err := r.configureAudio(ctx, stream, tier); err != nil {
		r.logger.Warnw("audio configuration incomplete", "tier", tier.Name, "error", err)
	}
	r.stream.Store(stream)

	r.logger.Infow("local capture initialized",
		"stream_id", stream.ID(),
		"tier", tier.Name,
		"fallback", fallback,
	)
	return tier, fallback, nil
}

// Apply reconfigures capture from one tier to another. A failure to
// re-acquire video leaves the stream audio-only and is returned to the
// caller.
func (r *CaptureReconfigurator) Apply(ctx context.Context, from, to domain.QualityTier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := r.stream.Load()
	if stream == nil {
		return domain.ErrSessionNotStarted
	}

	ctx, span := tracing.TraceReconfigure(ctx, string(from.Name), string(to.Name))
	defer span.End()

	var errs []error

	switch {
	case to.AudioOnly():
		r.dropVideo(ctx, stream)

	case stream.AudioOnly():
		if err := r.reacquireVideo(ctx, stream, to); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}

	default:
		video := stream.VideoTrack()
		if err := video.ApplyConstraints(domain.TrackConstraints{Video: to.VideoConstraints()}); err != nil {
			errs = append(errs, fmt.Errorf("apply video constraints: %w", err))
		}
	}

	if err := r.configureAudio(ctx, stream, to); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Warnw("capture reconfiguration incomplete",
			"from", from.Name,
			"to", to.Name,
			"error", err,
		)
		return err
	}

	r.logger.Debugw("capture reconfigured", "from", from.Name, "to", to.Name)
	return nil
}

func (r *CaptureReconfigurator) dropVideo(ctx context.Context, stream *LocalStream) {
	prev := stream.setVideo(nil)
	if prev == nil {
		return
	}
	r.fanout.ReplaceVideoTrack(ctx, nil)
	prev.Stop()
}

func (r *CaptureReconfigurator) reacquireVideo(ctx context.Context, stream *LocalStream, to domain.QualityTier) error {
	tracks, err := r.devices.Acquire(ctx, domain.MediaConstraints{Video: to.VideoConstraints()})
	if err != nil {
		return fmt.Errorf("reacquire video for %s: %w", to.Name, err)
	}

	var video ports.MediaTrack
	for _, t := range tracks {
		if t.Kind() == domain.TrackKindVideo && video == nil {
			video = t
			continue
		}
		t.Stop()
	}
	if video == nil {
		return fmt.Errorf("reacquire video for %s: %w", to.Name, domain.ErrCaptureUnavailable)
	}

	stream.setVideo(video)
	r.fanout.ReplaceVideoTrack(ctx, video)
	return nil
}

// configureAudio adapts the audio track and encoder to tier. Entering the
// lowest video tier forces the narrowband profile. Audio-only keeps it, and
// any richer video tier restores the default one. r.mu must be held.
func (r *CaptureReconfigurator) configureAudio(ctx context.Context, stream *LocalStream, to domain.QualityTier) error {
	var errs []error
	ultraLow := domain.LowestVideoTier().Name

	switch {
	case to.Name == ultraLow && !r.narrowband:
		if err := r.applyAudioProfile(stream, domain.UltraLowAudioProfile, to.AudioBitrate); err != nil {
			errs = append(errs, fmt.Errorf("apply ultra-low audio profile: %w", err))
		}
		if err := r.audio.EnableUltraLowMode(); err != nil {
			errs = append(errs, fmt.Errorf("enable ultra-low mode: %w", err))
		}
		r.narrowband = true

	case r.narrowband && to.AudioOnly():
		if err := r.applyAudioProfile(stream, domain.UltraLowAudioProfile, to.AudioBitrate); err != nil {
			errs = append(errs, fmt.Errorf("apply narrowband audio profile: %w", err))
		}

	case r.narrowband && to.Name != ultraLow:
		if err := r.applyAudioProfile(stream, domain.DefaultAudioProfile, to.AudioBitrate); err != nil {
			errs = append(errs, fmt.Errorf("restore audio profile: %w", err))
		}
		r.narrowband = false
	}

	if err := r.audio.SetBitrate(to.AudioBitrate); err != nil {
		errs = append(errs, fmt.Errorf("set audio bitrate %d: %w", to.AudioBitrate, err))
	}
	tracing.AddSpanAttributes(ctx, tracing.BitrateKey.Int(to.AudioBitrate))

	return errors.Join(errs...)
}

func (r *CaptureReconfigurator) applyAudioProfile(stream *LocalStream, profile domain.AudioProfile, kbps int) error {
	audio := stream.AudioTrack()
	if audio == nil {
		return nil
	}
	profile.Bitrate = kbps
	return audio.ApplyConstraints(domain.TrackConstraints{Audio: &profile})
}

// Stream returns the local stream, nil before Initialize succeeds.
func (r *CaptureReconfigurator) Stream() *LocalStream {
	return r.stream.Load()
}

// Release stops every local track.
func (r *CaptureReconfigurator) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream := r.stream.Load(); stream != nil {
		stream.stop()
	}
}
