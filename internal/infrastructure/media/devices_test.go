package media

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDevices(cfg DevicesConfig) *Devices {
	return NewDevices(cfg, zap.NewNop().Sugar())
}

func TestDevices_AcquireAudioAndVideo(t *testing.T) {
	d := newTestDevices(DevicesConfig{AudioEnabled: true, VideoEnabled: true})

	audio := domain.DefaultAudioProfile
	video := domain.VideoConstraints{Width: 1280, Height: 720, FrameRate: 30, Bitrate: 2500}
	tracks, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: &audio, Video: &video})
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	assert.Equal(t, domain.TrackKindAudio, tracks[0].Kind())
	assert.Equal(t, domain.TrackKindVideo, tracks[1].Kind())
	assert.Equal(t, webrtc.MimeTypeOpus, tracks[0].Local().(*webrtc.TrackLocalStaticSample).Codec().MimeType)
	assert.Equal(t, webrtc.MimeTypeVP8, tracks[1].Local().(*webrtc.TrackLocalStaticSample).Codec().MimeType)
	assert.Equal(t, tracks[0].Local().StreamID(), tracks[1].Local().StreamID())
	assert.Equal(t, video, *tracks[1].Constraints().Video)
	assert.Nil(t, tracks[1].Constraints().Audio)
	assert.Equal(t, 2, d.Active())

	for _, tr := range tracks {
		tr.Stop()
	}
	assert.Equal(t, 0, d.Active())
}

func TestDevices_MissingCamera(t *testing.T) {
	d := newTestDevices(DevicesConfig{AudioEnabled: true})

	video := domain.VideoConstraints{Width: 640, Height: 360}
	audio := domain.DefaultAudioProfile
	_, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: &audio, Video: &video})
	assert.ErrorIs(t, err, domain.ErrCaptureUnavailable)
	assert.Equal(t, 0, d.Active())

	tracks, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: &audio})
	require.NoError(t, err)
	assert.Len(t, tracks, 1)
}

func TestDevices_PermissionDenied(t *testing.T) {
	d := newTestDevices(DevicesConfig{AudioEnabled: true, VideoEnabled: true, PermissionDenied: true})

	audio := domain.DefaultAudioProfile
	_, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: &audio})
	assert.ErrorIs(t, err, domain.ErrCaptureDenied)
}

func TestDevices_EmptyRequest(t *testing.T) {
	d := newTestDevices(DevicesConfig{AudioEnabled: true, VideoEnabled: true})

	_, err := d.Acquire(context.Background(), domain.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrCaptureUnavailable)
}

func TestDevices_CancelledContext(t *testing.T) {
	d := newTestDevices(DevicesConfig{AudioEnabled: true, VideoEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	audio := domain.DefaultAudioProfile
	_, err := d.Acquire(ctx, domain.MediaConstraints{Audio: &audio})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrack_ApplyConstraints(t *testing.T) {
	d := newTestDevices(DevicesConfig{VideoEnabled: true})
	video := domain.VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}
	tracks, err := d.Acquire(context.Background(), domain.MediaConstraints{Video: &video})
	require.NoError(t, err)
	track := tracks[0]

	lower := domain.VideoConstraints{Width: 426, Height: 240, FrameRate: 20, Bitrate: 400}
	audio := domain.DefaultAudioProfile
	require.NoError(t, track.ApplyConstraints(domain.TrackConstraints{Video: &lower, Audio: &audio}))
	assert.Equal(t, lower, *track.Constraints().Video)
	assert.Nil(t, track.Constraints().Audio)

	assert.Error(t, track.ApplyConstraints(domain.TrackConstraints{Audio: &audio}))

	track.Stop()
	track.Stop()
	assert.True(t, track.Ended())
	assert.ErrorIs(t, track.ApplyConstraints(domain.TrackConstraints{Video: &lower}), ErrTrackEnded)
}

func TestTrack_WriteSampleAfterStop(t *testing.T) {
	d := newTestDevices(DevicesConfig{AudioEnabled: true})
	audio := domain.DefaultAudioProfile
	tracks, err := d.Acquire(context.Background(), domain.MediaConstraints{Audio: &audio})
	require.NoError(t, err)
	track := tracks[0].(*Track)

	// Unbound tracks accept samples and drop them.
	assert.NoError(t, track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}))

	track.Stop()
	assert.ErrorIs(t, track.WriteSample(media.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}), ErrTrackEnded)
}
