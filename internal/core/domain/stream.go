package domain

// TrackKind distinguishes audio from video media.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// AudioProfile describes audio capture settings.
type AudioProfile struct {
	Channels   int
	SampleRate int // Hz
	Bitrate    int // kbps
}

var (
	DefaultAudioProfile = AudioProfile{Channels: 2, SampleRate: 48000}
	// UltraLowAudioProfile is forced when entering the lowest video tier.
	UltraLowAudioProfile = AudioProfile{Channels: 1, SampleRate: 16000}
)

// VideoConstraints describes video capture settings.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // kbps
}

// MediaConstraints is a capture request. A nil member means that kind is not
// requested.
type MediaConstraints struct {
	Audio *AudioProfile
	Video *VideoConstraints
}

// TrackConstraints is applied in place to an existing track; only the member
// matching the track kind is used.
type TrackConstraints struct {
	Audio *AudioProfile
	Video *VideoConstraints
}

// LocalStreamInfo describes the local capture source.
type LocalStreamInfo struct {
	ID        string
	AudioOnly bool
	TrackIDs  []string
}

// RemoteStreamInfo describes media received from a peer.
type RemoteStreamInfo struct {
	ID       string
	TrackIDs []string
	Kinds    []TrackKind
}
