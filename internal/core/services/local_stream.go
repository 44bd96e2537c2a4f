package services

import (
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// LocalStream groups the local capture tracks shared by every peer. The
// capture reconfigurator is the only writer.
type LocalStream struct {
	id string

	mu    sync.RWMutex
	audio ports.MediaTrack
	video ports.MediaTrack
}

// NewLocalStream builds a stream from freshly acquired tracks. Extra tracks of
// an already populated kind are stopped.
func NewLocalStream(id string, tracks []ports.MediaTrack) *LocalStream {
	s := &LocalStream{id: id}
	for _, t := range tracks {
		switch {
		case t.Kind() == domain.TrackKindAudio && s.audio == nil:
			s.audio = t
		case t.Kind() == domain.TrackKindVideo && s.video == nil:
			s.video = t
		default:
			t.Stop()
		}
	}
	return s
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) AudioTrack() ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

func (s *LocalStream) VideoTrack() ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video
}

func (s *LocalStream) AudioOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video == nil
}

// Info snapshots the stream for event payloads.
func (s *LocalStream) Info() domain.LocalStreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := domain.LocalStreamInfo{ID: s.id, AudioOnly: s.video == nil}
	if s.audio != nil {
		info.TrackIDs = append(info.TrackIDs, s.audio.ID())
	}
	if s.video != nil {
		info.TrackIDs = append(info.TrackIDs, s.video.ID())
	}
	return info
}

// setVideo swaps the video track and returns the one it replaced.
func (s *LocalStream) setVideo(track ports.MediaTrack) ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.video
	s.video = track
	return prev
}

// stop ends every track. The stream is audio-only afterwards with no audio.
func (s *LocalStream) stop() {
	s.mu.Lock()
	audio, video := s.audio, s.video
	s.audio, s.video = nil, nil
	s.mu.Unlock()

	if video != nil {
		video.Stop()
	}
	if audio != nil {
		audio.Stop()
	}
}
