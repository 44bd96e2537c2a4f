package media

import (
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

var ErrAudioReleased = errors.New("audio subsystem released")

// AudioState is a snapshot of the encoder settings.
type AudioState struct {
	Bitrate  int
	UltraLow bool
	Released bool
}

// AudioSubsystem holds the outgoing audio encoder settings. An encoder
// pipeline reads them through State.
type AudioSubsystem struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state AudioState
}

func NewAudioSubsystem(logger *zap.SugaredLogger) *AudioSubsystem {
	return &AudioSubsystem{logger: logger}
}

// SetBitrate sets the encoder target. A bitrate above the lowest video tier's
// audio rate leaves ultra-low mode.
func (a *AudioSubsystem) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return fmt.Errorf("invalid audio bitrate %d", kbps)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Released {
		return ErrAudioReleased
	}
	a.state.Bitrate = kbps
	a.logger.Debugw("audio bitrate set", "bitrate_kbps", kbps)
	if a.state.UltraLow && kbps > domain.LowestVideoTier().AudioBitrate {
		a.state.UltraLow = false
		a.logger.Infow("audio ultra-low mode disabled", "bitrate_kbps", kbps)
	}
	return nil
}

// EnableUltraLowMode switches the encoder to its narrowband profile. It stays
// on while the bitrate does not exceed the lowest video tier's audio rate.
func (a *AudioSubsystem) EnableUltraLowMode() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Released {
		return ErrAudioReleased
	}
	if !a.state.UltraLow {
		a.state.UltraLow = true
		a.logger.Infow("audio ultra-low mode enabled")
	}
	return nil
}

func (a *AudioSubsystem) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Released {
		return ErrAudioReleased
	}
	a.state.Released = true
	return nil
}

func (a *AudioSubsystem) State() AudioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
