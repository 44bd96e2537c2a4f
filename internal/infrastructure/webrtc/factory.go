package webrtc

import (
	"fmt"
	"time"

	"meshcall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the transport settings shared by every peer of a session.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	StatsInterval time.Duration
	// Congestion controller bounds, kbps.
	InitialBitrate int
	MinBitrate     int
	MaxBitrate     int
}

// DefaultConfig returns settings suitable for a public STUN-only mesh.
func DefaultConfig() Config {
	return Config{
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		StatsInterval:  DefaultStatsInterval,
		InitialBitrate: 1000,
		MinBitrate:     30,
		MaxBitrate:     3000,
	}
}

// Factory creates pion-backed peers. Each peer gets its own API so its
// congestion controller is bound to exactly one connection.
type Factory struct {
	config Config
	logger *zap.SugaredLogger
}

func NewFactory(config Config, logger *zap.SugaredLogger) *Factory {
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultStatsInterval
	}
	return &Factory{config: config, logger: logger}
}

func (f *Factory) NewPeer(cfg ports.PeerConfig) (ports.PeerConnection, error) {
	api, estimators, err := f.newAPI()
	if err != nil {
		return nil, err
	}
	return newPeer(api, estimators, f.config.ICEServers, f.config.StatsInterval, cfg, f.logger)
}

func (f *Factory) newAPI() (*webrtc.API, <-chan cc.BandwidthEstimator, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}

	congestionController, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		opts := []gcc.Option{}
		if f.config.InitialBitrate > 0 {
			opts = append(opts, gcc.SendSideBWEInitialBitrate(f.config.InitialBitrate*1000))
		}
		if f.config.MinBitrate > 0 {
			opts = append(opts, gcc.SendSideBWEMinBitrate(f.config.MinBitrate*1000))
		}
		if f.config.MaxBitrate > 0 {
			opts = append(opts, gcc.SendSideBWEMaxBitrate(f.config.MaxBitrate*1000))
		}
		return gcc.NewSendSideBWE(opts...)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create congestion controller: %w", err)
	}

	estimators := make(chan cc.BandwidthEstimator, 1)
	congestionController.OnNewPeerConnection(func(id string, estimator cc.BandwidthEstimator) {
		select {
		case estimators <- estimator:
		default:
		}
	})
	i.Add(congestionController)

	if err := webrtc.ConfigureTWCCHeaderExtensionSender(m, i); err != nil {
		return nil, nil, fmt.Errorf("failed to configure TWCC: %w", err)
	}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api, estimators, nil
}
