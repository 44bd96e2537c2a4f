package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/pion/stun/v3"
	"gopkg.in/yaml.v2"
)

type TURNServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		// Address is where cmd/signal listens; URL is what sessions dial.
		Address         string                `yaml:"address"`
		URL             string                `yaml:"url"`
		PingInterval    time.Duration         `yaml:"ping_interval"`
		ReadTimeout     time.Duration         `yaml:"read_timeout"`
		WriteTimeout    time.Duration         `yaml:"write_timeout"`
		DialTimeout     time.Duration         `yaml:"dial_timeout"`
		MaxRoomSize     int                   `yaml:"max_room_size"`
		ShutdownTimeout time.Duration         `yaml:"shutdown_timeout"`
		Reconnect       bool                  `yaml:"reconnect"`
		Retry           retry.Config          `yaml:"retry"`
		Breaker         circuitbreaker.Config `yaml:"breaker"`
	} `yaml:"signal"`

	WebRTC struct {
		STUNServers []string     `yaml:"stun_servers"`
		TURNServers []TURNServer `yaml:"turn_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		InitialBitrate int `yaml:"initial_bitrate"`
		MinBitrate     int `yaml:"min_bitrate"`
		MaxBitrate     int `yaml:"max_bitrate"`
	} `yaml:"webrtc"`

	Session struct {
		Room          string        `yaml:"room"`
		PeerID        string        `yaml:"peer_id"`
		MaxPeers      int           `yaml:"max_peers"`
		StatsInterval time.Duration `yaml:"stats_interval"`
		Debounce      time.Duration `yaml:"debounce"`
		SampleWindow  int           `yaml:"sample_window"`
		DefaultTier   string        `yaml:"default_tier"`
	} `yaml:"session"`

	Media struct {
		AudioEnabled     bool `yaml:"audio_enabled"`
		VideoEnabled     bool `yaml:"video_enabled"`
		PermissionDenied bool `yaml:"permission_denied"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		StatsStaleAfter     time.Duration `yaml:"stats_stale_after"`
		STUNProbe           bool          `yaml:"stun_probe"`
		STUNProbeTimeout    time.Duration `yaml:"stun_probe_timeout"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled        bool          `yaml:"enabled"`
		Address        string        `yaml:"address"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		PoolSize       int           `yaml:"pool_size"`
		EventQueueSize int           `yaml:"event_queue_size"`
		PresenceTTL    time.Duration `yaml:"presence_ttl"`
	} `yaml:"redis"`

	Tracing tracing.Config `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if err := validation.ValidateSignalURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.ReadTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.read_timeout must exceed signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxRoomSize < 0 {
		return fmt.Errorf("signal.max_room_size must be >= 0")
	}
	if c.Signal.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("signal.retry.max_attempts must be > 0")
	}

	if err := c.validateICE(); err != nil {
		return err
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if err := validation.ValidateBitrateRange(c.WebRTC.MinBitrate, c.WebRTC.InitialBitrate, c.WebRTC.MaxBitrate); err != nil {
		return fmt.Errorf("webrtc bitrates: %w", err)
	}
	if need := domain.RequiredEstimate(domain.RichestTier()); c.WebRTC.MaxBitrate < need {
		return fmt.Errorf("webrtc.max_bitrate %d kbps cannot reach tier %s, need at least %d",
			c.WebRTC.MaxBitrate, domain.TierRichest, need)
	}

	if err := validation.ValidateRoom(c.Session.Room); err != nil {
		return fmt.Errorf("session.room: %w", err)
	}
	if c.Session.PeerID != "" {
		if err := validation.ValidatePeerID(c.Session.PeerID); err != nil {
			return fmt.Errorf("session.peer_id: %w", err)
		}
	}
	if err := validation.ValidateMaxPeers(c.Session.MaxPeers); err != nil {
		return fmt.Errorf("session.max_peers: %w", err)
	}
	if c.Session.StatsInterval <= 0 {
		return fmt.Errorf("session.stats_interval must be > 0")
	}
	if c.Session.Debounce <= 0 {
		return fmt.Errorf("session.debounce must be > 0")
	}
	if c.Session.SampleWindow <= 0 {
		return fmt.Errorf("session.sample_window must be > 0")
	}
	if c.Session.DefaultTier == "" {
		return fmt.Errorf("session.default_tier must not be empty")
	}

	if !c.Media.AudioEnabled {
		return fmt.Errorf("media.audio_enabled must be true; audio is the fallback of last resort")
	}

	if c.Monitoring.HealthCheckInterval < 0 {
		return fmt.Errorf("monitoring.health_check_interval must be >= 0")
	}
	if c.Monitoring.STUNProbe && c.Monitoring.STUNProbeTimeout <= 0 {
		return fmt.Errorf("monitoring.stun_probe_timeout must be > 0 when stun_probe=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.EventQueueSize <= 0 {
			return fmt.Errorf("redis.event_queue_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.PresenceTTL <= 0 {
			return fmt.Errorf("redis.presence_ttl must be > 0 when redis.enabled=true")
		}
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

func (c *Config) validateICE() error {
	for _, raw := range c.WebRTC.STUNServers {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("webrtc.stun_servers: %q: %w", raw, err)
		}
		if uri.Scheme != stun.SchemeTypeSTUN && uri.Scheme != stun.SchemeTypeSTUNS {
			return fmt.Errorf("webrtc.stun_servers: %q is not a stun: URL", raw)
		}
	}
	for i, server := range c.WebRTC.TURNServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("webrtc.turn_servers[%d]: urls must not be empty", i)
		}
		for _, raw := range server.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return fmt.Errorf("webrtc.turn_servers[%d]: %q: %w", i, raw, err)
			}
			if uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS {
				return fmt.Errorf("webrtc.turn_servers[%d]: %q is not a turn: URL", i, raw)
			}
		}
		if server.Username == "" || server.Credential == "" {
			return fmt.Errorf("webrtc.turn_servers[%d]: username and credential are required", i)
		}
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.ReadTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.MaxRoomSize = 16
	cfg.Signal.ShutdownTimeout = 10 * time.Second
	cfg.Signal.Reconnect = true
	cfg.Signal.Retry = retry.DefaultConfig()
	cfg.Signal.Breaker = circuitbreaker.DefaultConfig()

	cfg.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}
	cfg.WebRTC.InitialBitrate = 1000
	cfg.WebRTC.MinBitrate = 30
	cfg.WebRTC.MaxBitrate = 3000

	cfg.Session.Room = "default"
	cfg.Session.MaxPeers = 8
	cfg.Session.StatsInterval = 5 * time.Second
	cfg.Session.Debounce = 2 * time.Second
	cfg.Session.SampleWindow = 10
	cfg.Session.DefaultTier = "high"

	cfg.Media.AudioEnabled = true
	cfg.Media.VideoEnabled = true

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second
	cfg.Monitoring.StatsStaleAfter = 30 * time.Second
	cfg.Monitoring.STUNProbeTimeout = 3 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventQueueSize = 256
	cfg.Redis.PresenceTTL = 30 * time.Second

	cfg.Tracing = tracing.DefaultConfig()

	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"MESHCALL_SERVER_ADDRESS":       &c.Server.Address,
		"MESHCALL_SIGNAL_ADDRESS":       &c.Signal.Address,
		"MESHCALL_SIGNAL_URL":           &c.Signal.URL,
		"MESHCALL_SESSION_ROOM":         &c.Session.Room,
		"MESHCALL_SESSION_PEER_ID":      &c.Session.PeerID,
		"MESHCALL_SESSION_DEFAULT_TIER": &c.Session.DefaultTier,
		"MESHCALL_LOG_LEVEL":            &c.Logging.Level,
		"MESHCALL_LOG_FORMAT":           &c.Logging.Format,
		"MESHCALL_REDIS_ADDRESS":        &c.Redis.Address,
		"MESHCALL_REDIS_PASSWORD":       &c.Redis.Password,
		"MESHCALL_JAEGER_URL":           &c.Tracing.JaegerURL,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("MESHCALL_STUN_SERVERS"); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		c.WebRTC.STUNServers = servers
	}
	if v := os.Getenv("MESHCALL_SESSION_MAX_PEERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHCALL_SESSION_MAX_PEERS: %w", err)
		}
		c.Session.MaxPeers = n
	}

	flags := map[string]*bool{
		"MESHCALL_REDIS_ENABLED":   &c.Redis.Enabled,
		"MESHCALL_TRACING_ENABLED": &c.Tracing.Enabled,
		"MESHCALL_VIDEO_ENABLED":   &c.Media.VideoEnabled,
	}
	for key, dst := range flags {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}
