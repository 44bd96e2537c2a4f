package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/internal/infrastructure/media"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	relay "meshcall/internal/infrastructure/signal"
	"meshcall/internal/infrastructure/stunprobe"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not built yet.
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := domain.SessionID(uuid.NewString())
	peerID := domain.PeerID(cfg.Session.PeerID)
	if peerID == "" {
		peerID = domain.PeerID(utils.GeneratePeerID())
	}
	log = log.With("session_id", sessionID, "peer_id", peerID, "room", cfg.Session.Room)

	if cfg.Monitoring.STUNProbe {
		go probeNAT(ctx, cfg, log.Named("stun"))
	}

	// Signaling
	clientCfg := relay.DefaultClientConfig()
	clientCfg.URL = cfg.Signal.URL
	clientCfg.Room = cfg.Session.Room
	clientCfg.PeerID = peerID
	clientCfg.DialTimeout = cfg.Signal.DialTimeout
	clientCfg.WriteTimeout = cfg.Signal.WriteTimeout
	clientCfg.Reconnect = cfg.Signal.Reconnect
	clientCfg.Retry = cfg.Signal.Retry
	clientCfg.Breaker = cfg.Signal.Breaker

	transport, err := relay.Dial(ctx, clientCfg, log.Named("signal"))
	if err != nil {
		log.Fatalw("failed to connect to signaling relay", "url", cfg.Signal.URL, "error", err)
	}

	// Session
	factory := webrtcinfra.NewFactory(peerFactoryConfig(cfg), log.Named("webrtc"))
	devices := media.NewDevices(media.DevicesConfig{
		AudioEnabled:     cfg.Media.AudioEnabled,
		VideoEnabled:     cfg.Media.VideoEnabled,
		PermissionDenied: cfg.Media.PermissionDenied,
	}, log.Named("media"))
	audio := media.NewAudioSubsystem(log.Named("audio"))

	engine, err := services.NewSessionEngine(services.SessionConfig{
		ID:           sessionID,
		MaxPeers:     cfg.Session.MaxPeers,
		DefaultTier:  domain.TierName(cfg.Session.DefaultTier),
		Debounce:     cfg.Session.Debounce,
		SampleWindow: cfg.Session.SampleWindow,
	}, services.SessionDeps{
		Devices:   devices,
		Audio:     audio,
		Factory:   factory,
		Transport: transport,
	}, log.Named("session"))
	if err != nil {
		log.Fatalw("failed to create session", "error", err)
	}

	// Observability
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector := monitoring.NewPrometheusCollector(reg)
		defer engine.Subscribe(collector.Observe)()
		gatherer = reg
		log.Info("prometheus metrics enabled")
	}

	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddSessionCheck(engine.Stats, cfg.Monitoring.StatsStaleAfter, cfg.Monitoring.HealthCheckInterval)

	var (
		redisClient  *redis.Client
		eventBus     *distributed.EventBus
		presenceDone chan struct{}
	)
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, distributed.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log.Named("redis"))
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		health.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, 2*time.Second)

		instanceID := utils.GenerateID("instance")
		busCfg := distributed.DefaultEventBusConfig()
		busCfg.QueueSize = cfg.Redis.EventQueueSize
		eventBus = distributed.NewEventBus(redisClient, sessionID, instanceID, busCfg, log.Named("events"))
		defer engine.Subscribe(eventBus.Observe)()

		presence := distributed.NewPresenceRegistry(redisClient, cfg.Session.Room, instanceID, cfg.Redis.PresenceTTL, log.Named("presence"))
		presenceDone = make(chan struct{})
		go func() {
			defer close(presenceDone)
			presence.Heartbeat(ctx, cfg.Redis.PresenceTTL/3, func() distributed.Member {
				stats := engine.Stats()
				return distributed.Member{
					SessionID:      sessionID,
					PeerID:         peerID,
					Tier:           stats.Tier,
					ConnectedPeers: stats.ConnectedPeers,
				}
			})
		}()
	}
	health.StartBackgroundChecks(ctx)

	if err := engine.Start(ctx); err != nil {
		log.Fatalw("failed to start session", "error", err)
	}

	// Control API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(log.Named("http"))),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(middleware.DomainErrorMapper(), log.Named("http")),
	)
	httphandlers.NewHealthHandler(health, gatherer).SetupRoutes(router)
	httphandlers.NewSessionHandler(engine).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting control API", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- engine.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case err := <-sessionDone:
		log.Warnw("session loop ended", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down session...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := engine.Close(); err != nil {
		log.Errorw("error closing session", "error", err)
	}
	if err := transport.Close(); err != nil {
		log.Errorw("error closing signal client", "error", err)
	}
	// Stops the heartbeat, which unregisters presence, and the health checks.
	cancel()
	if presenceDone != nil {
		<-presenceDone
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Errorw("error closing event bus", "error", err)
		}
		log.Infow("event bus closed", "dropped", eventBus.Dropped())
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("session stopped")
}

func peerFactoryConfig(cfg *config.Config) webrtcinfra.Config {
	fc := webrtcinfra.DefaultConfig()
	fc.ICEServers = iceServers(cfg)
	fc.PortRange.Min = cfg.WebRTC.PortRange.Min
	fc.PortRange.Max = cfg.WebRTC.PortRange.Max
	fc.StatsInterval = cfg.Session.StatsInterval
	fc.InitialBitrate = cfg.WebRTC.InitialBitrate
	fc.MinBitrate = cfg.WebRTC.MinBitrate
	fc.MaxBitrate = cfg.WebRTC.MaxBitrate
	return fc
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.WebRTC.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.WebRTC.STUNServers})
	}
	for _, s := range cfg.WebRTC.TURNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:           s.URLs,
			Username:       s.Username,
			Credential:     s.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

func probeNAT(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) {
	result, err := stunprobe.NewProber(cfg.WebRTC.STUNServers, cfg.Monitoring.STUNProbeTimeout, log).Probe(ctx)
	if err != nil {
		log.Warnw("STUN probe failed", "error", err)
		return
	}
	log.Infow("STUN probe complete",
		"mapped_address", result.MappedAddress,
		"nat", result.NAT,
		"failed_servers", len(result.Failed),
	)
}
