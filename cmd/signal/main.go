package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	relay "meshcall/internal/infrastructure/signal"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	serverCfg := relay.DefaultServerConfig()
	serverCfg.PingInterval = cfg.Signal.PingInterval
	serverCfg.ReadTimeout = cfg.Signal.ReadTimeout
	serverCfg.WriteTimeout = cfg.Signal.WriteTimeout
	serverCfg.MaxRoomSize = cfg.Signal.MaxRoomSize
	if cfg.RateLimiting.Enabled {
		serverCfg.MessageRate = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}

	wsServer := relay.NewWebSocketServer(serverCfg, log.Named("relay"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWebSocket)
	mux.HandleFunc("/health", wsServer.HealthCheck)

	// Hijacked websocket connections are not bound by server timeouts.
	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Signal.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay",
			"address", cfg.Signal.Address,
			"max_room_size", serverCfg.MaxRoomSize,
			"message_rate", serverCfg.MessageRate,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("signaling relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	wsServer.Close()

	log.Info("signaling relay stopped")
}
