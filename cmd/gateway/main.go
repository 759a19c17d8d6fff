package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vocalbridge/voice-gateway/internal/admission"
	"github.com/vocalbridge/voice-gateway/internal/audio"
	"github.com/vocalbridge/voice-gateway/internal/bridge"
	"github.com/vocalbridge/voice-gateway/internal/config"
	"github.com/vocalbridge/voice-gateway/internal/metrics"
	"github.com/vocalbridge/voice-gateway/internal/provider"
	"github.com/vocalbridge/voice-gateway/internal/ratelimit"
	"github.com/vocalbridge/voice-gateway/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-gateway"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// A .env file is optional; plain environment overrides work without it
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("capacity", cfg.Admission.Capacity),
		slog.String("slot_store", cfg.Admission.Store),
		slog.Int("target_sample_rate", cfg.Audio.TargetSampleRate),
		slog.String("provider_endpoint", cfg.Provider.Endpoint),
		slog.String("provider_model", cfg.Provider.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Select the slot store backing the admission controller
	var slotStore admission.Store
	if cfg.Admission.Store == "redis" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("Failed to connect to Redis",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}

		slotStore = admission.NewRedisStore(redisClient, cfg.Admission.Capacity)
		logger.Info("Redis slot store connected", slog.String("addr", cfg.Redis.Addr))
	}

	controller := admission.NewController(cfg.Admission.Capacity, slotStore, logger)
	logger.Info("Admission controller initialized",
		slog.Int("capacity", cfg.Admission.Capacity),
	)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Cooldown:     cfg.RateLimit.GetCooldownDuration(),
		IdleEviction: cfg.RateLimit.GetIdleEvictionDuration(),
	}, logger)

	normalizer := audio.NewNormalizer(audio.Config{
		TargetSampleRate: cfg.Audio.TargetSampleRate,
		TranscodeTimeout: cfg.Audio.GetTranscodeTimeout(),
		FFmpegPath:       cfg.Audio.FFmpegPath,
	}, logger, appMetrics)

	providerClient, err := provider.NewClient(provider.Config{
		Endpoint:       cfg.Provider.Endpoint,
		StatusEndpoint: cfg.Provider.StatusEndpoint,
		APIKey:         cfg.Provider.APIKey,
		Model:          cfg.Provider.Model,
		Language:       cfg.Provider.Language,
		SampleRate:     cfg.Audio.TargetSampleRate,
		ConnectTimeout: cfg.Provider.GetConnectTimeout(),
		MaxRetries:     cfg.Provider.MaxRetries,
		MinChunk:       cfg.Provider.GetMinChunkDuration(),
		MaxChunk:       cfg.Provider.GetMaxChunkDuration(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create provider client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	bridgeHandler := bridge.NewHandler(bridge.Config{
		HandshakeTimeout:   cfg.Bridge.GetHandshakeTimeout(),
		IdleTimeout:        cfg.Bridge.GetIdleTimeout(),
		ReadLimit:          cfg.Bridge.ReadLimit,
		ForwardUnconverted: cfg.Audio.ForwardUnconverted,
		DebugDumpDir:       cfg.Audio.DebugDumpDir,
		SampleRate:         cfg.Audio.TargetSampleRate,
	}, bridge.Dependencies{
		Admitter:     controller,
		Limiter:      limiter,
		Normalizer:   normalizer,
		Provider:     &providerAdapter{client: providerClient},
		Risk:         staticRisk{level: ratelimit.RiskLevel(cfg.Risk.DefaultLevel), score: cfg.Risk.DefaultScore},
		Authenticate: makeAuthFunc(cfg.Auth.Token),
	}, logger, appMetrics)
	logger.Info("Session bridge initialized",
		slog.Duration("handshake_timeout", cfg.Bridge.GetHandshakeTimeout()),
		slog.Duration("idle_timeout", cfg.Bridge.GetIdleTimeout()),
	)

	httpServer := server.NewHTTPServer(cfg, logger, server.Components{
		Bridge:     bridgeHandler,
		Admission:  controller,
		RateLimit:  limiter,
		Normalizer: normalizer,
		Provider:   providerClient,
		Metrics:    appMetrics,
	})

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("listen_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new connections first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
	shutdownCancel()

	// Tear down in-flight sessions, then the subsystems they depend on
	bridgeCtx, bridgeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := bridgeHandler.Shutdown(bridgeCtx); err != nil {
		logger.Error("Error shutting down session bridge", slog.String("error", err.Error()))
	}
	bridgeCancel()

	providerClient.Close()
	limiter.Stop()
	controller.Shutdown(context.Background())

	// Get final statistics
	admissionStats := controller.Stats(context.Background())
	providerStats := providerClient.GetStats()
	logger.Info("Final gateway statistics",
		slog.Uint64("connections_accepted", admissionStats.Accepted),
		slog.Uint64("connections_rejected", admissionStats.Rejected),
		slog.Uint64("provider_sessions_started", providerStats.SessionsStarted),
		slog.Uint64("provider_sessions_failed", providerStats.SessionsFailed),
	)

	logger.Info("Service stopped")
}

// providerAdapter narrows the concrete provider client to the bridge's
// Provider interface, which deals in sessions as interface values.
type providerAdapter struct {
	client *provider.Client
}

func (a *providerAdapter) StartSession(ctx context.Context, conversationID string, opts provider.StartOptions) (bridge.ProviderSession, error) {
	session, err := a.client.StartSession(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// staticRisk applies the configured default posture to every caller
type staticRisk struct {
	level ratelimit.RiskLevel
	score float64
}

func (s staticRisk) Assess(conversationID, identity string) (ratelimit.RiskLevel, float64) {
	return s.level, s.score
}

// makeAuthFunc builds the connection authenticator. Browsers cannot set
// headers on WebSocket dials, so the token is also accepted as a query
// parameter. An empty configured token disables the check.
func makeAuthFunc(token string) bridge.AuthFunc {
	if token == "" {
		return nil
	}

	return func(r *http.Request) (string, error) {
		presented := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
		if presented != token {
			return "", fmt.Errorf("invalid connection token")
		}

		identity := r.URL.Query().Get("identity")
		if identity == "" {
			identity = r.RemoteAddr
		}
		return identity, nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
