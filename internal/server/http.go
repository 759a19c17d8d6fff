package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalbridge/voice-gateway/internal/admission"
	"github.com/vocalbridge/voice-gateway/internal/audio"
	"github.com/vocalbridge/voice-gateway/internal/bridge"
	"github.com/vocalbridge/voice-gateway/internal/config"
	"github.com/vocalbridge/voice-gateway/internal/metrics"
	"github.com/vocalbridge/voice-gateway/internal/provider"
	"github.com/vocalbridge/voice-gateway/internal/ratelimit"
)

// Components are the gateway subsystems the API surface exposes and
// reports on
type Components struct {
	Bridge     *bridge.Handler
	Admission  *admission.Controller
	RateLimit  *ratelimit.Limiter
	Normalizer *audio.Normalizer
	Provider   *provider.Client
	Metrics    *metrics.Metrics
}

// HTTPServer serves the streaming entrypoint plus monitoring and
// management endpoints
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	components Components

	startTime time.Time
}

// NewHTTPServer creates the gateway HTTP server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, components Components) *HTTPServer {
	h := &HTTPServer{
		logger:     logger,
		config:     cfg,
		components: components,
		startTime:  time.Now(),
	}

	r := chi.NewRouter()
	h.setupRoutes(r)

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures the HTTP routes
func (h *HTTPServer) setupRoutes(r chi.Router) {
	// Streaming entrypoint. The socket outlives the HTTP request, so the
	// bridge records its own metrics instead of the request middleware.
	r.Get("/ws/conversations/{conversationID}", h.handleConversation)

	r.Group(func(r chi.Router) {
		r.Use(h.withMetrics)

		r.Get("/", h.handleRoot)
		r.Get("/health", h.handleHealth)
		r.Get("/status", h.handleStatus)
		r.Get("/sessions", h.handleSessions)
		r.Get("/stats", h.handleStats)
		r.Get("/config", h.handleConfig)

		// Management operations require the shared admin token
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdminToken)
			r.Post("/sessions/{sessionID}/penalty", h.handleApplyPenalty)
			r.Delete("/sessions/{sessionID}/limits", h.handleClearLimits)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
}

// withMetrics wraps an HTTP handler with request metrics collection
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.components.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		// The route pattern is resolved during routing, so it is read
		// after the handler has run.
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.components.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.components.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// requireAdminToken rejects management requests without the shared token.
// An empty configured token disables the check.
func (h *HTTPServer) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.config.Auth.Token
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleConversation upgrades the connection and hands it to the bridge
func (h *HTTPServer) handleConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		http.Error(w, "Conversation ID required", http.StatusBadRequest)
		return
	}

	h.components.Bridge.HandleConversation(w, r, conversationID)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	admissionStats := h.components.Admission.Stats(r.Context())
	audioStats := h.components.Normalizer.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "voice-gateway",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"admission": map[string]interface{}{
				"status":       "running",
				"active_slots": admissionStats.ActiveSlots,
				"capacity":     admissionStats.Capacity,
			},
			"bridge": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.components.Bridge.ActiveSessions(),
			},
			"ratelimit": map[string]interface{}{
				"status":           "running",
				"active_windows":   h.components.RateLimit.Stats().ActiveWindows,
				"active_cooldowns": h.components.RateLimit.Stats().ActiveCooldowns,
			},
			"audio": map[string]interface{}{
				"status":             "running",
				"transcoder_present": audioStats.TranscoderPresent,
			},
			"provider": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.components.Provider.ActiveSessions(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStatus implements the /status endpoint. It probes the upstream
// provider, so each call performs one outbound request.
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	credErr := h.components.Provider.CheckCredentials(ctx)

	providerStatus := map[string]interface{}{
		"available":         credErr == nil,
		"credentials_valid": credErr == nil,
		"model":             h.components.Provider.Model(),
		"language":          h.components.Provider.Language(),
	}
	switch {
	case credErr == nil:
	case errors.Is(credErr, provider.ErrInvalidCredentials):
		// The provider answered, it just refused our key
		providerStatus["available"] = true
		providerStatus["detail"] = "credentials rejected"
	default:
		providerStatus["detail"] = credErr.Error()
	}

	status := map[string]interface{}{
		"provider": providerStatus,
		"sessions": map[string]interface{}{
			"active":   h.components.Bridge.ActiveSessions(),
			"capacity": h.components.Admission.Capacity(),
		},
		"audio": map[string]interface{}{
			"transcoder_present": h.components.Normalizer.Available(),
			"target_sample_rate": h.components.Normalizer.TargetSampleRate(),
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.components.Bridge.Sessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"admission": h.components.Admission.Stats(r.Context()),
		"ratelimit": h.components.RateLimit.Stats(),
		"audio":     h.components.Normalizer.Stats(),
		"provider":  h.components.Provider.GetStats(),
		"sessions": map[string]interface{}{
			"active_count": h.components.Bridge.ActiveSessions(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleApplyPenalty implements POST /sessions/{sessionID}/penalty
func (h *HTTPServer) handleApplyPenalty(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	minutes := 5
	if v := r.URL.Query().Get("minutes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 1440 {
			http.Error(w, "minutes must be between 1 and 1440", http.StatusBadRequest)
			return
		}
		minutes = parsed
	}

	h.components.RateLimit.ApplyPenalty(sessionID, time.Duration(minutes)*time.Minute)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "penalty_applied",
		"session_id": sessionID,
		"minutes":    minutes,
	})
}

// handleClearLimits implements DELETE /sessions/{sessionID}/limits
func (h *HTTPServer) handleClearLimits(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	h.components.RateLimit.ClearSession(sessionID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "limits_cleared",
		"session_id": sessionID,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":    h.config.Server.Port,
			"address": h.config.Server.Address,
		},
		"admission": map[string]interface{}{
			"capacity": h.config.Admission.Capacity,
			"store":    h.config.Admission.Store,
		},
		"audio": map[string]interface{}{
			"target_sample_rate":  h.config.Audio.TargetSampleRate,
			"transcode_timeout":   h.config.Audio.TranscodeTimeout,
			"forward_unconverted": h.config.Audio.ForwardUnconverted,
		},
		"ratelimit": map[string]interface{}{
			"cooldown_minutes":      h.config.RateLimit.CooldownMinutes,
			"idle_eviction_minutes": h.config.RateLimit.IdleEvictionMinutes,
		},
		"bridge": map[string]interface{}{
			"handshake_timeout": h.config.Bridge.HandshakeTimeout,
			"idle_timeout":      h.config.Bridge.IdleTimeout,
			"read_limit":        h.config.Bridge.ReadLimit,
		},
		"provider": map[string]interface{}{
			"endpoint":        h.config.Provider.Endpoint,
			"model":           h.config.Provider.Model,
			"language":        h.config.Provider.Language,
			"connect_timeout": h.config.Provider.ConnectTimeout,
			"max_retries":     h.config.Provider.MaxRetries,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Voice Gateway",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /ws/conversations/{conversation_id}": "Streaming audio entrypoint (WebSocket)",
			"GET /":                                  "API documentation",
			"GET /health":                            "Service health check",
			"GET /status":                            "Provider availability and credential status",
			"GET /sessions":                          "List active streaming sessions",
			"GET /stats":                             "Get service statistics",
			"GET /config":                            "Get service configuration",
			"GET /metrics":                           "Prometheus metrics",
			"POST /sessions/{session_id}/penalty":    "Apply a rate limit penalty (admin)",
			"DELETE /sessions/{session_id}/limits":   "Clear rate limit state (admin)",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
