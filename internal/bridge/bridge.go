package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vocalbridge/voice-gateway/internal/admission"
	"github.com/vocalbridge/voice-gateway/internal/metrics"
	"github.com/vocalbridge/voice-gateway/internal/provider"
	"github.com/vocalbridge/voice-gateway/internal/ratelimit"
)

// Admitter grants and releases streaming slots.
type Admitter interface {
	Admit(ctx context.Context, conversationID, identity string) (*admission.Slot, error)
	Release(ctx context.Context, conversationID, slotID, reason string) bool
}

// RateLimiter decides whether a session may send another frame.
type RateLimiter interface {
	Check(sessionID string, level ratelimit.RiskLevel, score float64) ratelimit.Decision
}

// Normalizer converts inbound audio to canonical PCM.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte) ([]byte, string)
}

// ProviderSession is one live upstream transcription stream.
type ProviderSession interface {
	ID() string
	SendAudio(pcm []byte) error
	Flush() error
	Events() <-chan provider.Event
	Stop() error
}

// Provider opens upstream transcription sessions. The options carry the
// client's handshake choices; empty fields fall back to provider defaults.
type Provider interface {
	StartSession(ctx context.Context, conversationID string, opts provider.StartOptions) (ProviderSession, error)
}

// RiskAssessor supplies the risk posture of a caller. The bridge consults
// it once per session and feeds the result into every rate limit check.
type RiskAssessor interface {
	Assess(conversationID, identity string) (ratelimit.RiskLevel, float64)
}

// AuthFunc authenticates an upgrade request and returns the caller
// identity. A non-nil error rejects the connection before upgrade.
type AuthFunc func(r *http.Request) (string, error)

// Config contains bridge configuration
type Config struct {
	// HandshakeTimeout bounds the wait for the configuration message.
	HandshakeTimeout time.Duration
	// IdleTimeout evicts sessions with no inbound traffic.
	IdleTimeout time.Duration
	// ReadLimit caps the size of a single inbound frame in bytes.
	ReadLimit int64
	// ForwardUnconverted forwards frames the normalizer could not convert
	// instead of dropping them.
	ForwardUnconverted bool
	// DebugDumpDir, when set, receives a WAV recording of each session's
	// forwarded audio.
	DebugDumpDir string
	// SampleRate of forwarded PCM, used for debug recordings.
	SampleRate int
}

// Dependencies are the collaborators a Handler drives.
type Dependencies struct {
	Admitter     Admitter
	Limiter      RateLimiter
	Normalizer   Normalizer
	Provider     Provider
	Risk         RiskAssessor
	Authenticate AuthFunc
}

// Handler accepts WebSocket connections and runs one Session per client.
type Handler struct {
	cfg     Config
	deps    Dependencies
	logger  *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewHandler creates a bridge handler and starts its idle-session sweep.
// A nil metrics handle disables instrumentation.
func NewHandler(cfg Config, deps Dependencies, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20 // 1 MiB
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go h.startSweepRoutine()

	return h
}

// HandleConversation upgrades the request and runs the streaming session
// for one conversation. It blocks until the session ends.
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity := r.RemoteAddr
	if h.deps.Authenticate != nil {
		id, err := h.deps.Authenticate(r)
		if err != nil {
			h.logger.Warn("Rejected unauthenticated connection",
				slog.String("conversation_id", conversationID),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if id != "" {
			identity = id
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	slot, err := h.deps.Admitter.Admit(r.Context(), conversationID, identity)
	if err != nil {
		if errors.Is(err, admission.ErrCapacityExceeded) {
			h.rejectAtCapacity(conn, conversationID)
		} else {
			h.logger.Error("Admission failed",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()))
			writeControl(conn, newErrorMessage(errCodeInternal, "admission failed"))
			conn.Close()
		}
		return
	}

	if h.metrics != nil {
		h.metrics.RecordAdmissionAccepted()
	}

	level := ratelimit.RiskLow
	score := 0.0
	if h.deps.Risk != nil {
		level, score = h.deps.Risk.Assess(conversationID, identity)
	}

	session := newSession(h, sessionSetup{
		id:             ulid.Make().String(),
		conversationID: conversationID,
		identity:       identity,
		slotID:         slot.ID,
		conn:           conn,
		riskLevel:      level,
		riskScore:      score,
	})

	h.register(session)

	if h.metrics != nil {
		h.metrics.RecordSessionStarted()
	}

	h.logger.Info("Session connected",
		slog.String("session_id", session.id),
		slog.String("conversation_id", conversationID),
		slog.String("identity", identity),
		slog.String("slot_id", slot.ID),
		slog.String("risk_level", string(level)),
		slog.Float64("risk_score", score))

	session.run()
}

// rejectAtCapacity tells the client the gateway is full and closes. The
// session never progresses past the connecting state.
func (h *Handler) rejectAtCapacity(conn *websocket.Conn, conversationID string) {
	if h.metrics != nil {
		h.metrics.RecordAdmissionRejected()
	}

	h.logger.Warn("Connection rejected at capacity",
		slog.String("conversation_id", conversationID))

	writeControl(conn, newCapacityExceededMessage())
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "capacity exceeded"),
		time.Now().Add(time.Second))
	conn.Close()
}

func (h *Handler) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSlots(count)
	}
}

func (h *Handler) unregister(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	count := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSlots(count)
	}
}

// ActiveSessions returns the number of live streaming sessions.
func (h *Handler) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of all live sessions for monitoring.
func (h *Handler) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Shutdown tears down every active session concurrently and waits for
// completion or context expiry.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	active := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		active = append(active, s)
	}
	h.mu.RUnlock()

	h.logger.Info("Shutting down bridge",
		slog.Int("active_sessions", len(active)))

	var wg sync.WaitGroup
	for _, s := range active {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.teardown("server_shutdown", false)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		h.logger.Warn("Bridge shutdown timed out",
			slog.Int("remaining_sessions", h.ActiveSessions()))
	}

	h.cancel()
	<-h.cleanup

	h.logger.Info("Bridge stopped")
	return err
}

// startSweepRoutine evicts sessions whose client has gone silent past the
// idle timeout.
func (h *Handler) startSweepRoutine() {
	defer close(h.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	h.logger.Info("Session sweep routine started",
		slog.Duration("idle_timeout", h.cfg.IdleTimeout))

	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("Session sweep routine stopping")
			return
		case <-ticker.C:
			h.sweepIdleSessions()
		}
	}
}

func (h *Handler) sweepIdleSessions() {
	now := time.Now()

	h.mu.RLock()
	idle := make([]*Session, 0)
	for _, s := range h.sessions {
		if now.Sub(s.lastActivityTime()) > h.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()

	if len(idle) == 0 {
		return
	}

	h.logger.Info("Evicting idle sessions",
		slog.Int("idle_count", len(idle)))

	for _, s := range idle {
		s.sendError(errCodeProtocol, "session idle timeout")
		s.teardown("idle_timeout", false)
	}
}

// writeControl sends one JSON message on a connection that has no session
// yet. Write errors are ignored: the peer may already be gone.
func writeControl(conn *websocket.Conn, payload any) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(payload)
}
