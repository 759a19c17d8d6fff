package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocalbridge/voice-gateway/internal/audio"
	"github.com/vocalbridge/voice-gateway/internal/provider"
	"github.com/vocalbridge/voice-gateway/internal/ratelimit"
)

// maxRecordingBytes bounds the per-session debug recording buffer.
const maxRecordingBytes = 10 << 20

type sessionSetup struct {
	id             string
	conversationID string
	identity       string
	slotID         string
	conn           *websocket.Conn
	riskLevel      ratelimit.RiskLevel
	riskScore      float64
}

// Session is one live client connection moving through the bridge state
// machine. The inbound frame loop and the provider event relay run
// concurrently; teardown may be triggered from either side and runs its
// three steps exactly once.
type Session struct {
	h *Handler

	id             string
	conversationID string
	identity       string
	slotID         string
	conn           *websocket.Conn
	riskLevel      ratelimit.RiskLevel
	riskScore      float64
	startTime      time.Time

	writeMu sync.Mutex

	mu                 sync.RWMutex
	state              State
	providerSession    ProviderSession
	config             *SessionConfig
	lastActivity       time.Time
	framesReceived     uint64
	framesForwarded    uint64
	framesDropped      uint64
	transcriptsRelayed uint64
	recording          []byte
	recordingFull      bool

	done         chan struct{}
	teardownOnce sync.Once
}

// SessionInfo is a monitoring snapshot of one session.
type SessionInfo struct {
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversation_id"`
	Identity           string        `json:"identity"`
	SlotID             string        `json:"slot_id"`
	State              string        `json:"state"`
	RiskLevel          string        `json:"risk_level"`
	RiskScore          float64       `json:"risk_score"`
	StartTime          time.Time     `json:"start_time"`
	LastActivity       time.Time     `json:"last_activity"`
	Duration           time.Duration `json:"duration"`
	FramesReceived     uint64        `json:"frames_received"`
	FramesForwarded    uint64        `json:"frames_forwarded"`
	FramesDropped      uint64        `json:"frames_dropped"`
	TranscriptsRelayed uint64        `json:"transcripts_relayed"`
}

func newSession(h *Handler, setup sessionSetup) *Session {
	now := time.Now()
	return &Session{
		h:              h,
		id:             setup.id,
		conversationID: setup.conversationID,
		identity:       setup.identity,
		slotID:         setup.slotID,
		conn:           setup.conn,
		riskLevel:      setup.riskLevel,
		riskScore:      setup.riskScore,
		startTime:      now,
		state:          StateConnecting,
		lastActivity:   now,
		done:           make(chan struct{}),
	}
}

// run drives the session until it terminates. The deferred teardown is a
// no-op when an earlier path already tore the session down.
func (s *Session) run() {
	defer s.teardown("connection_closed", false)

	s.setState(StateAwaitingConfig)
	s.send(newSessionBeginMessage(s.id, s.conversationID))
	s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.HandshakeTimeout))

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		s.touch()

		switch msgType {
		case websocket.TextMessage:
			if !s.handleControl(data) {
				return
			}
		case websocket.BinaryMessage:
			if !s.handleFrame(data) {
				return
			}
		}
	}
}

// handleReadError classifies the read failure that ended the loop and
// tears the session down accordingly.
func (s *Session) handleReadError(err error) {
	if s.isDone() {
		// Teardown already closed the connection under us.
		return
	}

	var netErr net.Error
	if s.currentState() == StateAwaitingConfig && errors.As(err, &netErr) && netErr.Timeout() {
		s.h.logger.Warn("Configuration handshake timed out",
			slog.String("session_id", s.id),
			slog.String("conversation_id", s.conversationID),
			slog.Duration("timeout", s.h.cfg.HandshakeTimeout))
		s.sendError(errCodeProtocol, "configuration handshake timed out")
		s.teardown("handshake_timeout", true)
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		s.teardown("client_disconnect", false)
		return
	}

	s.h.logger.Debug("Read failed",
		slog.String("session_id", s.id),
		slog.String("error", err.Error()))
	s.teardown("read_error", false)
}

// handleControl processes one client text frame. It returns false when the
// session has ended.
func (s *Session) handleControl(data []byte) bool {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.protocolError("malformed control message")
		return false
	}

	switch msg.Type {
	case msgTypeConfig:
		return s.handleConfig(msg.Config)
	case msgTypeStop:
		if s.currentState() == StateAwaitingConfig {
			// The handshake admits exactly one message type.
			s.protocolError("received stop before configuration")
			return false
		}
		s.h.logger.Info("Client requested stop",
			slog.String("session_id", s.id),
			slog.String("conversation_id", s.conversationID))
		if ps := s.provider(); ps != nil {
			if err := ps.Flush(); err != nil {
				s.h.logger.Debug("Flush on stop failed",
					slog.String("session_id", s.id),
					slog.String("error", err.Error()))
			}
		}
		s.teardown("client_stop", false)
		return false
	default:
		s.protocolError(fmt.Sprintf("unexpected message type %q", msg.Type))
		return false
	}
}

// handleConfig completes the handshake: it starts the provider session and
// moves the bridge into the streaming state.
func (s *Session) handleConfig(cfg *SessionConfig) bool {
	if s.currentState() != StateAwaitingConfig {
		s.protocolError("configuration already received")
		return false
	}
	if cfg == nil {
		s.protocolError("config message carries no config body")
		return false
	}

	opts := provider.StartOptions{
		Model:    cfg.Model,
		Language: cfg.Language,
	}
	ps, err := s.h.deps.Provider.StartSession(s.h.ctx, s.conversationID, opts)
	if err != nil {
		if m := s.h.metrics; m != nil {
			m.RecordProviderSessionFailed()
		}
		s.h.logger.Error("Failed to start provider session",
			slog.String("session_id", s.id),
			slog.String("conversation_id", s.conversationID),
			slog.String("error", err.Error()))
		s.sendError(errCodeProvider, "failed to start transcription session")
		s.teardown("provider_start_failed", true)
		return false
	}

	if m := s.h.metrics; m != nil {
		m.RecordProviderSessionStarted()
	}

	s.mu.Lock()
	s.providerSession = ps
	s.config = cfg
	s.mu.Unlock()

	// Handshake satisfied; idleness is now the sweep routine's concern.
	s.conn.SetReadDeadline(time.Time{})
	s.setState(StateStreaming)

	go s.relayProviderEvents(ps)

	s.h.logger.Info("Session streaming",
		slog.String("session_id", s.id),
		slog.String("conversation_id", s.conversationID),
		slog.String("provider_session_id", ps.ID()),
		slog.String("model", cfg.Model),
		slog.String("language", cfg.Language))

	return true
}

// handleFrame runs one binary frame through the rate limiter, the
// normalizer, and the provider. A panic anywhere in the frame path drops
// that frame and keeps the session alive.
func (s *Session) handleFrame(frame []byte) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			s.h.logger.Error("Panic in frame path, dropping frame",
				slog.String("session_id", s.id),
				slog.Any("panic", r))
			s.dropFrame("panic")
		}
	}()

	s.mu.Lock()
	s.framesReceived++
	s.mu.Unlock()
	if m := s.h.metrics; m != nil {
		m.RecordFrameReceived()
	}

	switch s.currentState() {
	case StateStreaming:
	case StateAwaitingConfig:
		s.protocolError("binary frame before configuration")
		return false
	default:
		// Trailing frames during teardown are ignored.
		return true
	}

	decision := s.h.deps.Limiter.Check(s.conversationID, s.riskLevel, s.riskScore)
	if m := s.h.metrics; m != nil && decision.CooldownInstalled {
		m.RecordCooldownInstalled()
	}
	if !decision.Allowed {
		if m := s.h.metrics; m != nil {
			m.RecordRateLimitRejection(decision.Reason)
		}
		s.dropFrame(decision.Reason)
		s.send(newRateLimitedMessage(decision.Reason, decision.RetryAfter.Seconds()))
		return true
	}

	pcm, encoding := s.h.deps.Normalizer.Normalize(s.h.ctx, frame)
	if encoding != audio.EncodingPCM && !s.h.cfg.ForwardUnconverted {
		s.dropFrame("unconverted")
		return true
	}

	ps := s.provider()
	if ps == nil {
		s.dropFrame("no_provider")
		return true
	}

	if err := ps.SendAudio(pcm); err != nil {
		s.h.logger.Error("Failed to forward audio to provider",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		s.sendError(errCodeProvider, "failed to forward audio to provider")
		s.teardown("provider_send_failed", true)
		return false
	}

	s.mu.Lock()
	s.framesForwarded++
	s.appendRecordingLocked(pcm)
	s.mu.Unlock()
	if m := s.h.metrics; m != nil {
		m.RecordFrameForwarded()
	}

	return true
}

// relayProviderEvents forwards provider events to the client until the
// provider stream or the session ends. It runs independently of the
// inbound frame loop.
func (s *Session) relayProviderEvents(ps ProviderSession) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-ps.Events():
			if !ok {
				if !s.isDone() {
					s.sendError(errCodeProvider, "provider stream ended unexpectedly")
					s.teardown("provider_closed", true)
				}
				return
			}

			if m := s.h.metrics; m != nil {
				m.RecordProviderEvent(string(ev.Type))
			}

			switch ev.Type {
			case provider.EventBegin:
				s.h.logger.Debug("Provider session confirmed",
					slog.String("session_id", s.id),
					slog.String("provider_session_id", ev.SessionID))
			case provider.EventTranscript:
				s.send(newTranscriptMessage(ev.Transcript, ev.Final, ev.Start, ev.End))
				s.mu.Lock()
				s.transcriptsRelayed++
				s.mu.Unlock()
			case provider.EventTermination:
				s.teardown("provider_terminated", false)
				return
			case provider.EventError:
				s.h.logger.Warn("Provider reported error",
					slog.String("session_id", s.id),
					slog.Int("code", ev.Code),
					slog.String("message", ev.Message))
				s.sendError(errCodeProvider, ev.Message)
				s.teardown("provider_error", true)
				return
			}
		}
	}
}

// teardown ends the session. All three steps run exactly once regardless
// of which path triggered teardown, and a failure or panic in one step
// never prevents the others.
func (s *Session) teardown(reason string, errored bool) {
	s.teardownOnce.Do(func() {
		if errored {
			s.setState(StateErrored)
		} else {
			s.setState(StateClosing)
		}
		close(s.done)

		runStep := func(name string, fn func() error) {
			defer func() {
				if r := recover(); r != nil {
					s.h.logger.Error("Panic during teardown step",
						slog.String("session_id", s.id),
						slog.String("step", name),
						slog.Any("panic", r))
				}
			}()
			if err := fn(); err != nil {
				s.h.logger.Warn("Teardown step failed",
					slog.String("session_id", s.id),
					slog.String("step", name),
					slog.String("error", err.Error()))
			}
		}

		runStep("stop_provider", func() error {
			if ps := s.provider(); ps != nil {
				return ps.Stop()
			}
			return nil
		})

		runStep("release_slot", func() error {
			released := s.h.deps.Admitter.Release(context.Background(), s.conversationID, s.slotID, reason)
			if released {
				if m := s.h.metrics; m != nil {
					m.RecordSlotReleased(reason)
				}
			}
			return nil
		})

		runStep("close_transport", func() error {
			s.writeMu.Lock()
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			return s.conn.Close()
		})

		runStep("save_recording", s.saveRecording)

		if !errored {
			s.setState(StateClosed)
		}

		s.h.unregister(s.id)

		duration := time.Since(s.startTime)
		if m := s.h.metrics; m != nil {
			m.RecordSessionClosed(duration.Seconds(), errored)
		}

		s.mu.RLock()
		received := s.framesReceived
		forwarded := s.framesForwarded
		dropped := s.framesDropped
		transcripts := s.transcriptsRelayed
		s.mu.RUnlock()

		s.h.logger.Info("Session closed",
			slog.String("session_id", s.id),
			slog.String("conversation_id", s.conversationID),
			slog.String("reason", reason),
			slog.String("state", s.currentState().String()),
			slog.Duration("duration", duration),
			slog.Uint64("frames_received", received),
			slog.Uint64("frames_forwarded", forwarded),
			slog.Uint64("frames_dropped", dropped),
			slog.Uint64("transcripts_relayed", transcripts))
	})
}

// protocolError reports a protocol violation to the client and ends the
// session in the errored state.
func (s *Session) protocolError(message string) {
	s.h.logger.Warn("Protocol error",
		slog.String("session_id", s.id),
		slog.String("conversation_id", s.conversationID),
		slog.String("detail", message))
	s.sendError(errCodeProtocol, message)
	s.teardown("protocol_error", true)
}

func (s *Session) sendError(code, message string) {
	s.send(newErrorMessage(code, message))
}

// send writes one JSON message to the client. Writes are serialized and
// bounded; a failed write is logged, not escalated, because the read side
// notices a dead peer on its own.
func (s *Session) send(payload any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(payload); err != nil {
		s.h.logger.Debug("Failed to write to client",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
	}
}

func (s *Session) dropFrame(reason string) {
	s.mu.Lock()
	s.framesDropped++
	s.mu.Unlock()
	if m := s.h.metrics; m != nil {
		m.RecordFrameDropped(reason)
	}
	s.h.logger.Debug("Frame dropped",
		slog.String("session_id", s.id),
		slog.String("reason", reason))
}

func (s *Session) appendRecordingLocked(pcm []byte) {
	if s.h.cfg.DebugDumpDir == "" || s.recordingFull {
		return
	}
	if len(s.recording)+len(pcm) > maxRecordingBytes {
		s.recordingFull = true
		return
	}
	s.recording = append(s.recording, pcm...)
}

func (s *Session) saveRecording() error {
	if s.h.cfg.DebugDumpDir == "" {
		return nil
	}

	s.mu.RLock()
	pcm := s.recording
	s.mu.RUnlock()
	if len(pcm) == 0 {
		return nil
	}

	path := filepath.Join(s.h.cfg.DebugDumpDir, s.id+".wav")
	if err := audio.SaveWAVAtomic(path, pcm, s.h.cfg.SampleRate); err != nil {
		return err
	}

	s.h.logger.Debug("Saved session recording",
		slog.String("session_id", s.id),
		slog.String("path", path),
		slog.Int("bytes", len(pcm)))
	return nil
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.h.logger.Debug("Ignoring invalid state transition",
			slog.String("session_id", s.id),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return
	}
	s.state = to
	s.mu.Unlock()

	s.h.logger.Debug("Session state changed",
		slog.String("session_id", s.id),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

func (s *Session) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) provider() ProviderSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerSession
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Info returns a monitoring snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:                 s.id,
		ConversationID:     s.conversationID,
		Identity:           s.identity,
		SlotID:             s.slotID,
		State:              s.state.String(),
		RiskLevel:          string(s.riskLevel),
		RiskScore:          s.riskScore,
		StartTime:          s.startTime,
		LastActivity:       s.lastActivity,
		Duration:           time.Since(s.startTime),
		FramesReceived:     s.framesReceived,
		FramesForwarded:    s.framesForwarded,
		FramesDropped:      s.framesDropped,
		TranscriptsRelayed: s.transcriptsRelayed,
	}
}
