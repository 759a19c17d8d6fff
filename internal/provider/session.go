package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies a provider event.
type EventType string

const (
	EventBegin       EventType = "begin"
	EventTranscript  EventType = "transcript"
	EventTermination EventType = "termination"
	EventError       EventType = "error"
)

// Event is a message received from the provider, decoded into a flat form
// the bridge can forward without knowing the upstream wire format.
type Event struct {
	Type       EventType
	SessionID  string
	Transcript string
	Final      bool
	Start      float64
	End        float64
	Code       int
	Message    string
}

// Upstream wire messages.
type beginMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type transcriptMessage struct {
	Type  string  `json:"type"`
	Text  string  `json:"text"`
	Final bool    `json:"final"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type terminationMessage struct {
	Type                 string  `json:"type"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type terminateMessage struct {
	Type string `json:"type"`
}

// writeTimeout bounds a single write on the provider socket so a stalled
// peer cannot park the caller in a blocking write.
const writeTimeout = 5 * time.Second

type sessionParams struct {
	id             string
	conversationID string
	conn           *websocket.Conn
	logger         *slog.Logger
	sampleRate     int
	minChunk       time.Duration
	maxChunk       time.Duration
	onClose        func(sessionID string)
}

// Session is one realtime transcription stream. SendAudio coalesces PCM
// into chunks between the configured minimum and maximum durations before
// writing upstream, and Events delivers decoded provider messages until the
// session ends.
type Session struct {
	id             string
	conversationID string
	conn           *websocket.Conn
	logger         *slog.Logger
	onClose        func(sessionID string)

	bytesPerSecond int
	minChunkBytes  int
	maxChunkBytes  int

	writeMu      sync.Mutex
	buffer       []byte
	totalAudioMs float64

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func newSession(p sessionParams) *Session {
	bytesPerSecond := p.sampleRate * 2 // mono 16-bit
	minBytes := evenBytes(bytesPerSecond, p.minChunk)
	maxBytes := evenBytes(bytesPerSecond, p.maxChunk)
	if maxBytes < minBytes {
		maxBytes = minBytes
	}

	return &Session{
		id:             p.id,
		conversationID: p.conversationID,
		conn:           p.conn,
		logger:         p.logger,
		onClose:        p.onClose,
		bytesPerSecond: bytesPerSecond,
		minChunkBytes:  minBytes,
		maxChunkBytes:  maxBytes,
		buffer:         make([]byte, 0, maxBytes*2),
		events:         make(chan Event, 16),
		done:           make(chan struct{}),
	}
}

func evenBytes(bytesPerSecond int, d time.Duration) int {
	n := int(float64(bytesPerSecond) * d.Seconds())
	return (n / 2) * 2
}

// ID returns the provider-side session identifier.
func (s *Session) ID() string {
	return s.id
}

// ConversationID returns the conversation this session serves.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Events returns the channel of decoded provider messages. It is closed
// when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio buffers PCM bytes and flushes full chunks upstream. Chunks are
// aligned to sample boundaries so a 16-bit sample is never split.
func (s *Session) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session %s is closed", s.id)
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.buffer = append(s.buffer, pcm...)

	for len(s.buffer) >= s.minChunkBytes {
		chunkSize := len(s.buffer)
		if chunkSize > s.maxChunkBytes {
			chunkSize = s.maxChunkBytes
		}
		chunkSize = (chunkSize / 2) * 2
		if chunkSize == 0 {
			break
		}

		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, s.buffer[:chunkSize]); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}

		s.buffer = s.buffer[chunkSize:]
		s.totalAudioMs += float64(chunkSize) / float64(s.bytesPerSecond) * 1000
	}

	return nil
}

// Flush sends any buffered audio below the minimum chunk size.
func (s *Session) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunkSize := (len(s.buffer) / 2) * 2
	if chunkSize == 0 {
		return nil
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, s.buffer[:chunkSize]); err != nil {
		return fmt.Errorf("failed to flush audio: %w", err)
	}

	s.totalAudioMs += float64(chunkSize) / float64(s.bytesPerSecond) * 1000
	s.buffer = s.buffer[:0]

	return nil
}

// readLoop decodes provider messages into events until the connection
// closes. It is the only sender on the events channel and closes it on
// exit.
func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Expected close during teardown.
			default:
				s.logger.Warn("Provider connection lost",
					slog.String("session_id", s.id),
					slog.String("error", err.Error()))
				s.emit(Event{
					Type:      EventError,
					SessionID: s.id,
					Message:   fmt.Sprintf("provider connection lost: %v", err),
				})
			}
			return
		}

		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &base); err != nil {
			s.logger.Warn("Unparseable provider message",
				slog.String("session_id", s.id),
				slog.Int("bytes", len(message)))
			continue
		}

		switch base.Type {
		case "begin":
			var msg beginMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				s.logger.Debug("Provider session began",
					slog.String("session_id", s.id),
					slog.String("provider_id", msg.ID))
				s.emit(Event{Type: EventBegin, SessionID: msg.ID})
			}
		case "transcript":
			var msg transcriptMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				s.emit(Event{
					Type:       EventTranscript,
					SessionID:  s.id,
					Transcript: msg.Text,
					Final:      msg.Final,
					Start:      msg.Start,
					End:        msg.End,
				})
			}
		case "termination":
			var msg terminationMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				s.logger.Debug("Provider session terminated",
					slog.String("session_id", s.id),
					slog.Float64("audio_duration_seconds", msg.AudioDurationSeconds))
				s.emit(Event{Type: EventTermination, SessionID: s.id})
			}
			return
		case "error":
			var msg errorMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				s.emit(Event{
					Type:      EventError,
					SessionID: s.id,
					Code:      msg.Code,
					Message:   msg.Message,
				})
			}
		default:
			s.logger.Debug("Ignoring unknown provider message",
				slog.String("session_id", s.id),
				slog.String("type", base.Type))
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Stop terminates the session. It sends the terminate message, gives the
// provider a brief grace period, then closes the connection. Safe to call
// more than once.
func (s *Session) Stop() error {
	var err error

	s.stopOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		writeErr := s.conn.WriteJSON(terminateMessage{Type: "terminate"})
		s.writeMu.Unlock()

		if writeErr != nil {
			err = fmt.Errorf("failed to send terminate message: %w", writeErr)
		} else {
			// Give the terminate message time to reach the provider.
			time.Sleep(100 * time.Millisecond)
		}

		close(s.done)

		if closeErr := s.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}

		if s.onClose != nil {
			s.onClose(s.id)
		}

		s.logger.Info("Provider session stopped",
			slog.String("session_id", s.id),
			slog.String("conversation_id", s.conversationID),
			slog.Float64("audio_seconds", s.totalAudioMs/1000))
	})

	return err
}
