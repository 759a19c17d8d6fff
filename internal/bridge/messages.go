package bridge

// Client and server message types. Every text frame on the wire carries a
// "type" field from this closed set.
const (
	msgTypeConfig = "config"
	msgTypeStop   = "stop"

	msgTypeSessionBegin     = "session_begin"
	msgTypeTranscript       = "transcript"
	msgTypeError            = "error"
	msgTypeCapacityExceeded = "capacity_exceeded"
	msgTypeRateLimited      = "rate_limited"
)

// Error codes carried in error messages.
const (
	errCodeProtocol = "protocol_error"
	errCodeProvider = "provider_error"
	errCodeInternal = "internal_error"
)

// SessionConfig carries the provider options a client supplies during the
// configuration handshake.
type SessionConfig struct {
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// inboundMessage is the envelope for client text frames.
type inboundMessage struct {
	Type   string         `json:"type"`
	Config *SessionConfig `json:"config,omitempty"`
}

type sessionBeginMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

type transcriptMessage struct {
	Type  string  `json:"type"`
	Text  string  `json:"text"`
	Final bool    `json:"final"`
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type capacityExceededMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type rateLimitedMessage struct {
	Type              string  `json:"type"`
	Reason            string  `json:"reason"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

func newSessionBeginMessage(sessionID, conversationID string) sessionBeginMessage {
	return sessionBeginMessage{
		Type:           msgTypeSessionBegin,
		SessionID:      sessionID,
		ConversationID: conversationID,
	}
}

func newTranscriptMessage(text string, final bool, start, end float64) transcriptMessage {
	return transcriptMessage{
		Type:  msgTypeTranscript,
		Text:  text,
		Final: final,
		Start: start,
		End:   end,
	}
}

func newErrorMessage(code, message string) errorMessage {
	return errorMessage{
		Type:    msgTypeError,
		Code:    code,
		Message: message,
	}
}

func newCapacityExceededMessage() capacityExceededMessage {
	return capacityExceededMessage{
		Type:    msgTypeCapacityExceeded,
		Message: "gateway at capacity, retry later",
	}
}

func newRateLimitedMessage(reason string, retryAfterSeconds float64) rateLimitedMessage {
	return rateLimitedMessage{
		Type:              msgTypeRateLimited,
		Reason:            reason,
		RetryAfterSeconds: retryAfterSeconds,
	}
}
