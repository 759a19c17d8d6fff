package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeProvider is a WebSocket server standing in for the upstream speech
// service. It records the handshake and everything the client sends.
type fakeProvider struct {
	server *httptest.Server

	authHeader chan string
	query      chan map[string]string
	binary     chan []byte
	text       chan []byte
	onConnect  func(conn *websocket.Conn)
}

func newFakeProvider(t *testing.T, onConnect func(conn *websocket.Conn)) *fakeProvider {
	t.Helper()

	fp := &fakeProvider{
		authHeader: make(chan string, 4),
		query:      make(chan map[string]string, 4),
		binary:     make(chan []byte, 32),
		text:       make(chan []byte, 32),
		onConnect:  onConnect,
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	fp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.authHeader <- r.Header.Get("Authorization")

		params := make(map[string]string)
		for key := range r.URL.Query() {
			params[key] = r.URL.Query().Get(key)
		}
		fp.query <- params

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}

		if fp.onConnect != nil {
			fp.onConnect(conn)
		}

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				fp.binary <- data
			case websocket.TextMessage:
				fp.text <- data
			}
		}
	}))

	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) wsURL() string {
	return "ws" + strings.TrimPrefix(fp.server.URL, "http")
}

func testClient(t *testing.T, fp *fakeProvider) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:   fp.wsURL(),
		APIKey:     "test-key",
		Model:      "rtx-1",
		Language:   "en",
		SampleRate: 16000,
		MaxRetries: 0,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("Event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Event{}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}, testLogger()); err == nil {
		t.Error("Expected error for missing endpoint")
	}

	if _, err := NewClient(Config{Endpoint: "ws://localhost"}, testLogger()); err == nil {
		t.Error("Expected error for missing API key")
	}

	client, err := NewClient(Config{Endpoint: "ws://localhost", APIKey: "k"}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.config.SampleRate != 16000 {
		t.Errorf("Expected default sample rate 16000, got %d", client.config.SampleRate)
	}
	if client.config.MinChunk != 50*time.Millisecond {
		t.Errorf("Expected default min chunk 50ms, got %v", client.config.MinChunk)
	}
	if client.config.MaxChunk != time.Second {
		t.Errorf("Expected default max chunk 1s, got %v", client.config.MaxChunk)
	}
}

func TestStartSessionHandshake(t *testing.T) {
	fp := newFakeProvider(t, nil)
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Stop()

	if got := <-fp.authHeader; got != "test-key" {
		t.Errorf("Expected API key in Authorization header, got %q", got)
	}

	params := <-fp.query
	if params["sample_rate"] != "16000" {
		t.Errorf("Expected sample_rate=16000, got %q", params["sample_rate"])
	}
	if params["model"] != "rtx-1" {
		t.Errorf("Expected model=rtx-1, got %q", params["model"])
	}
	if params["language"] != "en" {
		t.Errorf("Expected language=en, got %q", params["language"])
	}

	if session.ConversationID() != "conv-1" {
		t.Errorf("Expected conversation conv-1, got %q", session.ConversationID())
	}
	if client.ActiveSessions() != 1 {
		t.Errorf("Expected 1 active session, got %d", client.ActiveSessions())
	}
}

func TestStartSessionOptionsOverrideDefaults(t *testing.T) {
	fp := newFakeProvider(t, nil)
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{
		Model:    "rtx-2-large",
		Language: "uk",
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Stop()

	params := <-fp.query
	if params["model"] != "rtx-2-large" {
		t.Errorf("Expected model=rtx-2-large, got %q", params["model"])
	}
	if params["language"] != "uk" {
		t.Errorf("Expected language=uk, got %q", params["language"])
	}
	// The sample rate is fixed by the gateway's output format, not the caller.
	if params["sample_rate"] != "16000" {
		t.Errorf("Expected sample_rate=16000, got %q", params["sample_rate"])
	}
}

func TestSessionReceivesEvents(t *testing.T) {
	fp := newFakeProvider(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "begin", "id": "up-123"})
		conn.WriteJSON(map[string]any{
			"type": "transcript", "text": "hello world", "final": true,
			"start": 0.5, "end": 1.2,
		})
	})
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Stop()

	begin := waitEvent(t, session.Events())
	if begin.Type != EventBegin {
		t.Fatalf("Expected begin event, got %s", begin.Type)
	}
	if begin.SessionID != "up-123" {
		t.Errorf("Expected provider session ID up-123, got %q", begin.SessionID)
	}

	transcript := waitEvent(t, session.Events())
	if transcript.Type != EventTranscript {
		t.Fatalf("Expected transcript event, got %s", transcript.Type)
	}
	if transcript.Transcript != "hello world" || !transcript.Final {
		t.Errorf("Unexpected transcript event: %+v", transcript)
	}
	if transcript.Start != 0.5 || transcript.End != 1.2 {
		t.Errorf("Unexpected transcript timing: %+v", transcript)
	}
}

func TestSessionErrorEvent(t *testing.T) {
	fp := newFakeProvider(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "error", "code": 4002, "message": "bad audio"})
	})
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Stop()

	ev := waitEvent(t, session.Events())
	if ev.Type != EventError {
		t.Fatalf("Expected error event, got %s", ev.Type)
	}
	if ev.Code != 4002 || ev.Message != "bad audio" {
		t.Errorf("Unexpected error event: %+v", ev)
	}
}

func TestSendAudioCoalescing(t *testing.T) {
	fp := newFakeProvider(t, nil)
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Stop()

	// 50ms at 16kHz mono 16-bit is 1600 bytes. Below that nothing should
	// be written upstream.
	if err := session.SendAudio(make([]byte, 800)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case data := <-fp.binary:
		t.Fatalf("Chunk of %d bytes sent below minimum size", len(data))
	case <-time.After(200 * time.Millisecond):
	}

	// Crossing the minimum flushes one sample-aligned chunk.
	if err := session.SendAudio(make([]byte, 1000)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case data := <-fp.binary:
		if len(data) != 1800 {
			t.Errorf("Expected 1800-byte chunk, got %d", len(data))
		}
		if len(data)%2 != 0 {
			t.Error("Chunk split a 16-bit sample")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for audio chunk")
	}
}

func TestFlushSendsRemainder(t *testing.T) {
	fp := newFakeProvider(t, nil)
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Stop()

	if err := session.SendAudio(make([]byte, 300)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	select {
	case data := <-fp.binary:
		if len(data) != 300 {
			t.Errorf("Expected 300-byte flush, got %d", len(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for flushed audio")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fp := newFakeProvider(t, nil)
	client := testClient(t, fp)

	session, err := client.StartSession(context.Background(), "conv-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := session.Stop(); err != nil {
		t.Errorf("First Stop failed: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}

	// Exactly one terminate message reaches the provider.
	select {
	case data := <-fp.text:
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "terminate" {
			t.Errorf("Expected terminate message, got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for terminate message")
	}

	select {
	case data := <-fp.text:
		t.Errorf("Unexpected second text message: %s", data)
	case <-time.After(200 * time.Millisecond):
	}

	if client.ActiveSessions() != 0 {
		t.Errorf("Expected 0 active sessions after Stop, got %d", client.ActiveSessions())
	}

	if err := session.SendAudio(make([]byte, 3200)); err == nil {
		t.Error("Expected SendAudio to fail on a stopped session")
	}
}

func TestStartSessionFailure(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint:       "ws://127.0.0.1:1", // nothing listens here
		APIKey:         "test-key",
		MaxRetries:     0,
		ConnectTimeout: time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.StartSession(context.Background(), "conv-1", StartOptions{}); err == nil {
		t.Fatal("Expected StartSession to fail")
	}

	stats := client.GetStats()
	if stats.SessionsFailed != 1 {
		t.Errorf("Expected 1 failed session, got %d", stats.SessionsFailed)
	}
	if stats.SessionsStarted != 0 {
		t.Errorf("Expected 0 started sessions, got %d", stats.SessionsStarted)
	}
}

func TestCheckCredentials(t *testing.T) {
	status := http.StatusOK
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		Endpoint:       "ws://localhost",
		StatusEndpoint: srv.URL,
		APIKey:         "test-key",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := client.CheckCredentials(context.Background()); err != nil {
		t.Errorf("Expected valid credentials, got %v", err)
	}
	if gotAuth != "test-key" {
		t.Errorf("Expected API key in Authorization header, got %q", gotAuth)
	}

	status = http.StatusUnauthorized
	err = client.CheckCredentials(context.Background())
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}

	status = http.StatusInternalServerError
	err = client.CheckCredentials(context.Background())
	if err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected generic status error, got %v", err)
	}
}

func TestCheckCredentialsUnreachable(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint:       "ws://localhost",
		StatusEndpoint: "http://127.0.0.1:1",
		APIKey:         "test-key",
		ConnectTimeout: time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	err = client.CheckCredentials(context.Background())
	if err == nil {
		t.Fatal("Expected error for unreachable provider")
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Error("Unreachable provider should not report invalid credentials")
	}
}
