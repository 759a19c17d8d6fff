package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocalbridge/voice-gateway/internal/admission"
	"github.com/vocalbridge/voice-gateway/internal/audio"
	"github.com/vocalbridge/voice-gateway/internal/provider"
	"github.com/vocalbridge/voice-gateway/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeProviderSession records everything the bridge forwards and lets
// tests inject upstream events.
type fakeProviderSession struct {
	id string

	mu        sync.Mutex
	audio     [][]byte
	stops     int
	flushes   int
	sendErr   error
	panicNext bool

	events    chan provider.Event
	closeOnce sync.Once
}

func (f *fakeProviderSession) ID() string { return f.id }

func (f *fakeProviderSession) SendAudio(pcm []byte) error {
	f.mu.Lock()
	if f.panicNext {
		f.panicNext = false
		f.mu.Unlock()
		panic("simulated forwarding failure")
	}
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	f.audio = append(f.audio, buf)
	return nil
}

func (f *fakeProviderSession) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeProviderSession) Events() <-chan provider.Event { return f.events }

func (f *fakeProviderSession) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeProviderSession) emit(ev provider.Event) {
	f.events <- ev
}

func (f *fakeProviderSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeProviderSession) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeProviderSession) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.audio) == 0 {
		return nil
	}
	return f.audio[len(f.audio)-1]
}

func (f *fakeProviderSession) armPanic() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicNext = true
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions []*fakeProviderSession
	startErr error
	lastOpts provider.StartOptions
}

func (f *fakeProvider) StartSession(ctx context.Context, conversationID string, opts provider.StartOptions) (ProviderSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastOpts = opts
	s := &fakeProviderSession{
		id:     fmt.Sprintf("up-%d", len(f.sessions)+1),
		events: make(chan provider.Event, 16),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeProvider) startOptions() provider.StartOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

func (f *fakeProvider) failStarts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeProvider) last() *fakeProviderSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type stubRisk struct {
	mu    sync.Mutex
	level ratelimit.RiskLevel
	score float64
}

func (s *stubRisk) Assess(conversationID, identity string) (ratelimit.RiskLevel, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.score
}

func (s *stubRisk) set(level ratelimit.RiskLevel, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.score = score
}

type fixture struct {
	handler   *Handler
	admitter  *admission.Controller
	limiter   *ratelimit.Limiter
	providers *fakeProvider
	risk      *stubRisk
	server    *httptest.Server
}

func newFixture(t *testing.T, capacity int, cfg Config) *fixture {
	t.Helper()
	logger := testLogger()

	ctrl := admission.NewController(capacity, nil, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{}, logger)
	t.Cleanup(limiter.Stop)

	normalizer := audio.NewNormalizer(audio.Config{FFmpegPath: "/nonexistent/transcoder"}, logger, nil)
	providers := &fakeProvider{}
	risk := &stubRisk{level: ratelimit.RiskLow}

	h := NewHandler(cfg, Dependencies{
		Admitter:   ctrl,
		Limiter:    limiter,
		Normalizer: normalizer,
		Provider:   providers,
		Risk:       risk,
	}, logger, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conversationID := strings.TrimPrefix(r.URL.Path, "/ws/")
		h.HandleConversation(w, r, conversationID)
	}))

	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	return &fixture{
		handler:   h,
		admitter:  ctrl,
		limiter:   limiter,
		providers: providers,
		risk:      risk,
		server:    server,
	}
}

func (f *fixture) dial(t *testing.T, conversationID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/" + conversationID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func expectMessage(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	msg := readJSON(t, conn)
	if msg["type"] != wantType {
		t.Fatalf("Expected %q message, got %v", wantType, msg)
	}
	return msg
}

func sendConfig(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	err := conn.WriteJSON(map[string]any{
		"type":   "config",
		"config": map[string]any{"model": "rtx-1", "language": "en"},
	})
	if err != nil {
		t.Fatalf("Failed to send config: %v", err)
	}
}

func closeClient(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func activeSlots(t *testing.T, ctrl *admission.Controller) int {
	t.Helper()
	n, err := ctrl.Active(context.Background())
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	return n
}

func TestHandshakeAndFrameForwarding(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer closeClient(conn)

	begin := expectMessage(t, conn, "session_begin")
	if begin["conversation_id"] != "conv-1" {
		t.Errorf("Unexpected conversation in session_begin: %v", begin)
	}

	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	frame := []byte{0x00, 0x01, 0x02, 0x03}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	ps := f.providers.last()
	waitFor(t, 2*time.Second, func() bool {
		return ps.audioFrames() == 1
	}, "Frame never reached the provider")

	// Transcripts flow back independently of the frame loop.
	ps.emit(provider.Event{Type: provider.EventTranscript, Transcript: "hello world", Final: true, Start: 0.1, End: 0.9})

	transcript := expectMessage(t, conn, "transcript")
	if transcript["text"] != "hello world" || transcript["final"] != true {
		t.Errorf("Unexpected transcript payload: %v", transcript)
	}
}

func TestClientConfigReachesProvider(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer closeClient(conn)
	expectMessage(t, conn, "session_begin")

	err := conn.WriteJSON(map[string]any{
		"type":   "config",
		"config": map[string]any{"model": "rtx-2-large", "language": "uk"},
	})
	if err != nil {
		t.Fatalf("Failed to send config: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	opts := f.providers.startOptions()
	if opts.Model != "rtx-2-large" {
		t.Errorf("Requested model did not reach the provider, got %q", opts.Model)
	}
	if opts.Language != "uk" {
		t.Errorf("Requested language did not reach the provider, got %q", opts.Language)
	}
}

func TestCapacityRejection(t *testing.T) {
	f := newFixture(t, 1, Config{})

	// A occupies the single slot.
	connA := f.dial(t, "conv-a")
	expectMessage(t, connA, "session_begin")
	sendConfig(t, connA)
	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 1
	}, "Session A never registered")

	// B is turned away before ever reaching the streaming state.
	connB := f.dial(t, "conv-b")
	expectMessage(t, connB, "capacity_exceeded")
	connB.Close()

	stats := f.admitter.Stats(context.Background())
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejection, got %d", stats.Rejected)
	}
	if f.handler.ActiveSessions() != 1 {
		t.Errorf("Rejected connection must not occupy a session, have %d", f.handler.ActiveSessions())
	}

	// A leaves, freeing the slot for C.
	closeClient(connA)
	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released after disconnect")

	connC := f.dial(t, "conv-c")
	defer closeClient(connC)
	expectMessage(t, connC, "session_begin")
}

func TestRateLimitedFrameIsDroppedSessionSurvives(t *testing.T) {
	f := newFixture(t, 4, Config{})
	f.risk.set(ratelimit.RiskBlocked, 0.0)

	conn := f.dial(t, "conv-hot")
	defer closeClient(conn)
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	notice := expectMessage(t, conn, "rate_limited")
	if notice["reason"] != ratelimit.ReasonRateLimit {
		t.Errorf("Expected reason %q, got %v", ratelimit.ReasonRateLimit, notice["reason"])
	}

	if f.providers.last().audioFrames() != 0 {
		t.Error("Throttled frame must not reach the provider")
	}

	// The session is still alive and answers a clean stop.
	if err := conn.WriteJSON(map[string]any{"type": "stop"}); err != nil {
		t.Fatalf("Failed to send stop: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 0
	}, "Session did not close after stop")
}

func TestFrameForwardPanicIsContained(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer closeClient(conn)
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	ps := f.providers.last()
	ps.armPanic()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}); err != nil {
		t.Fatalf("Failed to send first frame: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		infos := f.handler.Sessions()
		return len(infos) == 1 && infos[0].FramesDropped == 1
	}, "Panicking forward was not counted as a drop")

	if f.handler.ActiveSessions() != 1 {
		t.Fatalf("Session must survive a forwarding panic, have %d", f.handler.ActiveSessions())
	}

	// The next frame goes through on the same session.
	second := []byte{0x0a, 0x0b, 0x0c, 0x0d}
	if err := conn.WriteMessage(websocket.BinaryMessage, second); err != nil {
		t.Fatalf("Failed to send second frame: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return ps.audioFrames() == 1
	}, "Frame after the panic never reached the provider")

	if got := ps.lastFrame(); !bytes.Equal(got, second) {
		t.Errorf("Provider received %x, want %x", got, second)
	}
}

func TestFrameBeforeConfigIsProtocolError(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	errMsg := expectMessage(t, conn, "error")
	if errMsg["code"] != "protocol_error" {
		t.Errorf("Expected protocol_error, got %v", errMsg)
	}

	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released after protocol error")
}

func TestStopBeforeConfigIsProtocolError(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")

	// Stop is only meaningful once streaming; during the handshake the
	// sole acceptable message is the configuration.
	if err := conn.WriteJSON(map[string]any{"type": "stop"}); err != nil {
		t.Fatalf("Failed to send stop: %v", err)
	}

	errMsg := expectMessage(t, conn, "error")
	if errMsg["code"] != "protocol_error" {
		t.Errorf("Expected protocol_error, got %v", errMsg)
	}

	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released after protocol error")
}

func TestUnknownControlMessageIsProtocolError(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")

	if err := conn.WriteJSON(map[string]any{"type": "subscribe"}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	errMsg := expectMessage(t, conn, "error")
	if errMsg["code"] != "protocol_error" {
		t.Errorf("Expected protocol_error, got %v", errMsg)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	f := newFixture(t, 4, Config{HandshakeTimeout: 200 * time.Millisecond})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")

	// Send nothing; the handshake deadline must fire.
	errMsg := expectMessage(t, conn, "error")
	if errMsg["code"] != "protocol_error" {
		t.Errorf("Expected protocol_error on handshake timeout, got %v", errMsg)
	}

	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released after handshake timeout")
}

func TestStopStopsProviderAndReleasesSlot(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	if err := conn.WriteJSON(map[string]any{"type": "stop"}); err != nil {
		t.Fatalf("Failed to send stop: %v", err)
	}

	ps := f.providers.last()
	waitFor(t, 2*time.Second, func() bool {
		return ps.stopCount() == 1
	}, "Provider session was not stopped")
	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released")
	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 0
	}, "Session was not unregistered")
}

func TestRecordingSavedOnTeardown(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, 4, Config{DebugDumpDir: dir, SampleRate: 16000})
	conn := f.dial(t, "conv-1")
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	// One second of silence at 16 kHz mono s16le.
	pcm := make([]byte, 32000)
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
	ps := f.providers.last()
	waitFor(t, 2*time.Second, func() bool {
		return ps.audioFrames() == 1
	}, "Frame never reached the provider")

	closeClient(conn)
	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 0
	}, "Session did not close")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".wav") {
		t.Fatalf("Expected a single .wav recording, got %v", entries)
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if err := audio.ValidateWAV(data); err != nil {
		t.Fatalf("Recording is not a well-formed WAV: %v", err)
	}
	dur, err := audio.WAVDuration(data)
	if err != nil {
		t.Fatalf("WAVDuration failed: %v", err)
	}
	if dur != 1.0 {
		t.Errorf("Expected a 1s recording, got %.3fs", dur)
	}
}

func TestProviderErrorReportedAndSessionTornDown(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	f.providers.last().emit(provider.Event{Type: provider.EventError, Code: 500, Message: "upstream exploded"})

	errMsg := expectMessage(t, conn, "error")
	if errMsg["code"] != "provider_error" {
		t.Errorf("Expected provider_error, got %v", errMsg)
	}
	if errMsg["message"] != "upstream exploded" {
		t.Errorf("Expected upstream message relayed, got %v", errMsg)
	}

	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released after provider error")
}

func TestProviderStartFailureReportedToClient(t *testing.T) {
	f := newFixture(t, 4, Config{})
	f.providers.failStarts(fmt.Errorf("provider down"))

	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	errMsg := expectMessage(t, conn, "error")
	if errMsg["code"] != "provider_error" {
		t.Errorf("Expected provider_error, got %v", errMsg)
	}

	waitFor(t, 2*time.Second, func() bool {
		return activeSlots(t, f.admitter) == 0
	}, "Slot was not released after provider start failure")
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, 4, Config{})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 1
	}, "Session never registered")
	waitFor(t, 2*time.Second, func() bool {
		return f.providers.last() != nil
	}, "Provider session was never started")

	f.handler.mu.RLock()
	var session *Session
	for _, s := range f.handler.sessions {
		session = s
	}
	f.handler.mu.RUnlock()
	if session == nil {
		t.Fatal("No session found")
	}

	// Simulates the race between client-disconnect and provider-error
	// triggered teardown.
	session.teardown("client_disconnect", false)
	session.teardown("provider_error", true)

	stats := f.admitter.Stats(context.Background())
	if stats.Released != 1 {
		t.Errorf("Expected exactly 1 slot release, got %d", stats.Released)
	}
	if got := f.providers.last().stopCount(); got != 1 {
		t.Errorf("Expected exactly 1 provider stop, got %d", got)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	f := newFixture(t, 4, Config{IdleTimeout: 50 * time.Millisecond})
	conn := f.dial(t, "conv-1")
	defer conn.Close()
	expectMessage(t, conn, "session_begin")
	sendConfig(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 1
	}, "Session never registered")

	time.Sleep(100 * time.Millisecond)
	f.handler.sweepIdleSessions()

	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 0
	}, "Idle session was not evicted")
	if activeSlots(t, f.admitter) != 0 {
		t.Error("Idle eviction must release the slot")
	}
}

func TestShutdownTearsDownAllSessionsConcurrently(t *testing.T) {
	f := newFixture(t, 4, Config{})

	conns := make([]*websocket.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn := f.dial(t, fmt.Sprintf("conv-%d", i))
		expectMessage(t, conn, "session_begin")
		sendConfig(t, conn)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	waitFor(t, 2*time.Second, func() bool {
		return f.handler.ActiveSessions() == 3
	}, "Sessions never registered")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.handler.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	if f.handler.ActiveSessions() != 0 {
		t.Errorf("Expected 0 sessions after shutdown, got %d", f.handler.ActiveSessions())
	}
	if activeSlots(t, f.admitter) != 0 {
		t.Error("Shutdown must release every slot")
	}
}

func TestAuthenticationRejectsBeforeUpgrade(t *testing.T) {
	logger := testLogger()
	ctrl := admission.NewController(2, nil, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{}, logger)
	t.Cleanup(limiter.Stop)
	normalizer := audio.NewNormalizer(audio.Config{FFmpegPath: "/nonexistent/transcoder"}, logger, nil)

	h := NewHandler(Config{}, Dependencies{
		Admitter:   ctrl,
		Limiter:    limiter,
		Normalizer: normalizer,
		Provider:   &fakeProvider{},
		Authenticate: func(r *http.Request) (string, error) {
			if r.Header.Get("Authorization") != "Bearer sesame" {
				return "", fmt.Errorf("bad token")
			}
			return "caller-7", nil
		},
	}, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleConversation(w, r, "conv-1")
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("Expected dial without credentials to fail")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer sesame")
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	if err != nil {
		t.Fatalf("Authenticated dial failed: %v", err)
	}
	defer closeClient(conn)
	expectMessage(t, conn, "session_begin")
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateConnecting, StateAwaitingConfig, true},
		{StateAwaitingConfig, StateStreaming, true},
		{StateStreaming, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateConnecting, StateStreaming, false},
		{StateStreaming, StateAwaitingConfig, false},
		{StateClosed, StateClosing, false},
		{StateStreaming, StateErrored, true},
		{StateAwaitingConfig, StateErrored, true},
		{StateClosed, StateErrored, false},
		{StateErrored, StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
