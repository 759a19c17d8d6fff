package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
)

// ErrInvalidCredentials reports that the provider rejected the configured
// API key. Callers distinguish it from plain reachability failures.
var ErrInvalidCredentials = errors.New("provider rejected credentials")

// Config contains provider client configuration
type Config struct {
	// Endpoint is the provider's realtime WebSocket URL.
	Endpoint string
	// StatusEndpoint is the HTTP URL probed for availability and
	// credential checks. Optional.
	StatusEndpoint string
	APIKey         string
	Model          string
	Language       string
	// SampleRate of the PCM audio sent upstream, in Hz.
	SampleRate     int
	ConnectTimeout time.Duration
	MaxRetries     int
	// MinChunk and MaxChunk bound the audio chunks written upstream.
	MinChunk time.Duration
	MaxChunk time.Duration
}

// StartOptions carries the per-session provider options a client supplies
// during the configuration handshake. Empty fields fall back to the
// client-wide configuration.
type StartOptions struct {
	Model    string
	Language string
}

// ClientStats represents provider client statistics
type ClientStats struct {
	SessionsStarted uint64        `json:"sessions_started"`
	SessionsFailed  uint64        `json:"sessions_failed"`
	ActiveSessions  int           `json:"active_sessions"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgConnectTime  time.Duration `json:"avg_connect_time"`
}

// Client dials the upstream speech provider and tracks the sessions it has
// opened. A single client is shared by all gateway sessions.
type Client struct {
	config     Config
	logger     *slog.Logger
	dialer     *websocket.Dialer
	httpClient *http.Client

	mu              sync.RWMutex
	sessions        map[string]*Session
	sessionsStarted uint64
	sessionsFailed  uint64
	totalRetries    uint64
	avgConnectTime  time.Duration
}

// NewClient creates a provider client and validates its configuration.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MinChunk <= 0 {
		config.MinChunk = 50 * time.Millisecond
	}

	if config.MaxChunk <= 0 {
		config.MaxChunk = time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: config.ConnectTimeout,
	}

	httpClient := &http.Client{
		Timeout: config.ConnectTimeout,
	}

	return &Client{
		config:     config,
		logger:     logger,
		dialer:     dialer,
		httpClient: httpClient,
		sessions:   make(map[string]*Session),
	}, nil
}

// StartSession opens a realtime session with the provider for one
// conversation. It retries the dial with exponential backoff before giving
// up.
func (c *Client) StartSession(ctx context.Context, conversationID string, opts StartOptions) (*Session, error) {
	endpoint, err := c.sessionURL(opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", c.config.APIKey)

	startTime := time.Now()

	var conn *websocket.Conn
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.totalRetries++
			c.mu.Unlock()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, _, lastErr = c.dialer.DialContext(ctx, endpoint, headers)
		if lastErr == nil {
			break
		}

		c.logger.Warn("Provider dial failed",
			slog.String("conversation_id", conversationID),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}

	if lastErr != nil {
		c.mu.Lock()
		c.sessionsFailed++
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to connect to provider after %d attempts: %w", c.config.MaxRetries+1, lastErr)
	}

	session := newSession(sessionParams{
		id:             uuid.New().String(),
		conversationID: conversationID,
		conn:           conn,
		logger:         c.logger,
		sampleRate:     c.config.SampleRate,
		minChunk:       c.config.MinChunk,
		maxChunk:       c.config.MaxChunk,
		onClose:        c.unregister,
	})

	c.mu.Lock()
	c.sessions[session.ID()] = session
	c.sessionsStarted++
	connectTime := time.Since(startTime)
	if c.avgConnectTime == 0 {
		c.avgConnectTime = connectTime
	} else {
		c.avgConnectTime = (c.avgConnectTime + connectTime) / 2
	}
	c.mu.Unlock()

	go session.readLoop()

	c.logger.Info("Provider session started",
		slog.String("session_id", session.ID()),
		slog.String("conversation_id", conversationID),
		slog.Duration("connect_time", connectTime))

	return session, nil
}

// sessionURL builds the dial URL with session parameters in the query.
// Options supplied by the client override the configured defaults.
func (c *Client) sessionURL(opts StartOptions) (string, error) {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse provider endpoint: %w", err)
	}

	model := c.config.Model
	if opts.Model != "" {
		model = opts.Model
	}
	language := c.config.Language
	if opts.Language != "" {
		language = opts.Language
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.config.SampleRate))
	if model != "" {
		q.Set("model", model)
	}
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// CheckCredentials probes the provider's status endpoint. It returns
// ErrInvalidCredentials when the provider answers with an auth failure and
// a plain error when the provider cannot be reached at all.
func (c *Client) CheckCredentials(ctx context.Context) error {
	endpoint := c.config.StatusEndpoint
	if endpoint == "" {
		return fmt.Errorf("no status endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Authorization", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrInvalidCredentials
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("provider status check failed: HTTP %d", resp.StatusCode)
	}

	return nil
}

// Model returns the configured provider model.
func (c *Client) Model() string {
	return c.config.Model
}

// Language returns the configured transcription language.
func (c *Client) Language() string {
	return c.config.Language
}

// ActiveSessions returns the number of currently open provider sessions.
func (c *Client) ActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Client) unregister(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		SessionsStarted: c.sessionsStarted,
		SessionsFailed:  c.sessionsFailed,
		ActiveSessions:  len(c.sessions),
		TotalRetries:    c.totalRetries,
		AvgConnectTime:  c.avgConnectTime,
	}
}

// Close stops every session still open.
func (c *Client) Close() error {
	c.mu.RLock()
	open := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.RUnlock()

	for _, s := range open {
		s.Stop()
	}

	return nil
}
