package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Admission AdmissionConfig `yaml:"admission"`
	Redis     RedisConfig     `yaml:"redis"`
	Audio     AudioConfig     `yaml:"audio"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Risk      RiskConfig      `yaml:"risk"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Provider  ProviderConfig  `yaml:"provider"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// AuthConfig contains the connection authentication settings
type AuthConfig struct {
	Token string `yaml:"token"` // empty disables the shared-token check
}

// AdmissionConfig contains the admission controller settings
type AdmissionConfig struct {
	Capacity int    `yaml:"capacity"`
	Store    string `yaml:"store"` // "memory" or "redis"
}

// RedisConfig contains the shared slot store connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AudioConfig contains audio normalization parameters
type AudioConfig struct {
	TargetSampleRate   int    `yaml:"target_sample_rate"`
	TranscodeTimeout   int    `yaml:"transcode_timeout"` // seconds
	FFmpegPath         string `yaml:"ffmpeg_path"`       // empty resolves from PATH
	ForwardUnconverted bool   `yaml:"forward_unconverted"`
	DebugDumpDir       string `yaml:"debug_dump_dir"` // empty disables session recordings
}

// RateLimitConfig contains adaptive rate limiter settings
type RateLimitConfig struct {
	CooldownMinutes     int `yaml:"cooldown_minutes"`
	IdleEvictionMinutes int `yaml:"idle_eviction_minutes"`
}

// RiskConfig contains the fallback risk assessment applied when no external
// assessor is wired in
type RiskConfig struct {
	DefaultLevel string  `yaml:"default_level"`
	DefaultScore float64 `yaml:"default_score"`
}

// BridgeConfig contains streaming session bridge settings
type BridgeConfig struct {
	HandshakeTimeout int   `yaml:"handshake_timeout"` // seconds
	IdleTimeout      int   `yaml:"idle_timeout"`      // seconds, 0 disables the idle sweep
	ReadLimit        int64 `yaml:"read_limit"`        // max inbound frame size in bytes
}

// ProviderConfig contains streaming transcription provider settings
type ProviderConfig struct {
	Endpoint       string `yaml:"endpoint"`        // WebSocket URL
	StatusEndpoint string `yaml:"status_endpoint"` // HTTPS URL for credential probes
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries"`
	MinChunkMs     int    `yaml:"min_chunk_ms"`
	MaxChunkMs     int    `yaml:"max_chunk_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the configuration file, merges environment overrides, and validates
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv overrides secret-bearing fields from the environment so they can
// be kept out of the YAML file
func (c *Config) applyEnv() {
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission config: %w", err)
	}

	if c.Admission.Store == "redis" {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("ratelimit config: %w", err)
	}

	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}

	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates admission configuration
func (a *AdmissionConfig) Validate() error {
	if a.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", a.Capacity)
	}

	if a.Store != "memory" && a.Store != "redis" {
		return fmt.Errorf("store must be 'memory' or 'redis', got '%s'", a.Store)
	}

	return nil
}

// Validate validates redis configuration
func (r *RedisConfig) Validate() error {
	if r.Addr == "" {
		return fmt.Errorf("addr cannot be empty when the redis store is selected")
	}

	if r.DB < 0 {
		return fmt.Errorf("db cannot be negative, got %d", r.DB)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.TargetSampleRate < 8000 || a.TargetSampleRate > 48000 {
		return fmt.Errorf("target_sample_rate must be between 8000 and 48000 Hz, got %d", a.TargetSampleRate)
	}

	if a.TranscodeTimeout < 1 {
		return fmt.Errorf("transcode_timeout must be at least 1 second, got %d", a.TranscodeTimeout)
	}

	return nil
}

// Validate validates rate limiter configuration
func (r *RateLimitConfig) Validate() error {
	if r.CooldownMinutes < 1 {
		return fmt.Errorf("cooldown_minutes must be at least 1, got %d", r.CooldownMinutes)
	}

	if r.IdleEvictionMinutes < 1 {
		return fmt.Errorf("idle_eviction_minutes must be at least 1, got %d", r.IdleEvictionMinutes)
	}

	return nil
}

// Validate validates risk configuration
func (r *RiskConfig) Validate() error {
	validLevels := map[string]bool{
		"low": true, "medium": true, "high": true, "critical": true, "blocked": true,
	}
	if !validLevels[r.DefaultLevel] {
		return fmt.Errorf("default_level must be one of [low, medium, high, critical, blocked], got '%s'", r.DefaultLevel)
	}

	if r.DefaultScore < 0 || r.DefaultScore > 1 {
		return fmt.Errorf("default_score must be between 0 and 1, got %f", r.DefaultScore)
	}

	return nil
}

// Validate validates bridge configuration
func (b *BridgeConfig) Validate() error {
	if b.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", b.HandshakeTimeout)
	}

	if b.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", b.IdleTimeout)
	}

	if b.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", b.ReadLimit)
	}

	return nil
}

// Validate validates provider configuration
func (p *ProviderConfig) Validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if p.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set provider.api_key or PROVIDER_API_KEY)")
	}

	if p.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", p.ConnectTimeout)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", p.MaxRetries)
	}

	if p.MinChunkMs < 0 {
		return fmt.Errorf("min_chunk_ms cannot be negative, got %d", p.MinChunkMs)
	}

	if p.MaxChunkMs > 0 && p.MaxChunkMs < p.MinChunkMs {
		return fmt.Errorf("max_chunk_ms (%d) must be greater than min_chunk_ms (%d)", p.MaxChunkMs, p.MinChunkMs)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTranscodeTimeout returns the transcode timeout as a time.Duration
func (a *AudioConfig) GetTranscodeTimeout() time.Duration {
	return time.Duration(a.TranscodeTimeout) * time.Second
}

// GetCooldownDuration returns the cooldown penalty as a time.Duration
func (r *RateLimitConfig) GetCooldownDuration() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// GetIdleEvictionDuration returns the idle window eviction threshold as a time.Duration
func (r *RateLimitConfig) GetIdleEvictionDuration() time.Duration {
	return time.Duration(r.IdleEvictionMinutes) * time.Minute
}

// GetHandshakeTimeout returns the configuration handshake deadline as a time.Duration
func (b *BridgeConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(b.HandshakeTimeout) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (b *BridgeConfig) GetIdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeout) * time.Second
}

// GetConnectTimeout returns the provider dial timeout as a time.Duration
func (p *ProviderConfig) GetConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeout) * time.Second
}

// GetMinChunkDuration returns the minimum provider chunk duration as a time.Duration
func (p *ProviderConfig) GetMinChunkDuration() time.Duration {
	return time.Duration(p.MinChunkMs) * time.Millisecond
}

// GetMaxChunkDuration returns the maximum provider chunk duration as a time.Duration
func (p *ProviderConfig) GetMaxChunkDuration() time.Duration {
	return time.Duration(p.MaxChunkMs) * time.Millisecond
}
