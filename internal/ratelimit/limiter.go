package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RiskLevel is the discrete classification of how suspicious a session's
// behavior is, supplied by an external risk assessor.
type RiskLevel string

// Known risk levels, ordered from least to most restricted
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskBlocked  RiskLevel = "blocked"
)

// Rejection reasons reported in Decision.Reason
const (
	ReasonCooldown  = "cooldown_period"
	ReasonRateLimit = "rate_limit_exceeded"
	ReasonBurst     = "burst_limit_exceeded"
)

const (
	windowSpan        = time.Minute
	burstSpan         = 5 * time.Second
	cooldownThreshold = 3
	highRiskScore     = 0.7
	sweepInterval     = 30 * time.Second

	defaultCooldown     = 5 * time.Minute
	defaultIdleEviction = 30 * time.Minute
)

// baseLimits maps a risk level to its per-minute request budget
var baseLimits = map[RiskLevel]int{
	RiskLow:      60,
	RiskMedium:   30,
	RiskHigh:     10,
	RiskCritical: 5,
	RiskBlocked:  0,
}

// burstLimits maps a risk level to its five-second burst allowance
var burstLimits = map[RiskLevel]int{
	RiskLow:      5,
	RiskMedium:   3,
	RiskHigh:     2,
	RiskCritical: 1,
	RiskBlocked:  0,
}

// Decision is the outcome of a single rate limit check
type Decision struct {
	Allowed           bool
	Reason            string
	Limit             int
	Remaining         int
	ResetAfter        time.Duration
	RetryAfter        time.Duration
	CooldownInstalled bool
}

// Config contains the tunable limiter parameters. Window and burst spans are
// fixed properties of the limiting algorithm, not configuration.
type Config struct {
	Cooldown     time.Duration
	IdleEviction time.Duration
}

// window is the per-session sliding record of admitted request timestamps.
// Burst counting is a trailing view over the same slice, never a second store.
type window struct {
	timestamps []time.Time
	blocked    int
	highRisk   int
	lastSeen   time.Time
}

// Limiter tracks per-session windows and cooldowns and decides, per request,
// whether a session may proceed
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	windows   map[string]*window
	cooldowns map[string]time.Time

	// Counters (guarded by mu)
	totalChecks        uint64
	totalAllowed       uint64
	totalRejected      uint64
	cooldownsInstalled uint64

	// now is replaceable in tests
	now func() time.Time

	// Sweep management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// LimiterStats represents limiter counters for monitoring and APIs
type LimiterStats struct {
	ActiveWindows      int    `json:"active_windows"`
	ActiveCooldowns    int    `json:"active_cooldowns"`
	TotalChecks        uint64 `json:"total_checks"`
	TotalAllowed       uint64 `json:"total_allowed"`
	TotalRejected      uint64 `json:"total_rejected"`
	CooldownsInstalled uint64 `json:"cooldowns_installed"`
}

// NewLimiter creates a limiter and starts its background sweep routine
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = defaultIdleEviction
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Limiter{
		cfg:       cfg,
		logger:    logger,
		windows:   make(map[string]*window),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go l.startSweepRoutine()

	return l
}

// Check decides whether the session may issue one more request. The decision
// order is fixed: cooldown gate, window purge, per-minute budget, burst
// allowance. Burst is evaluated even when the minute budget has headroom, so
// a session cannot evade the minute cap by bursting inside it.
func (l *Limiter) Check(sessionID string, level RiskLevel, score float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.totalChecks++

	// Cooldown gate, expired entries are cleared lazily
	if expiry, ok := l.cooldowns[sessionID]; ok {
		if now.Before(expiry) {
			l.totalRejected++
			return Decision{
				Allowed:    false,
				Reason:     ReasonCooldown,
				RetryAfter: expiry.Sub(now),
			}
		}
		delete(l.cooldowns, sessionID)
	}

	w := l.windows[sessionID]
	if w == nil {
		w = &window{}
		l.windows[sessionID] = w
	}
	w.lastSeen = now

	w.purge(now.Add(-windowSpan))

	limit := scaledLimit(level, score)

	if len(w.timestamps) >= limit {
		return l.reject(sessionID, w, now, ReasonRateLimit, limit)
	}

	if w.countSince(now.Add(-burstSpan)) >= burstAllowance(level) {
		return l.reject(sessionID, w, now, ReasonBurst, limit)
	}

	w.timestamps = append(w.timestamps, now)
	if score >= highRiskScore {
		w.highRisk++
	}
	l.totalAllowed++

	return Decision{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit - len(w.timestamps),
		ResetAfter: w.resetAfter(now),
	}
}

// reject records a blocked request and escalates to a cooldown once the
// session has accrued enough of them. Callers hold l.mu.
func (l *Limiter) reject(sessionID string, w *window, now time.Time, reason string, limit int) Decision {
	l.totalRejected++
	w.blocked++

	d := Decision{
		Allowed:    false,
		Reason:     reason,
		Limit:      limit,
		Remaining:  0,
		ResetAfter: w.resetAfter(now),
	}

	switch reason {
	case ReasonRateLimit:
		d.RetryAfter = d.ResetAfter
	case ReasonBurst:
		d.RetryAfter = w.burstRetryAfter(now)
	}

	if w.blocked >= cooldownThreshold {
		expiry := now.Add(l.cfg.Cooldown)
		l.cooldowns[sessionID] = expiry
		l.cooldownsInstalled++
		d.CooldownInstalled = true

		l.logger.Warn("Cooldown installed after repeated violations",
			slog.String("session_id", sessionID),
			slog.Int("blocked_requests", w.blocked),
			slog.Duration("cooldown", l.cfg.Cooldown),
		)
	}

	return d
}

// ApplyPenalty installs an administrative cooldown for the session
func (l *Limiter) ApplyPenalty(sessionID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry := l.now().Add(d)
	l.cooldowns[sessionID] = expiry

	l.logger.Info("Penalty applied to session",
		slog.String("session_id", sessionID),
		slog.Duration("duration", d),
	)
}

// ClearSession removes the session's window and any cooldown
func (l *Limiter) ClearSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, sessionID)
	delete(l.cooldowns, sessionID)

	l.logger.Info("Session rate limit state cleared",
		slog.String("session_id", sessionID),
	)
}

// Stats returns a snapshot of limiter counters
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		ActiveWindows:      len(l.windows),
		ActiveCooldowns:    len(l.cooldowns),
		TotalChecks:        l.totalChecks,
		TotalAllowed:       l.totalAllowed,
		TotalRejected:      l.totalRejected,
		CooldownsInstalled: l.cooldownsInstalled,
	}
}

// Stop halts the background sweep routine and waits for it to finish
func (l *Limiter) Stop() {
	l.cancel()
	<-l.cleanup

	stats := l.Stats()
	l.logger.Info("Rate limiter stopped",
		slog.Uint64("total_checks", stats.TotalChecks),
		slog.Uint64("total_rejected", stats.TotalRejected),
		slog.Uint64("cooldowns_installed", stats.CooldownsInstalled),
	)
}

// startSweepRoutine periodically evicts idle windows and expired cooldowns
func (l *Limiter) startSweepRoutine() {
	defer close(l.cleanup)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	l.logger.Info("Rate limit sweep routine started",
		slog.Duration("idle_eviction", l.cfg.IdleEviction),
		slog.Duration("check_interval", sweepInterval),
	)

	for {
		select {
		case <-l.ctx.Done():
			l.logger.Info("Rate limit sweep routine stopping")
			return

		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes windows idle beyond the eviction threshold and cooldowns
// whose expiry has passed, bounding limiter memory
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evictedWindows := 0
	evictedCooldowns := 0

	for id, w := range l.windows {
		if now.Sub(w.lastSeen) >= l.cfg.IdleEviction {
			delete(l.windows, id)
			evictedWindows++
		}
	}

	for id, expiry := range l.cooldowns {
		if !now.Before(expiry) {
			delete(l.cooldowns, id)
			evictedCooldowns++
		}
	}

	if evictedWindows > 0 || evictedCooldowns > 0 {
		l.logger.Info("Evicted idle rate limit state",
			slog.Int("windows", evictedWindows),
			slog.Int("cooldowns", evictedCooldowns),
		)
	}
}

// scaledLimit resolves the per-minute budget for the level, shrunk further by
// the continuous risk score
func scaledLimit(level RiskLevel, score float64) int {
	base, ok := baseLimits[level]
	if !ok {
		base = baseLimits[RiskLow]
	}

	switch {
	case score > 0.8:
		return int(float64(base) * 0.5)
	case score > 0.6:
		return int(float64(base) * 0.7)
	default:
		return base
	}
}

// burstAllowance resolves the five-second allowance for the level
func burstAllowance(level RiskLevel) int {
	allowance, ok := burstLimits[level]
	if !ok {
		allowance = burstLimits[RiskLow]
	}
	return allowance
}

// purge drops timestamps at or before the cutoff, keeping the slice sorted
func (w *window) purge(cutoff time.Time) {
	keep := 0
	for keep < len(w.timestamps) && !w.timestamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[keep:]...)
	}
}

// countSince counts timestamps strictly after the cutoff
func (w *window) countSince(cutoff time.Time) int {
	count := 0
	for i := len(w.timestamps) - 1; i >= 0; i-- {
		if !w.timestamps[i].After(cutoff) {
			break
		}
		count++
	}
	return count
}

// resetAfter reports how long until the oldest windowed request ages out
func (w *window) resetAfter(now time.Time) time.Duration {
	if len(w.timestamps) == 0 {
		return 0
	}
	d := w.timestamps[0].Add(windowSpan).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// burstRetryAfter reports how long until the oldest burst-window request ages out
func (w *window) burstRetryAfter(now time.Time) time.Duration {
	cutoff := now.Add(-burstSpan)
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			d := ts.Add(burstSpan).Sub(now)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}
