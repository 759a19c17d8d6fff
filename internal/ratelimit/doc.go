// Package ratelimit implements an adaptive per-session rate limiter.
// It combines a one-minute sliding window with an independent five-second burst
// allowance, shrinks the effective limits as a supplied risk score rises, and
// escalates repeated violations into time-boxed cooldown penalties.
package ratelimit
