// Package config provides configuration loading and validation for the voice gateway.
// It handles YAML-based configuration with per-section struct validation and merges
// secret-bearing overrides (API keys, tokens) from the environment.
package config
