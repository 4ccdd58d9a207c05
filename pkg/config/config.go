// Package config loads and validates the SwarmShield configuration.
package config

import (
	"encoding/base64"
	"fmt"
)

// Config is the complete, validated application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	CORS          CORSConfig          `yaml:"cors"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	AuthCache     AuthCacheConfig     `yaml:"auth_cache"`
	LLM           LLMConfig           `yaml:"llm"`
	Deliberation  DeliberationConfig  `yaml:"deliberation"`
	GhostProtocol GhostProtocolConfig `yaml:"ghost_protocol"`
	Keystore      KeystoreConfig      `yaml:"keystore"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// CORSConfig controls the CORS middleware. AllowedOrigins of ["*"] reflects
// "*"; otherwise the request origin is reflected when listed, else the
// first entry.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig is the per-IP sliding window admission limit.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// AuthCacheConfig controls the permission cache.
type AuthCacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// LLMConfig controls the LLM client.
type LLMConfig struct {
	DefaultModel       string `yaml:"default_model"`
	BudgetDefaultCents int64  `yaml:"budget_default_cents"`
	BaseBackoffMs      int    `yaml:"base_backoff_ms"`
	APIKeyEnv          string `yaml:"api_key_env"`
}

// DeliberationConfig controls session execution.
type DeliberationConfig struct {
	Rounds            int `yaml:"rounds"`
	AnalysisTimeoutMs int `yaml:"analysis_timeout_ms"`
}

// GhostProtocolConfig restricts the wipe strategies tenants may configure.
type GhostProtocolConfig struct {
	WipeStrategies []string `yaml:"wipe_strategies"`
}

// KeystoreConfig names the env var holding the base64-encoded 32-byte
// server key used to decrypt per-workspace LLM API keys.
type KeystoreConfig struct {
	KeyEnv string `yaml:"key_env"`
}

// applyDefaults fills in zero values per the configuration effect table.
func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 4000
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if c.CORS.MaxAge == 0 {
		c.CORS.MaxAge = 600
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 120
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.AuthCache.TTLSeconds == 0 {
		c.AuthCache.TTLSeconds = 300
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "claude-sonnet-4-5"
	}
	if c.LLM.BudgetDefaultCents == 0 {
		c.LLM.BudgetDefaultCents = 50000
	}
	if c.LLM.BaseBackoffMs == 0 {
		c.LLM.BaseBackoffMs = 1000
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Deliberation.Rounds == 0 {
		c.Deliberation.Rounds = 2
	}
	if c.Deliberation.AnalysisTimeoutMs == 0 {
		c.Deliberation.AnalysisTimeoutMs = 30000
	}
	if len(c.GhostProtocol.WipeStrategies) == 0 {
		c.GhostProtocol.WipeStrategies = []string{"immediate", "delayed", "scheduled"}
	}
	if c.Keystore.KeyEnv == "" {
		c.Keystore.KeyEnv = "SWARMSHIELD_KEYSTORE_KEY"
	}
}

// validate rejects configurations that cannot work at runtime.
func (c *Config) validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if c.AuthCache.TTLSeconds < 1 {
		return fmt.Errorf("auth_cache.ttl_seconds must be positive")
	}
	if c.Deliberation.Rounds < 0 {
		return fmt.Errorf("deliberation.rounds cannot be negative")
	}
	for _, s := range c.GhostProtocol.WipeStrategies {
		switch s {
		case "immediate", "delayed", "scheduled":
		default:
			return fmt.Errorf("ghost_protocol.wipe_strategies: unknown strategy %q", s)
		}
	}
	return nil
}

// WipeStrategyAllowed reports whether tenants may configure the strategy.
func (c *Config) WipeStrategyAllowed(strategy string) bool {
	for _, s := range c.GhostProtocol.WipeStrategies {
		if s == strategy {
			return true
		}
	}
	return false
}

// DecodeKeystoreKey decodes a base64 keystore key and checks its length
// against the AEAD's 32-byte requirement.
func DecodeKeystoreKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("keystore key is not set")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("keystore key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
