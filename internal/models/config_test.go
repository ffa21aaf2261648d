package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	// Test server defaults
	assert.Equal(t, 3000, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)
	assert.True(t, config.Server.SecurityHeaders)
	assert.False(t, config.Server.TrustForwardedFor)

	// Test protection defaults
	assert.Equal(t, 900, config.Protection.SuspiciousThreshold)
	assert.Equal(t, 30*time.Minute, config.Protection.BlockDuration)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, config.Protection.WhitelistedIPs)
	assert.Equal(t, 5, config.Protection.LedgerRetentionMinutes)
	assert.Equal(t, 24*time.Hour, config.Protection.IdleHorizon)
	assert.Equal(t, time.Minute, config.Protection.ReaperInterval)
	assert.Equal(t, 1000, config.Protection.MaxConcurrentRequests)
	assert.Equal(t, 2000, config.Protection.Patterns.MaxURLLength)
	assert.Contains(t, config.Protection.Patterns.SuspiciousUserAgents, "python-requests")

	// Test policy defaults
	assert.Equal(t, PolicyTypePatterns, config.Policy.Type)
	assert.Equal(t, 250*time.Millisecond, config.Policy.Timeout)

	// Test limiter defaults
	assert.True(t, config.RateLimit.Enabled)
	assert.Equal(t, 15*time.Minute, config.RateLimit.Window)
	assert.Equal(t, 100, config.RateLimit.MaxRequests)
	assert.True(t, config.SlowDown.Enabled)
	assert.Equal(t, 50, config.SlowDown.DelayAfter)
	assert.Equal(t, 500*time.Millisecond, config.SlowDown.Delay)

	// Test logging defaults
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)

	// Test metrics and observability defaults
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, 9090, config.Metrics.Port)
	assert.Equal(t, "originguard", config.Observability.ServiceName)
	assert.False(t, config.Observability.Tracing.Enabled)

	// Test stats defaults
	assert.True(t, config.Stats.Enabled)
	assert.Equal(t, StatsBackendMemory, config.Stats.Backend)

	assert.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "valid default config", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = -1 }, errorMsg: "invalid server config"},
		{name: "zero threshold", mutate: func(c *Config) { c.Protection.SuspiciousThreshold = 0 }, errorMsg: "invalid protection config"},
		{name: "zero block duration", mutate: func(c *Config) { c.Protection.BlockDuration = 0 }, errorMsg: "block duration"},
		{name: "lua without script", mutate: func(c *Config) { c.Policy.Type = PolicyTypeLua }, errorMsg: "script path"},
		{name: "unknown policy", mutate: func(c *Config) { c.Policy.Type = "oracle" }, errorMsg: "invalid policy type"},
		{name: "bad upstream", mutate: func(c *Config) { c.Upstream.URL = "ftp://example.com" }, errorMsg: "invalid upstream config"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, errorMsg: "invalid logging config"},
		{name: "redis without addr", mutate: func(c *Config) { c.Stats.Backend = StatsBackendRedis }, errorMsg: "Redis address"},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Exporter = "otlp"
		}, errorMsg: "OTLP endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()

			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      ServerConfig
		expectError bool
	}{
		{name: "valid config", config: ServerConfig{Port: 3000, Host: "localhost"}},
		{name: "port too large", config: ServerConfig{Port: 70000, Host: "localhost"}, expectError: true},
		{name: "empty host", config: ServerConfig{Port: 3000}, expectError: true},
		{name: "negative timeout", config: ServerConfig{Port: 3000, Host: "h", ReadTimeout: -time.Second}, expectError: true},
		{name: "tls without cert", config: ServerConfig{Port: 3000, Host: "h", TLSEnabled: true, TLSKeyFile: "k"}, expectError: true},
		{name: "tls complete", config: ServerConfig{Port: 3000, Host: "h", TLSEnabled: true, TLSCertFile: "c", TLSKeyFile: "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProtectionConfig_Validate(t *testing.T) {
	valid := NewDefaultConfig().Protection

	tests := []struct {
		name   string
		mutate func(p *ProtectionConfig)
	}{
		{name: "zero retention", mutate: func(p *ProtectionConfig) { p.LedgerRetentionMinutes = 0 }},
		{name: "zero idle horizon", mutate: func(p *ProtectionConfig) { p.IdleHorizon = 0 }},
		{name: "zero reaper interval", mutate: func(p *ProtectionConfig) { p.ReaperInterval = 0 }},
		{name: "negative concurrency", mutate: func(p *ProtectionConfig) { p.MaxConcurrentRequests = -1 }},
		{name: "empty whitelist entry", mutate: func(p *ProtectionConfig) { p.WhitelistedIPs = []string{""} }},
		{name: "negative url length", mutate: func(p *ProtectionConfig) { p.Patterns.MaxURLLength = -1 }},
	}

	assert.NoError(t, valid.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.WhitelistedIPs = append([]string(nil), valid.WhitelistedIPs...)
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestLimiterConfigs_DisabledSkipValidation(t *testing.T) {
	rl := RateLimitConfig{Enabled: false, MaxRequests: -5}
	assert.NoError(t, rl.Validate())

	sd := SlowDownConfig{Enabled: false, Delay: -1}
	assert.NoError(t, sd.Validate())

	rl.Enabled = true
	assert.Error(t, rl.Validate())
	sd.Enabled = true
	assert.Error(t, sd.Validate())
}

func TestMetricsConfig_Validate(t *testing.T) {
	assert.NoError(t, (&MetricsConfig{Enabled: false}).Validate())
	assert.Error(t, (&MetricsConfig{Enabled: true, Port: 9090}).Validate())
	assert.Error(t, (&MetricsConfig{Enabled: true, Path: "/metrics", Port: 0}).Validate())
	assert.NoError(t, (&MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}).Validate())
}

func TestProtectionConfig_IsWhitelisted(t *testing.T) {
	p := NewDefaultConfig().Protection

	assert.True(t, p.IsWhitelisted("127.0.0.1"))
	assert.True(t, p.IsWhitelisted("::1"))
	assert.False(t, p.IsWhitelisted("203.0.113.9"))
}
