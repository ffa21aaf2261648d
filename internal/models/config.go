// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every guard component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, protection, policy, etc.)
// - Defaults that protect a service out of the box
// - Validation that fails startup before any traffic is accepted
package models

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

// ErrConfigInvalid wraps every validation failure. Invalid configuration is
// fatal at startup and never a per-request concern.
var ErrConfigInvalid = errors.New("invalid configuration")

// Policy evaluator types
const (
	PolicyTypePatterns = "patterns"
	PolicyTypeLua      = "lua"
	PolicyTypeNone     = "none"
)

// Stats backend types
const (
	StatsBackendMemory = "memory"
	StatsBackendRedis  = "redis"
)

// Config is the root configuration structure containing all guard settings.
//
// Configuration Structure:
// - Server: HTTP listener, header hardening and CORS
// - Protection: Per-origin tracking, blocklist and reaper
// - Policy: Heuristic evaluator selection
// - RateLimit / SlowDown: Generic limiters composed in front of the guard
// - Upstream: Optional reverse-proxied downstream service
// - Logging, Metrics, Observability, Stats: Operational concerns
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Protection    ProtectionConfig    `yaml:"protection" json:"protection"`
	Policy        PolicyConfig        `yaml:"policy" json:"policy"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	SlowDown      SlowDownConfig      `yaml:"slow_down" json:"slow_down"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Stats         StatsConfig         `yaml:"stats" json:"stats"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" json:"port"`
	Host              string        `yaml:"host" json:"host"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled        bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile       string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile        string        `yaml:"tls_key_file" json:"tls_key_file"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for" json:"trust_forwarded_for"`
	SecurityHeaders   bool          `yaml:"security_headers" json:"security_headers"`
	CORS              CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

// ProtectionConfig drives the decision pipeline and the reaper.
//
// SuspiciousThreshold is a requests-per-minute baseline. The flood check
// compares the current minute's request count against SuspiciousThreshold/60.
type ProtectionConfig struct {
	SuspiciousThreshold    int            `yaml:"suspicious_threshold" json:"suspicious_threshold"`
	BlockDuration          time.Duration  `yaml:"block_duration" json:"block_duration"`
	WhitelistedIPs         []string       `yaml:"whitelisted_ips" json:"whitelisted_ips"`
	LedgerRetentionMinutes int            `yaml:"ledger_retention_minutes" json:"ledger_retention_minutes"`
	IdleHorizon            time.Duration  `yaml:"idle_horizon" json:"idle_horizon"`
	ReaperInterval         time.Duration  `yaml:"reaper_interval" json:"reaper_interval"`
	MaxConcurrentRequests  int            `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	ConcurrencyTimeout     time.Duration  `yaml:"concurrency_timeout" json:"concurrency_timeout"`
	Patterns               PatternsConfig `yaml:"patterns" json:"patterns"`
}

type PatternsConfig struct {
	MaxURLLength         int      `yaml:"max_url_length" json:"max_url_length"`
	MaxHeaderSize        int      `yaml:"max_header_size" json:"max_header_size"`
	SuspiciousUserAgents []string `yaml:"suspicious_user_agents" json:"suspicious_user_agents"`
	AllowedMethods       []string `yaml:"allowed_methods" json:"allowed_methods"`
}

// PolicyConfig selects the heuristic evaluator.
type PolicyConfig struct {
	Type       string        `yaml:"type" json:"type"`
	ScriptPath string        `yaml:"script_path" json:"script_path"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Window          time.Duration `yaml:"window" json:"window"`
	MaxRequests     int           `yaml:"max_requests" json:"max_requests"`
	Message         string        `yaml:"message" json:"message"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type SlowDownConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Window     time.Duration `yaml:"window" json:"window"`
	DelayAfter int           `yaml:"delay_after" json:"delay_after"`
	Delay      time.Duration `yaml:"delay" json:"delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

// UpstreamConfig points the guard at the service it protects. An empty URL
// serves the built-in landing handler instead.
type UpstreamConfig struct {
	URL string `yaml:"url" json:"url"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// StatsConfig controls where decision statistics are recorded.
type StatsConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Backend      string        `yaml:"backend" json:"backend"`
	Prefix       string        `yaml:"prefix" json:"prefix"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
	TrackOrigins bool          `yaml:"track_origins" json:"track_origins"`
	MaxOrigins   int           `yaml:"max_origins" json:"max_origins"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	Redis        RedisConfig   `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - 900 requests per minute baseline, 30 minute blocks
// - Loopback addresses whitelisted so local health checks are never tracked
// - 100 requests per 15 minutes generic limit, slow-down after 50
// - Pattern heuristics with a 250ms evaluation bound
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			SecurityHeaders: true,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"*"},
				MaxAge:         86400,
			},
		},
		Protection: ProtectionConfig{
			SuspiciousThreshold:    900,
			BlockDuration:          30 * time.Minute,
			WhitelistedIPs:         []string{"127.0.0.1", "::1"},
			LedgerRetentionMinutes: 5,
			IdleHorizon:            24 * time.Hour,
			ReaperInterval:         time.Minute,
			MaxConcurrentRequests:  1000,
			Patterns: PatternsConfig{
				MaxURLLength:  2000,
				MaxHeaderSize: 8192,
				SuspiciousUserAgents: []string{
					"bot", "crawler", "spider", "scraper",
					"curl", "wget", "python-requests",
				},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			},
		},
		Policy: PolicyConfig{
			Type:    PolicyTypePatterns,
			Timeout: 250 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Window:          15 * time.Minute,
			MaxRequests:     100,
			Message:         "Too many requests from this IP, please try again later.",
			CleanupInterval: 5 * time.Minute,
		},
		SlowDown: SlowDownConfig{
			Enabled:    true,
			Window:     15 * time.Minute,
			DelayAfter: 50,
			Delay:      500 * time.Millisecond,
			MaxDelay:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "originguard",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
		Stats: StatsConfig{
			Enabled:      true,
			Backend:      StatsBackendMemory,
			Prefix:       "originguard:stats",
			TTL:          24 * time.Hour,
			MaxOrigins:   10000,
			WriteTimeout: 200 * time.Millisecond,
			Redis: RedisConfig{
				PoolSize: 10,
			},
		},
	}
}

// Validate checks every section. Errors wrap ErrConfigInvalid.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"protection", c.Protection.Validate},
		{"policy", c.Policy.Validate},
		{"rate limit", c.RateLimit.Validate},
		{"slow down", c.SlowDown.Validate},
		{"upstream", c.Upstream.Validate},
		{"logging", c.Logging.Validate},
		{"metrics", c.Metrics.Validate},
		{"observability", c.Observability.Validate},
		{"stats", c.Stats.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%w: invalid %s config: %w", ErrConfigInvalid, s.name, err)
		}
	}
	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (pc *ProtectionConfig) Validate() error {
	if pc.SuspiciousThreshold <= 0 {
		return errors.New("suspicious threshold must be positive")
	}
	if pc.BlockDuration < time.Millisecond {
		return errors.New("block duration must be at least 1ms")
	}
	if pc.LedgerRetentionMinutes <= 0 {
		return errors.New("ledger retention must be at least one minute")
	}
	if pc.IdleHorizon <= 0 {
		return errors.New("idle horizon must be positive")
	}
	if pc.ReaperInterval <= 0 {
		return errors.New("reaper interval must be positive")
	}
	if pc.MaxConcurrentRequests < 0 {
		return errors.New("max concurrent requests cannot be negative")
	}
	if pc.ConcurrencyTimeout < 0 {
		return errors.New("concurrency timeout cannot be negative")
	}
	for _, ip := range pc.WhitelistedIPs {
		if ip == "" {
			return errors.New("whitelisted IP cannot be empty")
		}
	}
	if pc.Patterns.MaxURLLength < 0 || pc.Patterns.MaxHeaderSize < 0 {
		return errors.New("pattern limits cannot be negative")
	}
	return nil
}

func (pc *PolicyConfig) Validate() error {
	switch pc.Type {
	case PolicyTypePatterns, PolicyTypeNone:
	case PolicyTypeLua:
		if pc.ScriptPath == "" {
			return errors.New("script path is required for lua policy")
		}
	default:
		return fmt.Errorf("invalid policy type: %s", pc.Type)
	}
	if pc.Timeout <= 0 {
		return errors.New("policy timeout must be positive")
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}
	if rc.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if rc.MaxRequests <= 0 {
		return errors.New("max requests must be positive")
	}
	if rc.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	return nil
}

func (sd *SlowDownConfig) Validate() error {
	if !sd.Enabled {
		return nil
	}
	if sd.Window <= 0 {
		return errors.New("slow down window must be positive")
	}
	if sd.DelayAfter < 0 {
		return errors.New("delay after cannot be negative")
	}
	if sd.Delay <= 0 {
		return errors.New("delay must be positive")
	}
	if sd.MaxDelay < 0 {
		return errors.New("max delay cannot be negative")
	}
	return nil
}

func (uc *UpstreamConfig) Validate() error {
	if uc.URL == "" {
		return nil
	}
	u, err := url.Parse(uc.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported upstream scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("upstream URL must include a host")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required when exporter is otlp")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}

func (sc *StatsConfig) Validate() error {
	if !sc.Enabled {
		return nil
	}
	switch sc.Backend {
	case StatsBackendMemory:
	case StatsBackendRedis:
		if sc.Redis.Addr == "" {
			return errors.New("Redis address is required when stats backend is redis")
		}
	default:
		return fmt.Errorf("invalid stats backend: %s", sc.Backend)
	}
	if sc.TTL < 0 {
		return errors.New("stats TTL cannot be negative")
	}
	if sc.MaxOrigins < 0 {
		return errors.New("stats max_origins cannot be negative")
	}
	if sc.WriteTimeout <= 0 {
		return errors.New("stats write_timeout must be positive")
	}
	return nil
}

// IsWhitelisted reports whether origin is listed in WhitelistedIPs.
func (pc *ProtectionConfig) IsWhitelisted(origin string) bool {
	return slices.Contains(pc.WhitelistedIPs, origin)
}
