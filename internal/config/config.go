// Package config loads the guard configuration: built-in defaults, then an
// optional YAML file, then ORIGINGUARD_* environment overrides, then
// validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"originguard/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORIGINGUARD_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

var knownSections = []string{
	"server", "protection", "policy", "rate_limit", "slow_down",
	"upstream", "logging", "metrics", "observability", "stats",
}

// warnUnknownSections logs a warning for each top-level key the decoder
// ignores. Typos in section names would otherwise silently keep defaults.
func warnUnknownSections(data []byte) {
	var top map[string]any
	if err := yaml.Unmarshal(data, &top); err != nil {
		return
	}
	for key := range top {
		if !slices.Contains(knownSections, key) {
			slog.Warn("Unknown config section is ignored", "config_key", key)
		}
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnUnknownSections(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// envLoader applies overrides and keeps the first malformed value it saw.
type envLoader struct {
	err error
}

func (l *envLoader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (l *envLoader) fail(name, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, value, err)
	}
}

func (l *envLoader) str(name string, dst *string) {
	if v, ok := l.lookup(name); ok {
		*dst = v
	}
}

func (l *envLoader) integer(name string, dst *int) {
	if v, ok := l.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			l.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (l *envLoader) boolean(name string, dst *bool) {
	if v, ok := l.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			l.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (l *envLoader) duration(name string, dst *time.Duration) {
	if v, ok := l.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			l.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (l *envLoader) float(name string, dst *float64) {
	if v, ok := l.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.fail(name, v, err)
			return
		}
		*dst = f
	}
}

// list splits a comma separated value, dropping empty items.
func (l *envLoader) list(name string, dst *[]string) {
	if v, ok := l.lookup(name); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

// loadFromEnvironment loads configuration from environment variables. A
// malformed value is an error rather than being skipped.
func loadFromEnvironment(config *models.Config) error {
	l := &envLoader{}

	// Server configuration
	l.integer("PORT", &config.Server.Port)
	l.str("HOST", &config.Server.Host)
	l.duration("READ_TIMEOUT", &config.Server.ReadTimeout)
	l.duration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	l.duration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	l.boolean("TLS_ENABLED", &config.Server.TLSEnabled)
	l.str("TLS_CERT_FILE", &config.Server.TLSCertFile)
	l.str("TLS_KEY_FILE", &config.Server.TLSKeyFile)
	l.boolean("TRUST_FORWARDED_FOR", &config.Server.TrustForwardedFor)
	l.boolean("SECURITY_HEADERS", &config.Server.SecurityHeaders)
	l.boolean("CORS_ENABLED", &config.Server.CORS.Enabled)
	l.list("CORS_ALLOWED_ORIGINS", &config.Server.CORS.AllowedOrigins)

	// Protection configuration
	l.integer("SUSPICIOUS_THRESHOLD", &config.Protection.SuspiciousThreshold)
	l.duration("BLOCK_DURATION", &config.Protection.BlockDuration)
	l.list("WHITELISTED_IPS", &config.Protection.WhitelistedIPs)
	l.integer("LEDGER_RETENTION_MINUTES", &config.Protection.LedgerRetentionMinutes)
	l.duration("IDLE_HORIZON", &config.Protection.IdleHorizon)
	l.duration("REAPER_INTERVAL", &config.Protection.ReaperInterval)
	l.integer("MAX_CONCURRENT_REQUESTS", &config.Protection.MaxConcurrentRequests)
	l.duration("CONCURRENCY_TIMEOUT", &config.Protection.ConcurrencyTimeout)

	// Policy configuration
	l.str("POLICY_TYPE", &config.Policy.Type)
	l.str("POLICY_SCRIPT_PATH", &config.Policy.ScriptPath)
	l.duration("POLICY_TIMEOUT", &config.Policy.Timeout)

	// Limiters
	l.boolean("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	l.duration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)
	l.integer("RATE_LIMIT_MAX_REQUESTS", &config.RateLimit.MaxRequests)
	l.boolean("SLOW_DOWN_ENABLED", &config.SlowDown.Enabled)
	l.integer("SLOW_DOWN_DELAY_AFTER", &config.SlowDown.DelayAfter)
	l.duration("SLOW_DOWN_DELAY", &config.SlowDown.Delay)

	// Upstream
	l.str("UPSTREAM_URL", &config.Upstream.URL)

	// Logging configuration
	l.str("LOG_LEVEL", &config.Logging.Level)
	l.str("LOG_FORMAT", &config.Logging.Format)
	l.str("LOG_OUTPUT", &config.Logging.Output)
	l.str("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics and tracing
	l.boolean("METRICS_ENABLED", &config.Metrics.Enabled)
	l.str("METRICS_PATH", &config.Metrics.Path)
	l.integer("METRICS_PORT", &config.Metrics.Port)
	l.str("SERVICE_NAME", &config.Observability.ServiceName)
	l.boolean("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	l.str("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	l.str("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	l.float("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)

	// Stats configuration
	l.boolean("STATS_ENABLED", &config.Stats.Enabled)
	l.str("STATS_BACKEND", &config.Stats.Backend)
	l.integer("STATS_MAX_ORIGINS", &config.Stats.MaxOrigins)
	l.duration("STATS_WRITE_TIMEOUT", &config.Stats.WriteTimeout)
	l.str("REDIS_ADDR", &config.Stats.Redis.Addr)
	l.str("REDIS_PASSWORD", &config.Stats.Redis.Password)
	l.integer("REDIS_DB", &config.Stats.Redis.DB)

	return l.err
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Example values for optional sections
	config.Policy.ScriptPath = "configs/request-analysis.lua"
	config.Upstream.URL = "http://127.0.0.1:8080"
	config.Stats.Redis.Addr = "localhost:6379"
	config.Observability.Tracing.OTLPEndpoint = "localhost:4317"
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
