// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress string
	Port          int

	// API surface
	APIMaxBodyBytes int
	RateLimitRPS    float64
	RateLimitBurst  int

	// TLS material
	TLSCertFile     string
	TLSKeyFile      string
	TLSCAFile       string
	TLSForce13      bool
	BootstrapSecret string

	// Registry
	LeaseTTL        time.Duration
	CleanupInterval time.Duration
	ServiceCatalog  string
	GeoIPDB         string

	// Discovery
	CacheTTL           time.Duration
	ServicePingTimeout time.Duration
	ResolveTimeout     time.Duration

	// Refresh scheduler
	TokenRefreshInterval time.Duration
	TTLRefreshInterval   time.Duration
	RegisterTimeout      time.Duration

	// Broker
	DispatchConcurrency int
	MaxDeliveryAttempts int
	DeliverTimeout      time.Duration
	DLQDBPath           string
	DLQPurgeSchedule    string
	DLQRetention        time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("TICKPLANE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("TICKPLANE_PORT", 7400, &errs)

	// --- API surface ---
	cfg.APIMaxBodyBytes = envInt("TICKPLANE_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.RateLimitRPS = float64(envInt("TICKPLANE_RATE_LIMIT_RPS", 50, &errs))
	cfg.RateLimitBurst = envInt("TICKPLANE_RATE_LIMIT_BURST", 100, &errs)

	// --- TLS ---
	cfg.TLSCertFile = envStr("TICKPLANE_TLS_CERT", "")
	cfg.TLSKeyFile = envStr("TICKPLANE_TLS_KEY", "")
	cfg.TLSCAFile = envStr("TICKPLANE_TLS_CA", "")
	cfg.TLSForce13 = envBool("TICKPLANE_TLS_FORCE13", false, &errs)
	cfg.BootstrapSecret = envStr("TICKPLANE_BOOTSTRAP_SECRET", "")

	// --- Registry ---
	cfg.LeaseTTL = envDuration("TICKPLANE_LEASE_TTL", 20*time.Second, &errs)
	cfg.CleanupInterval = envDuration("TICKPLANE_CLEANUP_INTERVAL", 10*time.Second, &errs)
	cfg.ServiceCatalog = envStr("TICKPLANE_SERVICE_CATALOG", "")
	cfg.GeoIPDB = envStr("TICKPLANE_GEOIP_DB", "")

	// --- Discovery ---
	cfg.CacheTTL = envDuration("TICKPLANE_CACHE_TTL", 30*time.Second, &errs)
	cfg.ServicePingTimeout = envDuration("TICKPLANE_SERVICE_PING_TIMEOUT", 2*time.Second, &errs)
	cfg.ResolveTimeout = envDuration("TICKPLANE_RESOLVE_TIMEOUT", 5*time.Second, &errs)

	// --- Refresh scheduler ---
	cfg.TokenRefreshInterval = envDuration("TICKPLANE_TOKEN_REFRESH_INTERVAL", 5*time.Second, &errs)
	cfg.TTLRefreshInterval = envDuration("TICKPLANE_TTL_REFRESH_INTERVAL", 5*time.Second, &errs)
	cfg.RegisterTimeout = envDuration("TICKPLANE_REGISTER_TIMEOUT", 10*time.Second, &errs)

	// --- Broker ---
	cfg.DispatchConcurrency = envInt("TICKPLANE_DISPATCH_CONCURRENCY", 64, &errs)
	cfg.MaxDeliveryAttempts = envInt("TICKPLANE_MAX_DELIVERY_ATTEMPTS", 10, &errs)
	cfg.DeliverTimeout = envDuration("TICKPLANE_DELIVER_TIMEOUT", 10*time.Second, &errs)
	cfg.DLQDBPath = envStr("TICKPLANE_DLQ_DB", "")
	cfg.DLQPurgeSchedule = envStr("TICKPLANE_DLQ_PURGE_SCHEDULE", "0 4 * * *")
	cfg.DLQRetention = envDuration("TICKPLANE_DLQ_RETENTION", 7*24*time.Hour, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "TICKPLANE_LISTEN_ADDRESS must not be empty")
	}
	validatePort("TICKPLANE_PORT", cfg.Port, &errs)
	validatePositive("TICKPLANE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("TICKPLANE_RATE_LIMIT_BURST", cfg.RateLimitBurst, &errs)
	if cfg.RateLimitRPS <= 0 {
		errs = append(errs, "TICKPLANE_RATE_LIMIT_RPS must be positive")
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		errs = append(errs, "TICKPLANE_TLS_CERT and TICKPLANE_TLS_KEY must be set together")
	}

	validatePositiveDuration("TICKPLANE_LEASE_TTL", cfg.LeaseTTL, &errs)
	validatePositiveDuration("TICKPLANE_CLEANUP_INTERVAL", cfg.CleanupInterval, &errs)
	if cfg.CacheTTL < 0 {
		errs = append(errs, "TICKPLANE_CACHE_TTL must not be negative")
	}
	validatePositiveDuration("TICKPLANE_SERVICE_PING_TIMEOUT", cfg.ServicePingTimeout, &errs)
	validatePositiveDuration("TICKPLANE_RESOLVE_TIMEOUT", cfg.ResolveTimeout, &errs)
	validatePositiveDuration("TICKPLANE_TOKEN_REFRESH_INTERVAL", cfg.TokenRefreshInterval, &errs)
	validatePositiveDuration("TICKPLANE_TTL_REFRESH_INTERVAL", cfg.TTLRefreshInterval, &errs)
	validatePositiveDuration("TICKPLANE_REGISTER_TIMEOUT", cfg.RegisterTimeout, &errs)

	validatePositive("TICKPLANE_DISPATCH_CONCURRENCY", cfg.DispatchConcurrency, &errs)
	validatePositive("TICKPLANE_MAX_DELIVERY_ATTEMPTS", cfg.MaxDeliveryAttempts, &errs)
	validatePositiveDuration("TICKPLANE_DELIVER_TIMEOUT", cfg.DeliverTimeout, &errs)
	validatePositiveDuration("TICKPLANE_DLQ_RETENTION", cfg.DLQRetention, &errs)
	if _, err := cron.ParseStandard(cfg.DLQPurgeSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TICKPLANE_DLQ_PURGE_SCHEDULE: invalid cron expression %q: %v", cfg.DLQPurgeSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %s", name, value))
	}
}
