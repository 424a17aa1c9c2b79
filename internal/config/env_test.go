package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadEnvConfig_Defaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 7400 {
		t.Errorf("port = %d, want 7400", cfg.Port)
	}
	if cfg.LeaseTTL != 20*time.Second {
		t.Errorf("lease ttl = %v, want 20s", cfg.LeaseTTL)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("cache ttl = %v, want 30s", cfg.CacheTTL)
	}
	if cfg.ServicePingTimeout != 2*time.Second {
		t.Errorf("ping timeout = %v, want 2s", cfg.ServicePingTimeout)
	}
	if cfg.DeliverTimeout != 10*time.Second {
		t.Errorf("deliver timeout = %v, want 10s", cfg.DeliverTimeout)
	}
	if cfg.DLQPurgeSchedule != "0 4 * * *" {
		t.Errorf("purge schedule = %q", cfg.DLQPurgeSchedule)
	}
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	t.Setenv("TICKPLANE_PORT", "9443")
	t.Setenv("TICKPLANE_LEASE_TTL", "45s")
	t.Setenv("TICKPLANE_CACHE_TTL", "0s")
	t.Setenv("TICKPLANE_TLS_FORCE13", "true")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9443 {
		t.Errorf("port = %d, want 9443", cfg.Port)
	}
	if cfg.LeaseTTL != 45*time.Second {
		t.Errorf("lease ttl = %v, want 45s", cfg.LeaseTTL)
	}
	if cfg.CacheTTL != 0 {
		t.Errorf("cache ttl = %v, want 0 (caching disabled)", cfg.CacheTTL)
	}
	if !cfg.TLSForce13 {
		t.Error("tls force 1.3 not set")
	}
}

func TestLoadEnvConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		message string
	}{
		{"port zero", "TICKPLANE_PORT", "0", "port must be 1-65535"},
		{"port overflow", "TICKPLANE_PORT", "65536", "port must be 1-65535"},
		{"bad integer", "TICKPLANE_RATE_LIMIT_BURST", "lots", "invalid integer"},
		{"bad duration", "TICKPLANE_LEASE_TTL", "20 seconds", "invalid duration"},
		{"negative cache ttl", "TICKPLANE_CACHE_TTL", "-5s", "must not be negative"},
		{"bad cron", "TICKPLANE_DLQ_PURGE_SCHEDULE", "whenever", "invalid cron expression"},
		{"bad bool", "TICKPLANE_TLS_FORCE13", "yep", "invalid boolean"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadEnvConfig()
			if err == nil {
				t.Fatalf("%s=%s accepted", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Errorf("error %q does not mention %q", err, tc.message)
			}
		})
	}
}

func TestLoadEnvConfig_TLSPairRequired(t *testing.T) {
	t.Setenv("TICKPLANE_TLS_CERT", "/etc/tickplane/server.crt")
	if _, err := LoadEnvConfig(); err == nil {
		t.Error("cert without key accepted")
	}
}

func TestIsWeakSecret(t *testing.T) {
	if IsWeakSecret("") {
		t.Error("empty secret flagged weak; empty disables the bootstrap check")
	}
	if !IsWeakSecret("password1") {
		t.Error("dictionary secret not flagged weak")
	}
	if IsWeakSecret("7mK#qv9@Lr2$wXpZ41ua") {
		t.Error("strong secret flagged weak")
	}
}
