package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.WindowSize = 0 }},
		{"floor above one", func(c *Config) { c.ConfidenceFloor = 1.5 }},
		{"high below floor", func(c *Config) { c.HighConfidence = 0.2 }},
		{"no evidence floor", func(c *Config) { c.EvidenceFloor = 0 }},
		{"no session limit", func(c *Config) { c.MaxSessionDuration = 0 }},
		{"no query timeout", func(c *Config) { c.QueryTimeout = 0 }},
		{"negative retries", func(c *Config) { c.QueryRetries = -1 }},
		{"backoff cap too small", func(c *Config) { c.MaxBackoff = c.RetryBackoff / 2 }},
		{"unknown policy", func(c *Config) { c.StartPolicy = 7 }},
		{"no outcome queue", func(c *Config) { c.OutcomeQueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
autodiscovery: true
window_size: 32
high_confidence: 0.8
query_timeout: 750ms
max_session_duration: 15s
start_policy: restart
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.Autodiscovery || cfg.WindowSize != 32 || cfg.HighConfidence != 0.8 {
		t.Errorf("scalar fields not applied: %+v", cfg)
	}
	if cfg.QueryTimeout != 750*time.Millisecond || cfg.MaxSessionDuration != 15*time.Second {
		t.Errorf("durations not applied: %v %v", cfg.QueryTimeout, cfg.MaxSessionDuration)
	}
	if cfg.StartPolicy != RestartWhileActive {
		t.Errorf("expected restart policy, got %s", cfg.StartPolicy)
	}
	if cfg.EvidenceFloor != DefaultConfig().EvidenceFloor {
		t.Errorf("omitted fields should keep their defaults, got evidence floor %d", cfg.EvidenceFloor)
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":    "window_sise: 10\n",
		"bad policy":     "start_policy: sometimes\n",
		"invalid values": "confidence_floor: 0.95\nhigh_confidence: 0.5\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			if err := ParseConfig([]byte(doc), &cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
