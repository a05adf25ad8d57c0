package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("expected default nats url")
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected default http addr")
	}
	if cfg.LeaseTTL != defaultLeaseTTL {
		t.Fatalf("expected default lease ttl, got %s", cfg.LeaseTTL)
	}
	if cfg.AutomationLevel != defaultAutomationLevel {
		t.Fatalf("expected default automation level, got %d", cfg.AutomationLevel)
	}
	if cfg.ConfidenceFloor != defaultConfidenceFloor {
		t.Fatalf("expected default confidence floor")
	}
	if cfg.EventsViaNATS {
		t.Fatalf("expected nats events disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envHTTPAddr, ":9000")
	t.Setenv(envLeaseTTL, "5s")
	t.Setenv(envAutomationLevel, "3")
	t.Setenv(envConfidenceFloor, "0.75")
	t.Setenv(envEventsNATS, "true")
	t.Setenv(envOpenAIKey, " sk-test ")

	cfg := Load()
	if cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected nats url")
	}
	if cfg.RedisURL != "redis://example:6379" {
		t.Fatalf("unexpected redis url")
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("unexpected http addr")
	}
	if cfg.LeaseTTL != 5*time.Second {
		t.Fatalf("unexpected lease ttl %s", cfg.LeaseTTL)
	}
	if cfg.AutomationLevel != 3 {
		t.Fatalf("unexpected automation level %d", cfg.AutomationLevel)
	}
	if cfg.ConfidenceFloor != 0.75 {
		t.Fatalf("unexpected confidence floor %v", cfg.ConfidenceFloor)
	}
	if !cfg.EventsViaNATS {
		t.Fatalf("expected nats events enabled")
	}
	if cfg.OpenAIKey != "sk-test" {
		t.Fatalf("unexpected openai key %q", cfg.OpenAIKey)
	}
}

func TestLoadClampsInvalidValues(t *testing.T) {
	t.Setenv(envAutomationLevel, "9")
	t.Setenv(envConfidenceFloor, "1.5")
	t.Setenv(envLeaseTTL, "not-a-duration")

	cfg := Load()
	if cfg.AutomationLevel != 3 {
		t.Fatalf("expected level clamped to 3, got %d", cfg.AutomationLevel)
	}
	if cfg.ConfidenceFloor != defaultConfidenceFloor {
		t.Fatalf("expected default floor for out-of-range value")
	}
	if cfg.LeaseTTL != defaultLeaseTTL {
		t.Fatalf("expected default ttl for invalid duration")
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	data := []byte("default_automation_level: 3\ngates:\n  analysis.report_gate: MAJOR\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if cfg.DefaultAutomationLevel != 3 {
		t.Fatalf("unexpected level %d", cfg.DefaultAutomationLevel)
	}
	if cfg.Gates["analysis.report_gate"] != "major" {
		t.Fatalf("expected normalized importance, got %#v", cfg.Gates)
	}
}

func TestLoadPolicyRejectsUnknownImportance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("gates:\n  trading.trade_gate: critical\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg, err := LoadPolicy(path)
	if err == nil {
		t.Fatalf("expected error for unknown importance")
	}
	if cfg == nil || len(cfg.Gates) != 0 {
		t.Fatalf("expected defaults on error")
	}
}

func TestLoadPolicyMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected read error")
	}
	if cfg.DefaultAutomationLevel != defaultAutomationLevel {
		t.Fatalf("expected default level")
	}
}

func TestDefaultAutomationPrecedence(t *testing.T) {
	policy := &PolicyConfig{DefaultAutomationLevel: 3}
	if got := Load().DefaultAutomation(policy); got != 3 {
		t.Fatalf("expected policy default when env unset, got %d", got)
	}
	if got := Load().DefaultAutomation(nil); got != defaultAutomationLevel {
		t.Fatalf("expected built-in default without policy, got %d", got)
	}
	t.Setenv(envAutomationLevel, "1")
	if got := Load().DefaultAutomation(policy); got != 1 {
		t.Fatalf("expected env level to win, got %d", got)
	}
}
