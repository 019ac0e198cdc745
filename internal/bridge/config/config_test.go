package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"MATRIX_HOMESERVER_URL": "https://matrix.example.org",
		"MATRIX_BOT_USER":       "@bridge_bot:example.org",
		"MATRIX_BOT_PASSWORD":   "bot-pass",
		"MATRIX_ADMIN_USER":     "@admin:example.org",
		"MATRIX_ADMIN_PASSWORD": "admin-pass",
		"AGENT_SERVICE_URL":     "https://agents.example.org",
		"AGENT_SERVICE_TOKEN":   "token-123",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconcileInterval != 60*time.Second {
		t.Errorf("expected default reconcile interval 60s, got %s", cfg.ReconcileInterval)
	}
	if cfg.DedupeTTL != time.Hour {
		t.Errorf("expected default dedupe ttl 1h, got %s", cfg.DedupeTTL)
	}
	if !cfg.StreamingEnabled {
		t.Error("expected streaming enabled by default")
	}
	if cfg.LiveEditMode {
		t.Error("expected live-edit mode disabled by default (progress-then-delete)")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected default log format json, got %s", cfg.LogFormat)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected default HTTP addr :8080, got %s", cfg.HTTPAddr)
	}
	if !cfg.RequireWebhookSignature {
		t.Error("expected webhook signature required by default")
	}
	if cfg.AuditRoomID != "" {
		t.Errorf("expected no audit room by default, got %s", cfg.AuditRoomID)
	}
}

func TestLoad_ReadsAmbientOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BRIDGE_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("BRIDGE_REQUIRE_SIGNATURE", "false")
	t.Setenv("MATRIX_AUDIT_ROOM", "!audit:example.org")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("expected overridden HTTP addr, got %s", cfg.HTTPAddr)
	}
	if cfg.RequireWebhookSignature {
		t.Error("expected webhook signature requirement disabled by env override")
	}
	if cfg.AuditRoomID != "!audit:example.org" {
		t.Errorf("expected audit room id set, got %s", cfg.AuditRoomID)
	}
}

func TestLoad_MissingRequiredVariableErrors(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AGENT_SERVICE_TOKEN", "")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error when AGENT_SERVICE_TOKEN is unset")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(path, []byte("reconcile_interval_s: 30\nlive_edit_mode: true\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("BRIDGE_CONFIG_FILE", path)

	// File sets live_edit_mode true; env overrides it back to false.
	t.Setenv("LIVE_EDIT_MODE", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("expected the file's reconcile interval (30s) to apply, got %s", cfg.ReconcileInterval)
	}
	if cfg.LiveEditMode {
		t.Error("expected the env var to win over the file's live_edit_mode")
	}
}

func TestLoad_ParsesDisabledAgentIDs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DISABLED_AGENT_IDS", "agent-1, agent-2,agent-3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"agent-1", "agent-2", "agent-3"}
	if len(cfg.DisabledAgentIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.DisabledAgentIDs)
	}
	for i, id := range want {
		if cfg.DisabledAgentIDs[i] != id {
			t.Errorf("index %d: expected %s, got %s", i, id, cfg.DisabledAgentIDs[i])
		}
	}
}
