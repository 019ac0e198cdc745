// Package config loads the bridge's layered configuration: an optional
// on-disk YAML file (BRIDGE_CONFIG_FILE) provides a base, environment
// variables always win on top of it, per spec §6's environment table.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/ruriko-bridge/common/environment"
)

// Config is the fully-resolved bridge configuration, one field per spec §6
// environment key (plus the ambient-stack additions BRIDGE_CONFIG_FILE /
// BRIDGE_LOG_FORMAT).
type Config struct {
	MatrixHomeserverURL  string
	MatrixBotUser        string
	MatrixBotPassword    string
	MatrixAdminUser      string
	MatrixAdminPassword  string

	AgentServiceURL   string
	AgentServiceToken string

	ReconcileInterval time.Duration
	SoftDeleteGrace   time.Duration
	DedupeTTL         time.Duration

	StreamingEnabled bool
	LiveEditMode     bool

	TotalTimeout time.Duration
	IdleTimeout  time.Duration

	DatabaseURL   string
	WebhookSecret string

	AlertURL   string
	AlertTopic string

	DisabledAgentIDs []string

	LogFormat string // "json" (default) or "tint"

	// HTTPAddr is the X1 control plane's listen address. Ambient-stack
	// addition: the spec's endpoint table implies a listener but never
	// names the env var that configures it.
	HTTPAddr string
	// RequireWebhookSignature enforces the X-Signature header on both
	// webhook endpoints. Spec: "required in production, optional in
	// development" — defaults to true, set BRIDGE_REQUIRE_SIGNATURE=false
	// for local development against an unsigned webhook sender.
	RequireWebhookSignature bool
	// AuditRoomID, when set, is a Matrix room the bridge bot posts
	// lifecycle/error notices to (agent discovered/provisioned/renamed/
	// deleted, reconcile alert). Ambient-stack addition grounded on the
	// teacher's MATRIX_AUDIT_ROOM; unset disables audit notices entirely.
	AuditRoomID string
}

// defaults mirrors spec §6's stated defaults, expressed as the koanf key ⇒
// value map layered in first.
func defaults() map[string]any {
	return map[string]any{
		"reconcile_interval_s": 60,
		"soft_delete_grace_s":  7200,
		"dedupe_ttl_s":         3600,
		"streaming_enabled":    true,
		"live_edit_mode":       false,
		"total_timeout_s":      120,
		"idle_timeout_s":       120,
		"bridge_log_format":    "json",
		"bridge_http_addr":     ":8080",
		"bridge_require_signature": true,
	}
}

// Load resolves Config from (in increasing priority): built-in defaults,
// an optional YAML file named by BRIDGE_CONFIG_FILE, then the process
// environment. Required keys missing after all three layers produce an
// error naming the env var a human would set.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := environment.StringOr("BRIDGE_CONFIG_FILE", ""); path != "" {
		fileMap, err := loadYAMLFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		if err := k.Load(confmap.Provider(fileMap, "."), nil); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", path, err)
		}
	}

	// Env vars always win: loaded last, over both defaults and the file.
	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{
		MatrixHomeserverURL: k.String("matrix_homeserver_url"),
		MatrixBotUser:       k.String("matrix_bot_user"),
		MatrixBotPassword:   k.String("matrix_bot_password"),
		MatrixAdminUser:     k.String("matrix_admin_user"),
		MatrixAdminPassword: k.String("matrix_admin_password"),

		AgentServiceURL:   k.String("agent_service_url"),
		AgentServiceToken: k.String("agent_service_token"),

		ReconcileInterval: time.Duration(k.Int64("reconcile_interval_s")) * time.Second,
		SoftDeleteGrace:   time.Duration(k.Int64("soft_delete_grace_s")) * time.Second,
		DedupeTTL:         time.Duration(k.Int64("dedupe_ttl_s")) * time.Second,

		StreamingEnabled: k.Bool("streaming_enabled"),
		LiveEditMode:     k.Bool("live_edit_mode"),

		TotalTimeout: time.Duration(k.Int64("total_timeout_s")) * time.Second,
		IdleTimeout:  time.Duration(k.Int64("idle_timeout_s")) * time.Second,

		DatabaseURL:   k.String("database_url"),
		WebhookSecret: k.String("webhook_secret"),

		AlertURL:   k.String("alert_url"),
		AlertTopic: k.String("alert_topic"),

		DisabledAgentIDs: splitCSV(k.String("disabled_agent_ids")),

		LogFormat: k.String("bridge_log_format"),

		HTTPAddr:                k.String("bridge_http_addr"),
		RequireWebhookSignature: k.Bool("bridge_require_signature"),

		AuditRoomID: k.String("matrix_audit_room"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// required env keys per spec §6, named exactly as their environment
// variable so validation errors are directly actionable.
var requiredEnvVars = []struct {
	name  string
	value func(*Config) string
}{
	{"MATRIX_HOMESERVER_URL", func(c *Config) string { return c.MatrixHomeserverURL }},
	{"MATRIX_BOT_USER", func(c *Config) string { return c.MatrixBotUser }},
	{"MATRIX_BOT_PASSWORD", func(c *Config) string { return c.MatrixBotPassword }},
	{"MATRIX_ADMIN_USER", func(c *Config) string { return c.MatrixAdminUser }},
	{"MATRIX_ADMIN_PASSWORD", func(c *Config) string { return c.MatrixAdminPassword }},
	{"AGENT_SERVICE_URL", func(c *Config) string { return c.AgentServiceURL }},
	{"AGENT_SERVICE_TOKEN", func(c *Config) string { return c.AgentServiceToken }},
}

func (c *Config) validate() error {
	for _, req := range requiredEnvVars {
		if req.value(c) == "" {
			return fmt.Errorf("config: required environment variable %s is not set", req.name)
		}
	}
	return nil
}

// envTransform lowercases env-provided keys so they line up with the
// lowercase keys defaults()/the YAML file use, without otherwise touching
// koanf's env.Provider key-splitting.
func envTransform(key, value string) (string, any) {
	return toLower(key), value
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if trimmed := trimSpace(s[start:i]); trimmed != "" {
				out = append(out, trimmed)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func loadYAMLFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
