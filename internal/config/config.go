// Package config provides configuration types for the moltgate executor.
//
// Configuration is a single YAML document (or the equivalent environment
// variables) covering the request server's listen address, the audit
// trail's on-disk layout, the canary token store, the kill switch's marker
// file and poll interval, the credential vault's key material, the
// action-descriptor table, rate limiting, and the approval workflow.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the moltgate executor.
type Config struct {
	// Server configures the TCP request server.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Audit configures the hash-chained JSONL audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Canary configures the canary token store and trigger log.
	Canary CanaryConfig `yaml:"canary" mapstructure:"canary"`

	// KillSwitch configures the marker-file kill switch and its watcher.
	KillSwitch KillSwitchConfig `yaml:"kill_switch" mapstructure:"kill_switch"`

	// Secrets configures the credential vault's key material.
	Secrets SecretsConfig `yaml:"secrets" mapstructure:"secrets"`

	// Approval configures the human-in-the-loop approval workflow.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// RateLimit configures the GCRA rate limiter backing per-action rate caps.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Actions is the action descriptor table. Empty means the built-in
	// defaultActions table (see SetDefaults) applies unchanged.
	Actions []ActionConfig `yaml:"actions" mapstructure:"actions" validate:"omitempty,dive"`

	// Metrics configures the Prometheus /metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// DevMode enables development defaults (verbose logging, an in-memory
	// secret source, and no decider-hash requirement).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the TCP request server.
type ServerConfig struct {
	// ListenAddr is the address the request server binds to, e.g.
	// "127.0.0.1:7070". Defaults to "127.0.0.1:7070" if empty.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// MetricsAddr is the address the HTTP health/metrics server binds to.
	// Defaults to "127.0.0.1:7071" if empty.
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	// Workers is the size of the connection-handling worker pool. Defaults
	// to 32 if zero or negative.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Name is reported in pong responses. Version is not read by the
	// executor: pong reports the binary's build version instead.
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
}

// AuditConfig configures the hash-chained audit trail.
type AuditConfig struct {
	// Dir is the directory holding daily audit-<date>.jsonl files and the
	// chain sidecar. Defaults to "./audit" if empty.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`

	// RetentionDays is how many days of audit files to keep before the
	// cleanup loop deletes them. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// CacheSize bounds the in-memory ring buffer of recent events used to
	// answer recent-event queries without rereading the day's file.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`

	// IndexPath is the path to the SQLite side index used for structured
	// queries over the audit trail. The JSONL files remain the source of
	// truth for VerifyChain; the index is rebuildable from them. Defaults
	// to "<dir>/audit-index.db" if empty.
	IndexPath string `yaml:"index_path" mapstructure:"index_path"`
}

// CanaryConfig configures the canary token store and trigger log.
type CanaryConfig struct {
	// TokensPath is the path to the JSON file persisting planted canary
	// tokens. Defaults to "./canary/tokens.json".
	TokensPath string `yaml:"tokens_path" mapstructure:"tokens_path" validate:"required"`

	// TriggerLogPath is the path to the JSONL file recording every canary
	// trigger. Defaults to "./canary/triggers.jsonl".
	TriggerLogPath string `yaml:"trigger_log_path" mapstructure:"trigger_log_path" validate:"required"`
}

// KillSwitchConfig configures the marker-file kill switch.
type KillSwitchConfig struct {
	// MarkerPath is the file the switch writes a human-readable kill record
	// to when it fires, and that the file watcher polls for a remote kill:
	// the watcher fires only when the file's contents contain a kill
	// literal. The switch does not read it at startup, so a killed state is
	// not restored from it by itself. Defaults to "./killswitch.marker".
	MarkerPath string `yaml:"marker_path" mapstructure:"marker_path" validate:"required"`

	// PollInterval is how often the watcher polls MarkerPath, e.g. "1s".
	// Defaults to "1s".
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"omitempty"`
}

// SecretsConfig configures the credential vault's key material.
type SecretsConfig struct {
	// Dir is the directory holding encrypted secret files. Defaults to
	// "./secrets".
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`

	// KeyFile is the age/sops key file used to decrypt them. Required
	// unless DevMode is set, in which case a permissive in-memory secret
	// source is used instead.
	KeyFile string `yaml:"key_file" mapstructure:"key_file"`

	// Binary is the decryption tool to invoke. Defaults to "sops".
	Binary string `yaml:"binary" mapstructure:"binary"`
}

// ApprovalConfig configures the human-in-the-loop approval workflow.
type ApprovalConfig struct {
	// DeciderHash is the argon2id hash of the token a decider must present
	// in an approval_response to be accepted. Generate with the
	// hash-key CLI command. Empty disables the check (any token verifies),
	// which is only appropriate for local development.
	DeciderHash string `yaml:"decider_hash" mapstructure:"decider_hash"`

	// Timeout is how long a pending approval waits before it expires and
	// is treated as denied, e.g. "5m". Defaults to "5m".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// PollInterval is how often the expiry poller scans pending approvals.
	// Defaults to "5s".
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"omitempty"`
}

// RateLimitConfig configures the GCRA rate limiter.
type RateLimitConfig struct {
	// CleanupInterval is how often the in-memory limiter sweeps expired
	// entries, e.g. "5m". Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`

	// MaxTTL is the maximum age of a rate limit entry before removal, e.g.
	// "1h". Defaults to "1h".
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// ActionConfig defines or overrides a single action descriptor.
type ActionConfig struct {
	// Name is the action's wire identifier, e.g. "send_email".
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// ApprovalLevel is "none", "notify", or "approve".
	ApprovalLevel string `yaml:"approval_level" mapstructure:"approval_level" validate:"required,oneof=none notify approve"`

	// RateCap is a "<count>/<window>" expression, e.g. "20/hour". Empty
	// means uncapped.
	RateCap string `yaml:"rate_cap" mapstructure:"rate_cap"`

	// Description is surfaced by list_actions.
	Description string `yaml:"description" mapstructure:"description"`

	// Condition is an optional CEL expression over the request's params
	// that must evaluate to true for the action to proceed.
	Condition string `yaml:"condition" mapstructure:"condition"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the HTTP path the metrics handler is mounted at. Defaults
	// to "/metrics".
	Path string `yaml:"path" mapstructure:"path"`
}

// defaultActions is the built-in action descriptor table: the gmail,
// telegram, slack and twilio actions that the vault's required-secrets table
// and the anomaly detector's thresholds name, each with its approval level
// and hourly rate cap. The only integration in this tree is the logging
// integration, which simulates every action. SetDefaults applies it whenever config supplies no
// actions at all, so a stock `moltgate serve` with no config file gates
// exactly these actions instead of rejecting everything as
// action_not_allowed.
var defaultActions = []ActionConfig{
	{Name: "send_email", ApprovalLevel: "approve", RateCap: "10/hour", Description: "Send email via Gmail API"},
	{Name: "send_telegram", ApprovalLevel: "approve", RateCap: "50/hour", Description: "Send Telegram message"},
	{Name: "send_slack", ApprovalLevel: "approve", RateCap: "50/hour", Description: "Send Slack message"},
	{Name: "make_call", ApprovalLevel: "approve", RateCap: "5/hour", Description: "Make phone call via Twilio"},
	{Name: "send_sms", ApprovalLevel: "approve", RateCap: "20/hour", Description: "Send SMS via Twilio"},
	{Name: "read_email", ApprovalLevel: "none", RateCap: "100/hour", Description: "Read emails (no approval needed)"},
	{Name: "read_telegram", ApprovalLevel: "none", RateCap: "100/hour", Description: "Read Telegram messages"},
	{Name: "read_slack", ApprovalLevel: "none", RateCap: "100/hour", Description: "Read Slack messages"},
}

// SetDevDefaults applies permissive defaults for development mode, applied
// before validation so required fields are satisfied without a config file.
// The action table itself is no longer dev-only (see defaultActions in
// SetDefaults); this stays in place as the hook for anything that should
// differ in dev mode specifically, such as the decider-hash requirement
// validateApprovalDeciderHash relaxes.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if len(c.Actions) == 0 {
		c.Actions = append([]ActionConfig(nil), defaultActions...)
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:7070"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = "127.0.0.1:7071"
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 32
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.Name == "" {
		c.Server.Name = "moltgate"
	}

	if c.Audit.Dir == "" {
		c.Audit.Dir = "./audit"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}
	if c.Audit.IndexPath == "" {
		c.Audit.IndexPath = c.Audit.Dir + "/audit-index.db"
	}

	if c.Canary.TokensPath == "" {
		c.Canary.TokensPath = "./canary/tokens.json"
	}
	if c.Canary.TriggerLogPath == "" {
		c.Canary.TriggerLogPath = "./canary/triggers.jsonl"
	}

	if c.KillSwitch.MarkerPath == "" {
		c.KillSwitch.MarkerPath = "./killswitch.marker"
	}
	if c.KillSwitch.PollInterval == "" {
		c.KillSwitch.PollInterval = "1s"
	}

	if c.Secrets.Dir == "" {
		c.Secrets.Dir = "./secrets"
	}
	if c.Secrets.Binary == "" {
		c.Secrets.Binary = "sops"
	}

	if c.Approval.Timeout == "" {
		c.Approval.Timeout = "5m"
	}
	if c.Approval.PollInterval == "" {
		// 5s keeps Timeout (300s) + PollInterval within the 305s worst-case
		// expiry detection bound enforced by validateApprovalExpiryBound.
		c.Approval.PollInterval = "5s"
	}

	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	// Metrics default to enabled; only apply when the user hasn't
	// explicitly set it, the same viper.IsSet guard the rate limiter and
	// HTTP gateway defaults use, so an explicit "false" in YAML/env sticks.
	if !viper.IsSet("metrics.enabled") {
		c.Metrics.Enabled = true
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
