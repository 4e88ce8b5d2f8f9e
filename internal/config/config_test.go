package config

import "testing"

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.ListenAddr != "127.0.0.1:7070" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, "127.0.0.1:7070")
	}
	if cfg.Server.Workers != 32 {
		t.Errorf("Workers = %d, want 32", cfg.Server.Workers)
	}
	if cfg.Audit.Dir != "./audit" {
		t.Errorf("Audit.Dir = %q, want %q", cfg.Audit.Dir, "./audit")
	}
	if cfg.Audit.IndexPath != "./audit/audit-index.db" {
		t.Errorf("Audit.IndexPath = %q, want %q", cfg.Audit.IndexPath, "./audit/audit-index.db")
	}
	if cfg.KillSwitch.MarkerPath == "" {
		t.Error("KillSwitch.MarkerPath should default to a non-empty path")
	}
	if cfg.Approval.Timeout != "5m" {
		t.Errorf("Approval.Timeout = %q, want 5m", cfg.Approval.Timeout)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to true")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestConfig_SetDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := Config{Server: ServerConfig{ListenAddr: "0.0.0.0:9999", Workers: 4}}
	cfg.SetDefaults()

	if cfg.Server.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q, want explicit value preserved", cfg.Server.ListenAddr)
	}
	if cfg.Server.Workers != 4 {
		t.Errorf("Workers = %d, want explicit value preserved", cfg.Server.Workers)
	}
}

func TestConfig_SetDefaults_DoesNotOverrideExplicitActions(t *testing.T) {
	t.Parallel()

	cfg := Config{Actions: []ActionConfig{{Name: "custom_action", ApprovalLevel: "none"}}}
	cfg.SetDefaults()

	if len(cfg.Actions) != 1 || cfg.Actions[0].Name != "custom_action" {
		t.Errorf("Actions = %+v, want explicit single-action table preserved", cfg.Actions)
	}
}

func TestConfig_SetDefaults_SeedsBuiltInActionTable(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	want := map[string]string{
		"send_email":    "approve",
		"send_telegram": "approve",
		"send_slack":    "approve",
		"make_call":     "approve",
		"send_sms":      "approve",
		"read_email":    "none",
		"read_telegram": "none",
		"read_slack":    "none",
	}
	if len(cfg.Actions) != len(want) {
		t.Fatalf("len(Actions) = %d, want %d", len(cfg.Actions), len(want))
	}
	got := make(map[string]string, len(cfg.Actions))
	for _, a := range cfg.Actions {
		got[a.Name] = a.ApprovalLevel
	}
	for name, level := range want {
		if got[name] != level {
			t.Errorf("action %q approval level = %q, want %q", name, got[name], level)
		}
	}

	for _, a := range cfg.Actions {
		if a.Name == "send_email" && a.RateCap != "10/hour" {
			t.Errorf("send_email RateCap = %q, want 10/hour", a.RateCap)
		}
	}
}

func TestConfig_SetDevDefaults_DoesNotAlterActions(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()
	before := len(cfg.Actions)

	cfg.DevMode = true
	cfg.SetDevDefaults()

	if len(cfg.Actions) != before {
		t.Errorf("SetDevDefaults changed action count: got %d, want %d", len(cfg.Actions), before)
	}
}
