package config

import "testing"

func validConfig() Config {
	cfg := Config{
		DevMode:  false,
		Approval: ApprovalConfig{DeciderHash: "argon2id-hash"},
		Actions: []ActionConfig{
			{Name: "send_email", ApprovalLevel: "notify"},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestConfig_Validate_AcceptsValidConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestConfig_Validate_RequiresDeciderHashOutsideDevMode(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Approval.DeciderHash = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing approval.decider_hash outside dev_mode")
	}
}

func TestConfig_Validate_AllowsMissingDeciderHashInDevMode(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.DevMode = true
	cfg.Approval.DeciderHash = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil in dev_mode", err)
	}
}

func TestConfig_Validate_RejectsDuplicateActionNames(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Actions = append(cfg.Actions, ActionConfig{Name: "send_email", ApprovalLevel: "approve"})

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate action name")
	}
}

func TestConfig_Validate_RejectsInvalidApprovalLevel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Actions = []ActionConfig{{Name: "send_email", ApprovalLevel: "sometimes"}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid approval_level")
	}
}

func TestConfig_Validate_RejectsMalformedListenAddr(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.ListenAddr = "not-a-host-port"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for malformed listen_addr")
	}
}

func TestConfig_Validate_RejectsApprovalExpiryBeyond305s(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Approval.Timeout = "5m"
	cfg.Approval.PollInterval = "10s"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when timeout + poll_interval exceeds 305s")
	}
}

func TestConfig_Validate_AcceptsApprovalExpiryAt305sBound(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Approval.Timeout = "5m"
	cfg.Approval.PollInterval = "5s"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil at the 305s bound", err)
	}
}
