package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/memory"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/approval"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/audit"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/canary"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/dispatch"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/killswitch"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/policy"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/vault"
)

// memAuditStore is a minimal in-memory audit.Store for tests that care
// about what got appended, not about durability or hash-chain verification.
type memAuditStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memAuditStore) Append(_ context.Context, kind audit.Kind, action, actor, zone string, details map[string]interface{}, requestID string) (audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := audit.Event{
		Kind: kind, Action: action, Actor: actor, SourceZone: zone,
		Details: details, RequestID: requestID,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *memAuditStore) Close() error { return nil }

func (s *memAuditStore) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Kind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

// noopChannel is an approval.Channel that never actually notifies anyone;
// tests drive decisions directly through the manager.
type noopChannel struct{}

func (noopChannel) Post(approval.Message) (approval.Correlation, error) {
	return approval.Correlation{}, nil
}
func (noopChannel) UpdateTerminal(approval.Correlation, approval.Status, string) error { return nil }

// fakeIntegration is an outbound.Integration that records calls and
// returns a canned result or error.
type fakeIntegration struct {
	mu      sync.Mutex
	calls   int
	lastErr error
	result  map[string]interface{}
}

func (f *fakeIntegration) Execute(_ context.Context, action string, params map[string]interface{}, secrets map[string]string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return map[string]interface{}{"action": action}, nil
}

// fakeSecretSource implements vault.SecretSource with no actual secrets,
// enough for actions outside the required-secrets table.
type fakeSecretSource struct{}

func (fakeSecretSource) Decrypt(string) (map[string]string, error) {
	return map[string]string{}, nil
}

func newTestService(t *testing.T, descriptors []policy.ActionDescriptor) (*DispatchService, *memAuditStore, *fakeIntegration) {
	t.Helper()

	table := policy.NewStaticTable(descriptors)
	engine := policy.NewEngine(table, nil, nil)
	store := &memAuditStore{}
	ks := killswitch.New(filepath.Join(t.TempDir(), "killed.marker"), nil, nil)
	anomaly := killswitch.NewAnomalyDetector(ks)
	integration := &fakeIntegration{}

	cfg := Config{
		Engine:      engine,
		Table:       table,
		AuditStore:  store,
		KillSwitch:  ks,
		Anomaly:     anomaly,
		Canaries:    nil,
		Channel:     noopChannel{},
		Vault:       vault.New(fakeSecretSource{}),
		Integration: integration,
		ServerName:  "moltgate-test",
		Version:     "test",
	}
	return New(cfg), store, integration
}

func TestCapabilityRequestUnknownActionDenied(t *testing.T) {
	svc, store, _ := newTestService(t, nil)

	resp := svc.CapabilityRequest(context.Background(), dispatch.CapabilityRequest{
		Type: dispatch.TypeCapabilityRequest, Action: "nonexistent", Params: nil,
	})

	if resp.Status != dispatch.StatusDenied {
		t.Fatalf("status = %q, want %q", resp.Status, dispatch.StatusDenied)
	}
	if resp.Error != "action_not_allowed" {
		t.Fatalf("error = %q, want action_not_allowed", resp.Error)
	}

	kinds := store.kinds()
	if len(kinds) != 2 || kinds[0] != audit.KindActionRequested || kinds[1] != audit.KindPolicyDenied {
		t.Fatalf("audit kinds = %v, want [ACTION_REQUESTED POLICY_DENIED]", kinds)
	}
}

func TestCapabilityRequestNoApprovalRunsThroughExecute(t *testing.T) {
	svc, store, integration := newTestService(t, []policy.ActionDescriptor{
		{Name: "ping_host", ApprovalLevel: policy.ApprovalNone, Description: "pings a host"},
	})

	reqResp := svc.CapabilityRequest(context.Background(), dispatch.CapabilityRequest{
		Type: dispatch.TypeCapabilityRequest, Action: "ping_host", Params: map[string]interface{}{"host": "example.com"},
	})
	if reqResp.Status != dispatch.StatusApproved {
		t.Fatalf("status = %q, want %q", reqResp.Status, dispatch.StatusApproved)
	}

	execResp := svc.CapabilityExecute(context.Background(), dispatch.CapabilityExecute{
		Type: dispatch.TypeCapabilityExecute, Action: "ping_host", Params: map[string]interface{}{"host": "example.com"},
	})
	if execResp.Status != dispatch.StatusSuccess {
		t.Fatalf("status = %q, want %q (err=%s msg=%s)", execResp.Status, dispatch.StatusSuccess, execResp.Error, execResp.Message)
	}
	if integration.calls != 1 {
		t.Fatalf("integration.calls = %d, want 1", integration.calls)
	}

	kinds := store.kinds()
	if len(kinds) != 3 {
		t.Fatalf("audit kinds = %v, want 3 entries", kinds)
	}
	if kinds[0] != audit.KindActionRequested || kinds[1] != audit.KindActionApproved || kinds[2] != audit.KindActionExecuted {
		t.Fatalf("unexpected audit sequence: %v", kinds)
	}
}

func TestCapabilityRequestRequiresApprovalThenApproved(t *testing.T) {
	svc, store, integration := newTestService(t, []policy.ActionDescriptor{
		{Name: "send_email", ApprovalLevel: policy.ApprovalRequired, Description: "sends an email"},
	})

	reqResp := svc.CapabilityRequest(context.Background(), dispatch.CapabilityRequest{
		Type: dispatch.TypeCapabilityRequest, Action: "send_email", Params: map[string]interface{}{"to": "x@example.com"},
	})
	if reqResp.Status != dispatch.StatusPendingApproval {
		t.Fatalf("status = %q, want %q", reqResp.Status, dispatch.StatusPendingApproval)
	}
	if reqResp.ApprovalID == "" {
		t.Fatal("expected non-empty approval id")
	}

	// A capability_execute carrying an approval id the manager does not know
	// should be refused up front rather than silently executing.
	execResp := svc.CapabilityExecute(context.Background(), dispatch.CapabilityExecute{
		Type: dispatch.TypeCapabilityExecute, Action: "send_email", ApprovalID: "bogus",
	})
	if execResp.Status != dispatch.StatusError || execResp.Error != "invalid_approval" {
		t.Fatalf("expected invalid_approval error, got status=%q error=%q", execResp.Status, execResp.Error)
	}

	decideResp := svc.ApprovalResponse(context.Background(), dispatch.ApprovalResponse{
		Type: dispatch.TypeApprovalResponse, ApprovalID: reqResp.ApprovalID, Approved: true,
	})
	if decideResp.Status != dispatch.StatusApproved {
		t.Fatalf("decide status = %q, want %q", decideResp.Status, dispatch.StatusApproved)
	}

	if integration.calls != 1 {
		t.Fatalf("integration.calls = %d, want 1 after approval", integration.calls)
	}

	kinds := store.kinds()
	last := kinds[len(kinds)-1]
	if last != audit.KindActionExecuted {
		t.Fatalf("last audit kind = %q, want ACTION_EXECUTED", last)
	}
}

func TestCapabilityRequestRejectedApprovalNeverExecutes(t *testing.T) {
	svc, store, integration := newTestService(t, []policy.ActionDescriptor{
		{Name: "send_sms", ApprovalLevel: policy.ApprovalRequired, Description: "sends an sms"},
	})

	reqResp := svc.CapabilityRequest(context.Background(), dispatch.CapabilityRequest{
		Type: dispatch.TypeCapabilityRequest, Action: "send_sms",
	})

	decideResp := svc.ApprovalResponse(context.Background(), dispatch.ApprovalResponse{
		Type: dispatch.TypeApprovalResponse, ApprovalID: reqResp.ApprovalID, Approved: false,
	})
	if decideResp.Status != dispatch.StatusDenied {
		t.Fatalf("decide status = %q, want %q", decideResp.Status, dispatch.StatusDenied)
	}

	if integration.calls != 0 {
		t.Fatalf("integration.calls = %d, want 0 for a rejected approval", integration.calls)
	}

	kinds := store.kinds()
	if kinds[len(kinds)-1] != audit.KindActionRejected {
		t.Fatalf("last audit kind = %q, want ACTION_REJECTED", kinds[len(kinds)-1])
	}
}

func TestCapabilityExecuteRefusedWhenKilled(t *testing.T) {
	svc, _, integration := newTestService(t, []policy.ActionDescriptor{
		{Name: "ping_host", ApprovalLevel: policy.ApprovalNone},
	})

	svc.Kill(context.Background(), dispatch.KillRequest{Type: dispatch.TypeKill, Reason: "manual"})

	resp := svc.CapabilityExecute(context.Background(), dispatch.CapabilityExecute{
		Type: dispatch.TypeCapabilityExecute, Action: "ping_host",
	})
	if resp.Status != dispatch.StatusError || resp.Error != "killed" {
		t.Fatalf("status=%q error=%q, want error/killed", resp.Status, resp.Error)
	}
	if integration.calls != 0 {
		t.Fatalf("integration.calls = %d, want 0 once killed", integration.calls)
	}
}

func TestCapabilityExecuteAnomalyTripsKillSwitchDespiteLowerRateCap(t *testing.T) {
	// send_email's anomaly threshold (20/60s) is above its policy rate cap
	// here (5/hour); the anomaly detector must still see every execute
	// attempt so a burst past 20 trips the kill switch instead of every
	// call past 5 silently returning rate_limited forever.
	descriptors := []policy.ActionDescriptor{
		{Name: "send_email", ApprovalLevel: policy.ApprovalNone, RateCap: "5/hour", Description: "sends an email"},
	}
	table := policy.NewStaticTable(descriptors)
	limiter := memory.NewRateLimiter()
	defer limiter.Stop()
	engine := policy.NewEngine(table, limiter, nil)
	store := &memAuditStore{}
	ks := killswitch.New(filepath.Join(t.TempDir(), "killed.marker"), nil, nil)
	anomaly := killswitch.NewAnomalyDetector(ks)
	integration := &fakeIntegration{}

	svc := New(Config{
		Engine:      engine,
		Table:       table,
		AuditStore:  store,
		KillSwitch:  ks,
		Anomaly:     anomaly,
		Channel:     noopChannel{},
		Vault:       vault.New(fakeSecretSource{}),
		Integration: integration,
		ServerName:  "moltgate-test",
		Version:     "test",
	})

	var lastResp dispatch.ExecuteResponse
	for i := 0; i < 25; i++ {
		lastResp = svc.CapabilityExecute(context.Background(), dispatch.CapabilityExecute{
			Type: dispatch.TypeCapabilityExecute, Action: "send_email", Params: map[string]interface{}{"to": "x@example.com"},
		})
	}

	if lastResp.Error != "killed" {
		t.Fatalf("last response error = %q, want killed (got status=%q)", lastResp.Error, lastResp.Status)
	}

	status := svc.Status(context.Background(), dispatch.StatusRequest{})
	if !status.KillSwitchKilled {
		t.Fatal("expected kill_switch.killed to be true after anomaly burst")
	}
}

func TestContentSanitizedFlagsInjection(t *testing.T) {
	svc, store, _ := newTestService(t, nil)

	resp := svc.ContentSanitized(context.Background(), dispatch.ContentSanitized{
		Type: dispatch.TypeContentSanitized, Source: "ingestion",
		Content: map[string]interface{}{"body": "hello"}, InjectionDetected: true,
	})
	if resp.Status != dispatch.StatusAcknowledged {
		t.Fatalf("status = %q, want %q", resp.Status, dispatch.StatusAcknowledged)
	}

	kinds := store.kinds()
	if len(kinds) != 2 || kinds[0] != audit.KindContentSanitized || kinds[1] != audit.KindInjectionDetected {
		t.Fatalf("audit kinds = %v, want [CONTENT_SANITIZED INJECTION_DETECTED]", kinds)
	}
}

func TestContentSanitizedChecksCanaries(t *testing.T) {
	svc, store, _ := newTestService(t, nil)

	tokenStore := &canaryMemStore{}
	triggerLog := &canaryMemTriggerLog{}
	registry, err := canary.NewRegistry(tokenStore, triggerLog, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	token, err := registry.Create(canary.KindPrompt, "seed-doc", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	svc.canaries = registry

	resp := svc.ContentSanitized(context.Background(), dispatch.ContentSanitized{
		Type: dispatch.TypeContentSanitized, Source: "reasoning",
		Content: map[string]interface{}{"body": "leaked value: " + token.Value},
	})
	if resp.Status != dispatch.StatusAcknowledged {
		t.Fatalf("status = %q", resp.Status)
	}

	kinds := store.kinds()
	if kinds[len(kinds)-1] != audit.KindInjectionDetected {
		t.Fatalf("expected a canary trigger to audit INJECTION_DETECTED, got %v", kinds)
	}
}

// canaryMemStore and canaryMemTriggerLog are minimal in-memory
// implementations of canary.Store and canary.TriggerLog for tests.
type canaryMemStore struct {
	mu     sync.Mutex
	tokens []canary.Token
}

func (s *canaryMemStore) Load() ([]canary.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canary.Token(nil), s.tokens...), nil
}

func (s *canaryMemStore) Save(tokens []canary.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append([]canary.Token(nil), tokens...)
	return nil
}

type canaryMemTriggerLog struct {
	mu       sync.Mutex
	triggers []canary.Trigger
}

func (l *canaryMemTriggerLog) Append(t canary.Trigger) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.triggers = append(l.triggers, t)
	return nil
}
