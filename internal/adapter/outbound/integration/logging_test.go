package integration

import (
	"context"
	"testing"
)

func TestLoggingIntegrationExecuteReturnsSimulatedResult(t *testing.T) {
	i := NewLoggingIntegration(nil)

	result, err := i.Execute(context.Background(), "send_email",
		map[string]interface{}{"to": "a@example.com"},
		map[string]string{"gmail_token": "secret"},
	)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result["action"] != "send_email" {
		t.Errorf("action = %v, want send_email", result["action"])
	}
	if simulated, _ := result["simulated"].(bool); !simulated {
		t.Errorf("simulated = %v, want true", result["simulated"])
	}
	if result["executed_at"] == "" || result["executed_at"] == nil {
		t.Error("expected a non-empty executed_at timestamp")
	}
}
