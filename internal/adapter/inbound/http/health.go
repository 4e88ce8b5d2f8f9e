package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/audit"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/killswitch"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies the executor's own component health. A killed
// kill switch is reported but does not flip the overall status to
// unhealthy: a killed executor is a correctly-functioning safety state,
// not a fault, and the read-only handlers (including this one) must stay
// reachable for forensic observation while killed.
type HealthChecker struct {
	verifier   audit.Verifier
	killSwitch *killswitch.Switch
	version    string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(verifier audit.Verifier, killSwitch *killswitch.Switch, version string) *HealthChecker {
	return &HealthChecker{verifier: verifier, killSwitch: killSwitch, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.killSwitch != nil {
		status := h.killSwitch.Status()
		if status.Killed {
			checks["kill_switch"] = "killed"
		} else {
			checks["kill_switch"] = "armed"
		}
	} else {
		checks["kill_switch"] = "not configured"
	}

	if h.verifier != nil {
		result, err := h.verifier.VerifyChain(context.Background())
		switch {
		case err != nil:
			checks["audit_chain"] = fmt.Sprintf("error: %v", err)
			healthy = false
		case !result.Valid:
			checks["audit_chain"] = fmt.Sprintf("tampered: %d error(s)", len(result.Errors))
			healthy = false
		default:
			checks["audit_chain"] = "ok"
		}
	} else {
		checks["audit_chain"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
