// Package outbound defines the outbound port interfaces the dispatch
// service drives: the thing that actually performs a capability once
// policy, kill switch, anomaly detection, and secret injection have all
// agreed it may proceed.
package outbound

import "context"

// Integration is the outbound port for actually performing an action.
// Concrete messaging providers (Gmail, Telegram, Slack, Twilio) are
// deliberately out of scope; adapters implementing this port are free to
// shell out, call an HTTP API, or (for development) just log.
type Integration interface {
	// Execute performs action with params and the secrets the vault
	// resolved for it, and returns a result payload to echo back on the
	// wire. A non-nil error is surfaced to the caller as an
	// integration_failure.
	Execute(ctx context.Context, action string, params map[string]interface{}, secrets map[string]string) (map[string]interface{}, error)
}
