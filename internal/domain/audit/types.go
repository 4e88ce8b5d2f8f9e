// Package audit implements the hash-chained, append-only event log: every
// event's hash is computed over the canonical serialization of its own
// fields concatenated with the previous event's hash, forming a tamper
// -evident sequence rooted at the literal string "GENESIS".
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind is the closed set of audit event kinds.
type Kind string

const (
	KindActionRequested     Kind = "action_requested"
	KindActionApproved      Kind = "action_approved"
	KindActionRejected      Kind = "action_rejected"
	KindActionExecuted      Kind = "action_executed"
	KindActionFailed        Kind = "action_failed"
	KindPolicyDenied        Kind = "policy_denied"
	KindKillSwitchTriggered Kind = "kill_switch_triggered"
	KindAnomalyDetected     Kind = "anomaly_detected"
	KindContentSanitized    Kind = "content_sanitized"
	KindInjectionDetected   Kind = "injection_detected"
	KindAuthAttempt         Kind = "auth_attempt"
	KindConfigChanged       Kind = "config_changed"
	KindSystemStart         Kind = "system_start"
	KindSystemStop          Kind = "system_stop"
)

// Genesis is the previous-hash value of the first event in a chain.
const Genesis = "GENESIS"

// Event is a single audit log entry.
type Event struct {
	Timestamp    time.Time              `json:"timestamp"`
	Kind         Kind                   `json:"event_type"`
	Action       string                 `json:"action,omitempty"`
	Actor        string                 `json:"actor"`
	SourceZone   string                 `json:"source_zone"`
	Details      map[string]interface{} `json:"details"`
	RequestID    string                 `json:"request_id,omitempty"`
	PreviousHash string                 `json:"previous_hash"`
	EventHash    string                 `json:"event_hash"`
}

// canonicalFields returns the subset of Event hashed to produce EventHash,
// as a map so encoding/json's built-in alphabetical map-key ordering gives
// us the deterministic field order the chain invariant requires.
func (e Event) canonicalFields() map[string]interface{} {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	var action, requestID interface{}
	if e.Action != "" {
		action = e.Action
	}
	if e.RequestID != "" {
		requestID = e.RequestID
	}
	return map[string]interface{}{
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":  string(e.Kind),
		"action":      action,
		"actor":       e.Actor,
		"source_zone": e.SourceZone,
		"details":     details,
		"request_id":  requestID,
	}
}

// ComputeHash returns SHA-256(canonical(fields_without_self_hash) || previousHash).
func (e Event) ComputeHash(previousHash string) (string, error) {
	canonical, err := json.Marshal(e.canonicalFields())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canonical, []byte(previousHash)...))
	return hex.EncodeToString(sum[:]), nil
}
