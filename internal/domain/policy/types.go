// Package policy holds the static action descriptor table and the engine
// that decides whether a requested action may proceed.
package policy

import "time"

// ApprovalLevel classifies how much human oversight an action requires.
type ApprovalLevel string

const (
	// ApprovalNone lets the action proceed with no human step.
	ApprovalNone ApprovalLevel = "NONE"
	// ApprovalNotify still blocks on a human decision like ApprovalRequired;
	// it only changes how the approval request is surfaced downstream (the
	// distinction is advisory, not a gate).
	ApprovalNotify ApprovalLevel = "NOTIFY"
	// ApprovalRequired blocks the action until a human decides.
	ApprovalRequired ApprovalLevel = "APPROVE"
)

// ActionDescriptor is one row of the static action descriptor table.
// The table itself is configuration, not runtime state: unknown action
// names are implicitly denied.
type ActionDescriptor struct {
	// Name is the action's wire identifier, e.g. "send_email".
	Name string
	// ApprovalLevel is NONE, NOTIFY, or APPROVE.
	ApprovalLevel ApprovalLevel
	// RateCap is an expression of the form "<count>/<window>", e.g. "20/hour".
	RateCap string
	// Description is a human-readable summary surfaced by list_actions.
	Description string
	// Condition is an optional CEL expression over the request's params
	// (e.g. `"dry_run" in params && params.dry_run == true`) that must
	// evaluate to true for the action to proceed. Empty means unconditional.
	Condition string
}

// Decision is the outcome of a single policy evaluation.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	ApprovalLevel    ApprovalLevel
	Description      string
	Error            string
	Message          string
}

// EvaluationContext is the input to a single Evaluate call.
type EvaluationContext struct {
	Action      string
	Params      map[string]interface{}
	RequestID   string
	RequestTime time.Time
}
