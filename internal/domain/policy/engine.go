package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/ratelimit"
)

// DescriptorTable is the static action descriptor table. Implementations
// are expected to be read-only after construction; the table is
// configuration, not runtime state.
type DescriptorTable interface {
	// Get returns the descriptor for action and whether it exists.
	Get(action string) (ActionDescriptor, bool)
	// List returns every descriptor, in a stable order.
	List() []ActionDescriptor
}

// StaticTable is a DescriptorTable backed by an in-memory slice, built once
// at boot from configuration.
type StaticTable struct {
	byName map[string]ActionDescriptor
	order  []string
}

// NewStaticTable builds a StaticTable from the given descriptors. Later
// entries with a duplicate name overwrite earlier ones but keep the
// original position, matching how config overrides behave.
func NewStaticTable(descriptors []ActionDescriptor) *StaticTable {
	t := &StaticTable{byName: make(map[string]ActionDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, exists := t.byName[d.Name]; !exists {
			t.order = append(t.order, d.Name)
		}
		t.byName[d.Name] = d
	}
	return t
}

// Get implements DescriptorTable.
func (t *StaticTable) Get(action string) (ActionDescriptor, bool) {
	d, ok := t.byName[action]
	return d, ok
}

// List implements DescriptorTable.
func (t *StaticTable) List() []ActionDescriptor {
	out := make([]ActionDescriptor, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	return out
}

// ConditionEvaluator evaluates a pre-compiled descriptor Condition against a
// request's params. Implementations are expected to compile each
// descriptor's Condition once (at table-construction time) and evaluate the
// compiled program per request, the way the teacher compiles Rule.Condition
// once and runs it per tool call. A nil ConditionEvaluator is treated as
// "no conditions configured".
type ConditionEvaluator interface {
	// Evaluate runs the compiled condition registered for action and
	// reports whether it holds for the given params. ok is false if no
	// condition was registered for action, in which case the caller should
	// treat the descriptor as unconditionally allowed.
	Evaluate(ctx context.Context, action string, params map[string]interface{}) (result bool, ok bool, err error)
}

// Engine is the PolicyEngine implementation: a pure function of
// (action, params) plus the rate-cap counter.
//
// The source this is derived from keeps a monotonic per-action counter
// that is never decremented, so its "hourly" budget is in practice a
// per-process lifetime budget. This implementation instead parses the
// rate-cap expression as <count>/<window> and checks it against the
// ratelimit.RateLimiter it is given (in serve, the GCRA limiter of the
// memory adapter), whose budget refills over time, a deliberate fix of that bug
// rather than a faithful reproduction of it.
type Engine struct {
	table      DescriptorTable
	limiter    ratelimit.RateLimiter
	conditions ConditionEvaluator
}

// NewEngine constructs a policy Engine over the given descriptor table and
// rate limiter backend. conditions may be nil if no descriptor uses
// Condition.
func NewEngine(table DescriptorTable, limiter ratelimit.RateLimiter, conditions ConditionEvaluator) *Engine {
	return &Engine{table: table, limiter: limiter, conditions: conditions}
}

// Evaluate implements the three-step decision order from the component
// design: (1) action must be in the descriptor table, (2) the descriptor's
// rate cap must not be exceeded, (3) otherwise allow with the descriptor's
// approval level.
func (e *Engine) Evaluate(ctx context.Context, evalCtx EvaluationContext) (Decision, error) {
	descriptor, ok := e.table.Get(evalCtx.Action)
	if !ok {
		return Decision{
			Allowed: false,
			Error:   "action_not_allowed",
			Message: fmt.Sprintf("unknown action %q", evalCtx.Action),
		}, nil
	}

	if descriptor.RateCap != "" && e.limiter != nil {
		cfg, err := ParseRateCap(descriptor.RateCap)
		if err != nil {
			return Decision{}, fmt.Errorf("parse rate cap for %q: %w", evalCtx.Action, err)
		}
		key := ratelimit.FormatKey(ratelimit.KeyTypeAction, evalCtx.Action)
		result, err := e.limiter.Allow(ctx, key, cfg)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limiter: %w", err)
		}
		if !result.Allowed {
			return Decision{
				Allowed: false,
				Error:   "rate_limited",
				Message: fmt.Sprintf("action %q exceeded rate cap %s", evalCtx.Action, descriptor.RateCap),
			}, nil
		}
	}

	if descriptor.Condition != "" && e.conditions != nil {
		result, compiled, err := e.conditions.Evaluate(ctx, evalCtx.Action, evalCtx.Params)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate condition for %q: %w", evalCtx.Action, err)
		}
		if compiled && !result {
			return Decision{
				Allowed: false,
				Error:   "action_not_allowed",
				Message: fmt.Sprintf("action %q denied: condition not met", evalCtx.Action),
			}, nil
		}
	}

	return Decision{
		Allowed:          true,
		RequiresApproval: descriptor.ApprovalLevel != ApprovalNone,
		ApprovalLevel:    descriptor.ApprovalLevel,
		Description:      descriptor.Description,
	}, nil
}

// ParseRateCap parses a "<count>/<window>" expression such as "20/hour" or
// "5/minute" into a RateLimitConfig. Burst equals the count: a rate cap is
// a budget, not a smoothing target.
func ParseRateCap(expr string) (ratelimit.RateLimitConfig, error) {
	parts := strings.SplitN(expr, "/", 2)
	if len(parts) != 2 {
		return ratelimit.RateLimitConfig{}, fmt.Errorf("malformed rate cap %q", expr)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return ratelimit.RateLimitConfig{}, fmt.Errorf("malformed rate cap count in %q", expr)
	}
	period, err := parseWindow(strings.TrimSpace(parts[1]))
	if err != nil {
		return ratelimit.RateLimitConfig{}, fmt.Errorf("malformed rate cap window in %q: %w", expr, err)
	}
	return ratelimit.RateLimitConfig{Rate: count, Burst: count, Period: period}, nil
}

func parseWindow(window string) (time.Duration, error) {
	switch strings.ToLower(window) {
	case "second", "sec", "s":
		return time.Second, nil
	case "minute", "min", "m":
		return time.Minute, nil
	case "hour", "h":
		return time.Hour, nil
	case "day", "d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unrecognized window %q", window)
	}
}
