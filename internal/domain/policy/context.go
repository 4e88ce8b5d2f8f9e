package policy

import "context"

// decisionKey is the context key type for propagating a Decision downstream
// from evaluation to the handler that acts on it.
type decisionKey struct{}

// WithDecision stores a policy decision in the context.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext retrieves a policy decision from the context, if any.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}
