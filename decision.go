package tablegate

import "context"

// Decision overrides policy evaluation for admin tools and tests.
// Decisions are set at Compiler construction time via WithDecision, making
// the bypass explicit and visible in code.
type Decision int

type decisionKey struct{}

const (
	// DecisionUnset means no override: policies apply as configured.
	DecisionUnset Decision = iota

	// DecisionAllow compiles every request as if every table's policy were
	// true. Use for admin tools, migrations or tests of query shapes.
	DecisionAllow

	// DecisionDeny rejects every request with a RuleViolation before
	// anything is compiled or probed.
	DecisionDeny
)

// WithDecisionContext returns a new context carrying decision.
// The Compiler only consults it when built with WithContextDecision.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, decision)
}

// GetDecisionContext retrieves the decision from context.
// Returns DecisionUnset if no decision is set.
func GetDecisionContext(ctx context.Context) Decision {
	if decision, ok := ctx.Value(decisionKey{}).(Decision); ok {
		return decision
	}
	return DecisionUnset
}
