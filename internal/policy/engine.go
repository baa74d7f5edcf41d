// Package policy evaluates OPA admission rules for workflow submissions.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document a submission is judged on.
type Input struct {
	UserID            string `json:"user_id"`
	Query             string `json:"query"`
	WorkflowKind      string `json:"workflow_kind"`
	CogName           string `json:"cog_name"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	MaxTimeoutSeconds int    `json:"max_timeout_seconds"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.submission_policy.verdict"),
		rego.Module("submission_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate judges a submission.
// Returns: decision (allow, block), reason (optional), error
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"user_id":             input.UserID,
		"query":               input.Query,
		"workflow_kind":       input.WorkflowKind,
		"cog_name":            input.CogName,
		"timeout_seconds":     input.TimeoutSeconds,
		"max_timeout_seconds": input.MaxTimeoutSeconds,
	}))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return val, "", nil
	case map[string]interface{}:
		decision, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		if decision == "" {
			decision = DecisionAllow
		}
		return decision, reason, nil
	}
	return DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package submission_policy

default decision = "allow"

decision = "block" {
	blocked
}

blocked {
	input.max_timeout_seconds > 0
	input.timeout_seconds > input.max_timeout_seconds
}

blocked {
	startswith(input.cog_name, "internal.")
}

default reason = ""

reason = "requested timeout exceeds the maximum allowed" {
	input.max_timeout_seconds > 0
	input.timeout_seconds > input.max_timeout_seconds
} else = "cog is not available to callers" {
	startswith(input.cog_name, "internal.")
}

verdict = {"decision": decision, "reason": reason}
`
