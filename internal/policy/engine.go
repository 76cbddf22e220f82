// Package policy gates run admission with an OPA policy: whether a new
// generation run may start given the project's in-flight runs and the
// requested model.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA admission engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates an admission engine from the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_admission.decision"),
		rego.Module("run_admission.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Input is the admission evaluation input.
type Input struct {
	ProjectID     string   `json:"project_id"`
	ActiveRuns    int      `json:"active_runs"`
	MaxConcurrent int      `json:"max_concurrent"`
	Model         string   `json:"model"`
	AllowedModels []string `json:"allowed_models"`
}

// Evaluate returns the admission decision ("allow" or "deny").
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	if input.AllowedModels == nil {
		input.AllowedModels = []string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The default policy always defines a decision; no result means a
		// custom policy forgot its default. Fail closed.
		return "deny", nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "deny", nil
}

// DefaultPolicy is the built-in admission policy.
const DefaultPolicy = `
package run_admission

import rego.v1

default decision := "allow"

decision := "deny" if input.active_runs >= input.max_concurrent

decision := "deny" if {
	count(input.allowed_models) > 0
	not model_allowed
}

model_allowed if input.allowed_models[_] == input.model
`
