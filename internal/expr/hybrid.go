package expr

import (
	"fmt"
	"strings"

	"github.com/riftwaf/sentry/internal/templates"
)

// HybridEvaluator evaluates both CEL expressions and Go templates against the
// same request/tags/policy activation, automatically detecting which one an
// expression is based on the presence of "{{". Limit and flow key components
// (spec §4.5 — "configurable tuple (ip, headers, args, policy-derived)") are
// authored as either, so a limit rule's key can mix a plain CEL attribute
// lookup with a templated literal.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

// NewHybridEvaluator creates an evaluator bound to the shared request/tags/policy
// CEL environment and a template renderer for the template half of key
// composition.
func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// Evaluate executes the expression and returns the result. If the expression
// contains "{{" it's treated as a template; otherwise it's treated as a CEL
// expression.
func (h *HybridEvaluator) Evaluate(expression string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return "", nil
	}
	if strings.Contains(trimmed, "{{") {
		return h.evaluateTemplate(trimmed, data)
	}
	return h.evaluateCEL(trimmed, data)
}

func (h *HybridEvaluator) evaluateTemplate(source string, data map[string]any) (string, error) {
	tmpl, err := h.renderer.CompileInline("key-component", source)
	if err != nil {
		return "", fmt.Errorf("hybrid: compile template: %w", err)
	}
	result, err := tmpl.Render(data)
	if err != nil {
		return "", fmt.Errorf("hybrid: render template: %w", err)
	}
	return result, nil
}

func (h *HybridEvaluator) evaluateCEL(expression string, data map[string]any) (any, error) {
	prog, err := h.celEnv.CompileValue(expression)
	if err != nil {
		return nil, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	result, err := prog.Eval(data)
	if err != nil {
		return nil, fmt.Errorf("hybrid: evaluate CEL: %w", err)
	}
	return result, nil
}
