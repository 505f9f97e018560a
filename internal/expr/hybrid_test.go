package expr

import (
	"testing"

	"github.com/riftwaf/sentry/internal/templates"
)

func TestHybridEvaluatorCEL(t *testing.T) {
	eval, err := NewHybridEvaluator(templates.NewRenderer(nil))
	if err != nil {
		t.Fatalf("new hybrid evaluator: %v", err)
	}

	data := map[string]any{
		"request": map[string]any{"ip": "203.0.113.9"},
	}
	result, err := eval.Evaluate(`request.ip`, data)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result != "203.0.113.9" {
		t.Fatalf("expected ip passthrough, got %v", result)
	}
}

func TestHybridEvaluatorTemplate(t *testing.T) {
	eval, err := NewHybridEvaluator(templates.NewRenderer(nil))
	if err != nil {
		t.Fatalf("new hybrid evaluator: %v", err)
	}

	data := map[string]any{
		"request": map[string]any{"ip": "203.0.113.9"},
	}
	result, err := eval.Evaluate(`rl:{{ .request.ip }}`, data)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result != "rl:203.0.113.9" {
		t.Fatalf("expected rendered template, got %v", result)
	}
}

func TestHybridEvaluatorEmpty(t *testing.T) {
	eval, err := NewHybridEvaluator(templates.NewRenderer(nil))
	if err != nil {
		t.Fatalf("new hybrid evaluator: %v", err)
	}
	result, err := eval.Evaluate("   ", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result != "" {
		t.Fatalf("expected empty result for blank expression, got %v", result)
	}
}
