// Package limits builds counter-store queries from a policy's limit rules
// and flow specs, and resolves their results back into per-check outcomes
// (C5, spec §4.5). Key composition is delegated to expr.HybridEvaluator so
// a rule's key tuple can mix CEL attribute lookups with templated literals.
package limits

import (
	"fmt"
	"strings"

	"github.com/riftwaf/sentry/internal/expr"
	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/counterstore"
)

func buildKey(evaluator *expr.HybridEvaluator, prefix string, components []waf.KeyComponent, data map[string]any) ([]byte, error) {
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range components {
		val, err := evaluator.Evaluate(c.Expr, data)
		if err != nil {
			return nil, fmt.Errorf("limits: evaluate key component %q: %w", c.Name, err)
		}
		b.WriteByte(':')
		fmt.Fprintf(&b, "%v", val)
	}
	return []byte(b.String()), nil
}

// LimitCheck binds a policy's LimitRule to its computed counter key.
type LimitCheck struct {
	Rule waf.LimitRule
	Key  []byte
}

// BuildLimitChecks evaluates each rule's key tuple against the request
// activation, in policy order (spec §4.5: "Rule evaluation order is policy
// order").
func BuildLimitChecks(evaluator *expr.HybridEvaluator, rules []waf.LimitRule, data map[string]any) ([]LimitCheck, error) {
	checks := make([]LimitCheck, 0, len(rules))
	for _, rule := range rules {
		key, err := buildKey(evaluator, "rl:"+rule.ID, rule.Key, data)
		if err != nil {
			return nil, err
		}
		checks = append(checks, LimitCheck{Rule: rule, Key: key})
	}
	return checks, nil
}

// BuildLimitQueries appends one increment-and-expire query per check, in
// order.
func BuildLimitQueries(checks []LimitCheck) []counterstore.Query {
	queries := make([]counterstore.Query, len(checks))
	for i, c := range checks {
		queries[i] = counterstore.Query{
			Key:       c.Key,
			Op:        counterstore.OpIncrExpire,
			Increment: 1,
			TTL:       c.Rule.TTL,
		}
	}
	return queries
}

// ResolveLimit consumes one result per check, in submission order (spec
// §4.4: "resolve_limit(results) consume[s] the head of the result stream in
// the same order the queries were appended"), and returns the remaining,
// unconsumed results so a caller resolving both flows and limits from one
// shared stream can chain the two.
func ResolveLimit(checks []LimitCheck, results []*int64) ([]waf.LimitResult, []*int64) {
	n := len(checks)
	if n > len(results) {
		n = len(results)
	}
	out := make([]waf.LimitResult, 0, n)
	for i := 0; i < n; i++ {
		var value int64
		if results[i] != nil {
			value = *results[i]
		}
		out = append(out, waf.LimitResult{
			Rule:     checks[i].Rule,
			Exceeded: results[i] != nil && value > checks[i].Rule.Threshold,
			Value:    value,
		})
	}
	return out, results[n:]
}

// FirstExceeded returns the first exceeding result, matching spec §4.5's
// "first rule that both matches and exceeds yields the limit decision"
// (matching is already implied by the caller only passing applicable
// rules; this just finds the first exceedance in policy order).
func FirstExceeded(results []waf.LimitResult) (waf.LimitResult, bool) {
	for _, r := range results {
		if r.Exceeded {
			return r, true
		}
	}
	return waf.LimitResult{}, false
}

// MatchedFlow is one flow sequence recognized as applicable to the current
// request at a specific step. Recognizing which step a request corresponds
// to is the caller's routing concern; this package only resolves
// progression through the named sequence once a candidate step is given.
type MatchedFlow struct {
	Spec      waf.FlowSpec
	StepIndex int
}

// FlowCheck binds a MatchedFlow to its previous-step lookup keys and its own
// step's counter key.
type FlowCheck struct {
	Match      MatchedFlow
	PrevKeys   [][]byte
	CurrentKey []byte
}

// BuildFlowChecks evaluates, for each matched flow, the keys of every step
// before the recognized one (to verify they were observed) and the key of
// the recognized step itself (to record this occurrence).
func BuildFlowChecks(evaluator *expr.HybridEvaluator, matches []MatchedFlow, data map[string]any) ([]FlowCheck, error) {
	checks := make([]FlowCheck, 0, len(matches))
	for _, m := range matches {
		if m.StepIndex < 0 || m.StepIndex >= len(m.Spec.Steps) {
			return nil, fmt.Errorf("limits: flow %s: step index %d out of range", m.Spec.ID, m.StepIndex)
		}
		prevKeys := make([][]byte, 0, m.StepIndex)
		for i := 0; i < m.StepIndex; i++ {
			key, err := buildKey(evaluator, fmt.Sprintf("flow:%s:%d", m.Spec.ID, i), m.Spec.Steps[i].Key, data)
			if err != nil {
				return nil, err
			}
			prevKeys = append(prevKeys, key)
		}
		curKey, err := buildKey(evaluator, fmt.Sprintf("flow:%s:%d", m.Spec.ID, m.StepIndex), m.Spec.Steps[m.StepIndex].Key, data)
		if err != nil {
			return nil, err
		}
		checks = append(checks, FlowCheck{Match: m, PrevKeys: prevKeys, CurrentKey: curKey})
	}
	return checks, nil
}

// BuildFlowQueries appends one GET per previous step followed by one
// increment-and-expire for the recognized step, per check, preserving
// submission order across all checks.
func BuildFlowQueries(checks []FlowCheck) []counterstore.Query {
	var queries []counterstore.Query
	for _, c := range checks {
		for _, k := range c.PrevKeys {
			queries = append(queries, counterstore.Query{Key: k, Op: counterstore.OpGet})
		}
		queries = append(queries, counterstore.Query{
			Key:       c.CurrentKey,
			Op:        counterstore.OpIncrExpire,
			Increment: 1,
			TTL:       c.Match.Spec.Steps[c.Match.StepIndex].TTL,
		})
	}
	return queries
}

// ResolveFlow consumes len(PrevKeys)+1 results per check, in submission
// order, and classifies each outcome as LastStep, NonLastStep or
// NotInSequence (spec §4.5), returning unconsumed results for a caller
// chaining into limit resolution.
func ResolveFlow(checks []FlowCheck, results []*int64) ([]waf.FlowResult, []*int64) {
	out := make([]waf.FlowResult, 0, len(checks))
	for _, c := range checks {
		need := len(c.PrevKeys) + 1
		if need > len(results) {
			break
		}
		prev := results[:len(c.PrevKeys)]
		rest := results[len(c.PrevKeys):]
		results = rest[1:] // consume the current-step increment result

		inSequence := true
		for _, r := range prev {
			if r == nil {
				inSequence = false
				break
			}
		}

		kind := waf.FlowNotInSeq
		var tags []string
		if inSequence {
			if c.Match.StepIndex == len(c.Match.Spec.Steps)-1 {
				kind = waf.FlowLastStep
				tags = append(tags, c.Match.Spec.Action.ExtraTags...)
			} else {
				kind = waf.FlowNonLastStep
			}
		}
		out = append(out, waf.FlowResult{Spec: c.Match.Spec, Kind: kind, Tags: tags})
	}
	return out, results
}
