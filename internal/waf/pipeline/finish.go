package pipeline

import (
	"context"
	"fmt"

	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/acl"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
	"github.com/riftwaf/sentry/internal/waf/contentfilter"
)

// Finish is the final synchronous phase (spec §4.6 "finish"): flow
// processing, then limit processing (short-circuits on the first
// exceedance), then ACL, then content filter, merged into one
// AnalyzeResult.
func (p *Pipeline) Finish(ctx context.Context, ph1 *Phase1, ph2 *Phase2, rulesArg contentfilter.RulesArg) (waf.AnalyzeResult, error) {
	running := ph1.decision
	tags := ph1.tags
	req := ph1.request
	policy := req.Policy

	// 1. Flow processing: advisory only, never final on its own.
	for _, fr := range ph2.FlowResults {
		if fr.Kind != waf.FlowLastStep {
			continue
		}
		reason := waf.NewBlockReason(waf.InitiatorFlow, map[string]any{"flow": fr.Spec.ID})
		for _, t := range fr.Tags {
			tags.Insert(t, waf.LocationRequest)
		}
		running = waf.Merge(running, waf.WithAction(fr.Spec.Action, reason))
	}

	// 2. Limit processing: first exceedance short-circuits.
	limitConsidered := len(ph2.LimitResults)
	limitMatched := 0
	var limitExceeded *waf.LimitResult
	for i := range ph2.LimitResults {
		if ph2.LimitResults[i].Exceeded {
			limitMatched++
			if limitExceeded == nil {
				limitExceeded = &ph2.LimitResults[i]
			}
		}
	}
	limitCounts := waf.Counts{Considered: limitConsidered, Matched: limitMatched}
	statsAfterLimit := ph1.stats.Limit(limitCounts)

	if limitExceeded != nil {
		reason := waf.NewBlockReason(waf.InitiatorRateLimit, map[string]any{"rule": limitExceeded.Rule.ID, "value": limitExceeded.Value})
		merged := waf.Merge(running, waf.WithAction(limitExceeded.Rule.Action, reason))
		if merged.IsFinal() {
			return waf.AnalyzeResult{Decision: merged, Tags: tags, RInfo: req.Mask(), Stats: statsAfterLimit.Build()}, nil
		}
		running = merged
	}

	// 3. ACL check.
	isHuman := ph1.precisionLevel.IsHuman()
	aclDecision, aclMatched, err := p.evaluateACL(policy, tags, req, isHuman)
	if err != nil {
		return waf.AnalyzeResult{}, fmt.Errorf("pipeline: acl: %w", err)
	}
	statsAfterAcl := statsAfterLimit.Acl(waf.Counts{Considered: 1, Matched: boolToInt(aclMatched)})

	short, running, err := p.applyACL(ctx, aclDecision, policy, tags, req, running, isHuman)
	if err != nil {
		return waf.AnalyzeResult{}, fmt.Errorf("pipeline: acl action: %w", err)
	}
	if short {
		return waf.AnalyzeResult{Decision: running, Tags: tags, RInfo: req.Mask(), Stats: statsAfterAcl.Build()}, nil
	}

	// 4. Content-filter check.
	block, ran, err := contentfilter.Check(rulesArg, p.RuleDB, policy.ContentFilter, req)
	if err != nil {
		p.warn("content filter matcher failed", "error", err)
	}
	cfConsidered, cfMatched := 0, 0
	if ran {
		cfConsidered = 1
		if len(block.Reasons) > 0 {
			cfMatched = 1
		}
		running = p.applyContentFilter(block, policy, tags, running)
	}
	statsFinal := statsAfterAcl.ContentFilter(waf.Counts{Considered: cfConsidered, Matched: cfMatched}, !ran)

	return waf.AnalyzeResult{Decision: running, Tags: tags, RInfo: req.Mask(), Stats: statsFinal.Build()}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// evaluateACL compiles (or fetches from cache) the policy's ACL profile and
// evaluates it. The profile-tag/location union that applies regardless of
// the outcome (spec §4.6 step 3 last bullet) is done by applyACL.
func (p *Pipeline) evaluateACL(policy *waf.SecurityPolicy, tags *waf.Tags, req *waf.RequestInfo, isHuman bool) (waf.ACLDecision, bool, error) {
	compiled, err := p.compiledACL(policy.ACL)
	if err != nil {
		return waf.ACLDecision{}, false, err
	}
	activation := activationFor(req, tags, policy)
	decision, err := compiled.Evaluate(activation, isHuman)
	if err != nil {
		return waf.ACLDecision{}, false, err
	}
	return decision, decision.Stage != waf.ACLAllow || decision.Challenge, nil
}

// applyACL implements spec §4.6 step 3's bypass/challenge/block/record
// dispatch and the inactive demotion for acl_active=false. It first unions
// the profile's tags at the locations of the running decision's reasons.
func (p *Pipeline) applyACL(ctx context.Context, decision waf.ACLDecision, policy *waf.SecurityPolicy, tags *waf.Tags, req *waf.RequestInfo, running waf.Decision, isHuman bool) (bool, waf.Decision, error) {
	for _, t := range policy.ACL.Tags {
		tags.InsertLocs(t, waf.LocationsFromReasons(running.Reasons))
	}

	if decision.Stage == waf.ACLBypass {
		if !policy.ACLActive {
			return false, running, nil
		}
		reason := waf.BlockReason{Initiator: waf.InitiatorACL, Severity: waf.SeverityMonitor, Detail: map[string]any{"stage": string(decision.Stage)}}
		return true, waf.Merge(running, waf.Pass(reason)), nil
	}

	blocking := acl.Blocking(decision.Stage) && policy.ACLActive

	// The challenge path enforces an action (the detector's response, or a
	// fallback to the profile's own action) whenever it fires, independent
	// of whether decision.Stage itself is a blocking one.
	if decision.Challenge && policy.ACLActive {
		challengeReason := waf.BlockReason{Initiator: waf.InitiatorACL, Severity: waf.SeverityBlocking, Detail: map[string]any{"stage": string(decision.Stage), "challenge": true}}
		if p.Detector != nil {
			resp, err := p.Detector.InitChallenge(ctx, detectorQuery(req), botdetector.ModeActive)
			if err == nil {
				action := waf.Action{
					Kind:      waf.ActionBlock,
					BlockMode: true,
					Status:    resp.StatusCode,
					Body:      resp.Body,
					Headers:   resp.Headers,
				}
				return true, waf.Merge(running, waf.WithAction(action, challengeReason)), nil
			}
			p.warn("bot detector init_challenge(active) failed, falling back to acl block action", "error", err)
		}
		return true, waf.Merge(running, waf.WithAction(policy.ACL.Action, challengeReason)), nil
	}

	reason := waf.BlockReason{Initiator: waf.InitiatorACL, Detail: map[string]any{"stage": string(decision.Stage)}}
	if acl.Blocking(decision.Stage) {
		reason.Severity = waf.SeverityBlocking
	} else {
		reason.Severity = waf.SeverityMonitor
	}
	if !policy.ACLActive {
		reason = reason.Inactive()
	}

	if blocking {
		merged := waf.Merge(running, waf.WithAction(policy.ACL.Action, reason))
		return merged.IsFinal(), merged, nil
	}

	return false, waf.Merge(running, waf.Pass(reason)), nil
}

// applyContentFilter implements spec §4.6 step 4: tag union, inactive
// demotion, and AND-ing block_mode with the active flag in monitor mode. A
// non-blocking CfBlock (a monitor-only matcher outcome) still unions its
// profile tags and survives into the result as a Pass — reasons are never
// dropped, even when the decision stays Pass.
func (p *Pipeline) applyContentFilter(block waf.CfBlock, policy *waf.SecurityPolicy, tags *waf.Tags, running waf.Decision) waf.Decision {
	if len(block.Reasons) == 0 {
		return running
	}
	reasons := make([]waf.BlockReason, len(block.Reasons))
	copy(reasons, block.Reasons)
	if !policy.ContentFilterActive {
		for i := range reasons {
			reasons[i] = reasons[i].Inactive()
		}
	}

	locs := waf.LocationsFromReasons(reasons)
	for _, t := range policy.ContentFilter.Tags {
		tags.InsertLocs(t, locs)
	}

	if !block.Blocking {
		return waf.Merge(running, waf.Pass(reasons...))
	}

	// The action is always built, even in monitor mode: block_mode=false
	// (ANDed with the active flag) is what makes it observation-only rather
	// than enforced (spec §4.6 step 4).
	action := policy.ContentFilter.Action
	action.BlockMode = action.BlockMode && policy.ContentFilterActive

	return waf.Merge(running, waf.WithAction(action, reasons...))
}
