package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
	"github.com/riftwaf/sentry/internal/waf/limits"
)

// Init runs every synchronous admission test: tag stamping, the fixed
// magic-URI dispatch order, the malformed-body check, and global-filter
// resolution; then builds (but does not execute) the flow and limit
// queries (spec §4.6 "init").
func (p *Pipeline) Init(ctx context.Context, p0 Phase0) (InitResult, error) {
	req := p0.Request
	policy := req.Policy
	tags := p0.Tags

	stampPolicyTags(tags, policy)

	if final := p.magicURIPassive(ctx, req, tags, p0.Stats); final != nil {
		return InitResult{Final: final}, nil
	}
	if final := p.bodyMalformed(req, policy, tags, p0.Stats); final != nil {
		return InitResult{Final: final}, nil
	}
	if final := p.magicURIVerify(ctx, req, tags, p0.Stats); final != nil {
		return InitResult{Final: final}, nil
	}
	if final := p.magicURIAppSig(ctx, req, tags, p0.Stats); final != nil {
		return InitResult{Final: final}, nil
	}
	if final := p.magicURIBioReport(ctx, req, p0.PrecisionLevel, tags, p0.Stats); final != nil {
		return InitResult{Final: final}, nil
	}

	running := waf.Pass()
	if p0.GlobalFilter.Action != nil {
		merged := waf.Merge(running, p0.GlobalFilter)
		if merged.IsFinal() {
			result := &waf.AnalyzeResult{
				Decision: merged,
				Tags:     tags,
				RInfo:    req.Mask(),
				Stats:    p0.Stats.Build(),
			}
			return InitResult{Final: result}, nil
		}
		running = merged
	} else {
		running = waf.Merge(running, p0.GlobalFilter)
	}

	activation := activationFor(req, tags, policy)

	flowChecks, err := limits.BuildFlowChecks(p.Evaluator, p0.Flows, activation)
	if err != nil {
		return InitResult{}, fmt.Errorf("pipeline: build flow checks: %w", err)
	}
	limitChecks, err := limits.BuildLimitChecks(p.Evaluator, policy.Limits, activation)
	if err != nil {
		return InitResult{}, fmt.Errorf("pipeline: build limit checks: %w", err)
	}

	return InitResult{Phase1: &Phase1{
		flowChecks:     flowChecks,
		limitChecks:    limitChecks,
		decision:       running,
		tags:           tags,
		request:        req,
		stats:          p0.Stats,
		precisionLevel: p0.PrecisionLevel,
	}}, nil
}

func stampPolicyTags(tags *waf.Tags, policy *waf.SecurityPolicy) {
	tags.Insert("securitypolicy:"+policy.PolicyID, waf.LocationRequest)
	tags.Insert("securitypolicy-entry:"+policy.EntryID, waf.LocationRequest)
	tags.Insert("aclid:"+policy.ACL.ID, waf.LocationRequest)
	tags.Insert("aclname:"+policy.ACL.Name, waf.LocationRequest)
	tags.Insert("contentfilterid:"+policy.ContentFilter.ID, waf.LocationRequest)
	tags.Insert("contentfiltername:"+policy.ContentFilter.Name, waf.LocationRequest)
}

func (p *Pipeline) magicResult(decision waf.Decision, tags *waf.Tags, req *waf.RequestInfo, stats waf.StatsMapped) *waf.AnalyzeResult {
	return &waf.AnalyzeResult{
		Decision: decision,
		Tags:     tags,
		RInfo:    req.Mask(),
		Stats:    stats.Build(),
	}
}

// magicURIPassive handles the /c3650cdf prefix: a passive bot-detector
// classification challenge (spec §6 scenario 1).
func (p *Pipeline) magicURIPassive(ctx context.Context, req *waf.RequestInfo, tags *waf.Tags, stats waf.StatsMapped) *waf.AnalyzeResult {
	if !hasPrefix(req.Path, magicURIPassive) {
		return nil
	}
	if p.Detector == nil {
		p.warn("magic uri passive challenge: no bot detector configured, ignoring")
		return nil
	}
	resp, err := p.Detector.InitChallenge(ctx, detectorQuery(req), botdetector.ModePassive)
	if err != nil {
		p.errorf("bot detector init_challenge(passive) failed", "error", err)
		return p.magicResult(waf.WithAction(failSafeAction(), waf.PhaseZeroUnknown(err.Error())), tags, req, stats)
	}
	action := waf.Action{
		Kind:      waf.ActionBlock,
		BlockMode: true,
		Status:    resp.StatusCode,
		Body:      resp.Body,
		Headers:   resp.Headers,
		ExtraTags: []string{"challenge_phase01"},
	}
	reason := waf.NewBlockReason(waf.InitiatorChallengePhase01, map[string]any{"precision_level": resp.PrecisionLevel.String()})
	tags.Insert("challenge_phase01", waf.LocationRequest)
	return p.magicResult(waf.WithAction(action, reason), tags, req, stats)
}

// bodyMalformed applies when body decoding failed and the content-filter
// profile declares a non-empty accepted-content-type list (spec §4.6 step
// 2, second bullet; scenario 2).
func (p *Pipeline) bodyMalformed(req *waf.RequestInfo, policy *waf.SecurityPolicy, tags *waf.Tags, stats waf.StatsMapped) *waf.AnalyzeResult {
	if !req.Body.Failed || len(policy.ContentFilter.AcceptedContentTypes) == 0 {
		return nil
	}
	reason := waf.BodyMalformed(req.Body.Reason)
	for _, t := range policy.ContentFilter.Tags {
		tags.InsertLocs(t, map[waf.Location]struct{}{waf.LocationBody: {}})
	}
	return p.magicResult(waf.WithAction(policy.ContentFilter.Action, reason), tags, req, stats)
}

// magicURIVerify handles the phase-02 verification prefix.
func (p *Pipeline) magicURIVerify(ctx context.Context, req *waf.RequestInfo, tags *waf.Tags, stats waf.StatsMapped) *waf.AnalyzeResult {
	if !hasPrefix(req.Path, magicURIVerify) {
		return nil
	}
	if p.Detector == nil {
		p.warn("magic uri challenge verification: no bot detector configured, ignoring")
		return nil
	}
	token, err := p.Detector.VerifyChallenge(ctx, headersOf(req))
	if err != nil {
		p.warn("bot detector verify_challenge failed, continuing without a decision", "error", err)
		return nil
	}
	if token == "" {
		return nil
	}
	cookieValue := strings.ReplaceAll(token, "=", "-")
	action := waf.Action{
		Kind:      waf.ActionAltResponse,
		Status:    248,
		Headers:   map[string]string{"Set-Cookie": "rbzid=" + cookieValue + "; Path=/; HttpOnly"},
		ExtraTags: []string{"challenge_phase02"},
	}
	reason := waf.NewBlockReason(waf.InitiatorChallengePhase02, nil)
	tags.Insert("challenge_phase02", waf.LocationRequest)
	return p.magicResult(waf.WithAction(action, reason), tags, req, stats)
}

// magicURIAppSig handles the app-signature-gating prefix.
func (p *Pipeline) magicURIAppSig(ctx context.Context, req *waf.RequestInfo, tags *waf.Tags, stats waf.StatsMapped) *waf.AnalyzeResult {
	if !hasPrefix(req.Path, magicURIAppSig) {
		return nil
	}
	if p.Detector == nil {
		p.warn("magic uri app signature gating: no bot detector configured, ignoring")
		return nil
	}
	resp, err := p.Detector.ShouldProvideAppSig(ctx, headersOf(req))
	if err != nil {
		p.warn("bot detector should_provide_app_sig failed, continuing without a decision", "error", err)
		return nil
	}
	if resp.StatusCode == 0 {
		return nil
	}
	action := waf.Action{Kind: waf.ActionAltResponse, Status: resp.StatusCode, Body: resp.Body, Headers: resp.Headers}
	reason := waf.NewBlockReason(waf.InitiatorChallengePhase01, map[string]any{"app_sig": true})
	return p.magicResult(waf.WithAction(action, reason), tags, req, stats)
}

// magicURIBioReport handles the biometric-report-ingestion prefix.
func (p *Pipeline) magicURIBioReport(ctx context.Context, req *waf.RequestInfo, level botdetector.PrecisionLevel, tags *waf.Tags, stats waf.StatsMapped) *waf.AnalyzeResult {
	if !hasPrefix(req.Path, magicURIBioReport) {
		return nil
	}
	if p.Detector == nil {
		p.warn("magic uri bio report ingestion: no bot detector configured, ignoring")
		return nil
	}
	resp, err := p.Detector.HandleBioReport(ctx, detectorQuery(req), level)
	if err != nil {
		p.warn("bot detector handle_bio_report failed, continuing without a decision", "error", err)
		return nil
	}
	if resp.StatusCode == 0 {
		return nil
	}
	action := waf.Action{Kind: waf.ActionAltResponse, Status: resp.StatusCode, Body: resp.Body, Headers: resp.Headers}
	reason := waf.NewBlockReason(waf.InitiatorChallengePhase01, map[string]any{"bio_report": true})
	return p.magicResult(waf.WithAction(action, reason), tags, req, stats)
}

func failSafeAction() waf.Action {
	return waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 500, Body: "internal_error"}
}

func headersOf(req *waf.RequestInfo) map[string]string {
	out := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
