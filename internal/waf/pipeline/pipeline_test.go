package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/riftwaf/sentry/internal/expr"
	"github.com/riftwaf/sentry/internal/templates"
	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
	"github.com/riftwaf/sentry/internal/waf/contentfilter"
	"github.com/riftwaf/sentry/internal/waf/counterstore"
)

// fakePipeline and fakeStore give Query a deterministic in-memory backend
// without a network round trip, mirroring how counterstore's own tests use
// miniredis but scoped to the pipeline's own unit tests.
type fakeStore struct {
	values map[string]int64
	err    error
}

func (s *fakeStore) NewPipeline(context.Context) (counterstore.Pipeline, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fakePipeline{store: s}, nil
}

func (s *fakeStore) Close() error { return nil }

type fakePipeline struct {
	store   *fakeStore
	queries []counterstore.Query
}

func (p *fakePipeline) Build(queries []counterstore.Query) {
	p.queries = append(p.queries, queries...)
}

func (p *fakePipeline) Execute(context.Context) ([]*int64, error) {
	out := make([]*int64, len(p.queries))
	for i, q := range p.queries {
		switch q.Op {
		case counterstore.OpGet:
			if v, ok := p.store.values[string(q.Key)]; ok {
				vv := v
				out[i] = &vv
			}
		case counterstore.OpIncrExpire:
			p.store.values[string(q.Key)] += q.Increment
			v := p.store.values[string(q.Key)]
			out[i] = &v
		}
	}
	return out, nil
}

type fakeDetector struct {
	initResp   botdetector.ChallengeResponse
	initErr    error
	verifyTok  string
	verifyErr  error
	appSig     botdetector.ChallengeResponse
	appSigErr  error
	bioResp    botdetector.ChallengeResponse
	bioErr     error
}

func (d *fakeDetector) IsHuman(context.Context, botdetector.Query) (botdetector.PrecisionLevel, error) {
	return botdetector.PrecisionActive, nil
}
func (d *fakeDetector) InitChallenge(context.Context, botdetector.Query, botdetector.Mode) (botdetector.ChallengeResponse, error) {
	return d.initResp, d.initErr
}
func (d *fakeDetector) VerifyChallenge(context.Context, map[string]string) (string, error) {
	return d.verifyTok, d.verifyErr
}
func (d *fakeDetector) ShouldProvideAppSig(context.Context, map[string]string) (botdetector.ChallengeResponse, error) {
	return d.appSig, d.appSigErr
}
func (d *fakeDetector) HandleBioReport(context.Context, botdetector.Query, botdetector.PrecisionLevel) (botdetector.ChallengeResponse, error) {
	return d.bioResp, d.bioErr
}

func newTestPipeline(t *testing.T, det botdetector.Detector, store counterstore.Store) *Pipeline {
	t.Helper()
	env, err := expr.NewEnvironment()
	if err != nil {
		t.Fatalf("new environment: %v", err)
	}
	sandbox, err := templates.NewSandbox(t.TempDir(), false, nil)
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	renderer := templates.NewRenderer(sandbox)
	evaluator, err := expr.NewHybridEvaluator(renderer)
	if err != nil {
		t.Fatalf("new hybrid evaluator: %v", err)
	}
	if store == nil {
		store = &fakeStore{values: map[string]int64{}}
	}
	return &Pipeline{
		Detector:  det,
		Store:     store,
		RuleDB:    contentfilter.NewRuleDB(),
		Evaluator: evaluator,
		CELEnv:    env,
	}
}

func basePolicy() *waf.SecurityPolicy {
	return &waf.SecurityPolicy{
		PolicyID:   "pol1",
		PolicyName: "default",
		EntryID:    "entry1",
		EntryName:  "entry",
		ACL: waf.ACLProfile{
			ID:   "acl1",
			Name: "acl",
		},
		ContentFilter: waf.ContentFilterProfile{
			ID:   "cf1",
			Name: "cf",
		},
		ACLActive:           true,
		ContentFilterActive: true,
	}
}

func baseRequest(policy *waf.SecurityPolicy) *waf.RequestInfo {
	return &waf.RequestInfo{
		Method:   "GET",
		Protocol: "https",
		Path:     "/hello",
		URI:      "/hello",
		Headers:  map[string][]string{"user-agent": {"test"}},
		Cookies:  map[string]string{},
		Args:     map[string]string{},
		ClientIP: "203.0.113.5",
		Policy:   policy,
	}
}

func baseP0(req *waf.RequestInfo) Phase0 {
	return Phase0{
		Tags:           waf.NewTags(),
		Request:        req,
		Stats:          waf.NewStats(),
		PrecisionLevel: botdetector.PrecisionActive,
	}
}

// Scenario 1 (spec §8): a passive magic-URI request gets a final Block
// decision tagged challenge_phase01, built from the detector's response.
func TestAnalyzePassiveMagicURIChallenge(t *testing.T) {
	det := &fakeDetector{initResp: botdetector.ChallengeResponse{StatusCode: 247, Body: "challenge", PrecisionLevel: botdetector.PrecisionPassive}}
	p := newTestPipeline(t, det, nil)
	policy := basePolicy()
	req := baseRequest(policy)
	req.Path = magicURIPassive + "/anything"
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action == nil || result.Decision.Action.Kind != waf.ActionBlock {
		t.Fatalf("expected a block action, got %+v", result.Decision.Action)
	}
	if result.Decision.Action.Status != 247 {
		t.Fatalf("expected status 247, got %d", result.Decision.Action.Status)
	}
	if !result.Tags.Has("challenge_phase01") {
		t.Fatalf("expected challenge_phase01 tag")
	}
	if result.Stats.Stage != waf.StageMapped {
		t.Fatalf("expected mapped-stage stats on a phase-0 short-circuit, got %s", result.Stats.Stage)
	}
}

// Scenario 2 (spec §8): a malformed body with a non-empty accepted-type
// list produces a final decision from the content-filter profile's action.
func TestAnalyzeMalformedBodyShortCircuits(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	policy := basePolicy()
	policy.ContentFilter.AcceptedContentTypes = []string{"application/json"}
	policy.ContentFilter.Action = waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 400}
	req := baseRequest(policy)
	req.Body = waf.BodyDecoding{Failed: true, Reason: "invalid json"}
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action == nil || result.Decision.Action.Status != 400 {
		t.Fatalf("expected the content filter's 400 block action, got %+v", result.Decision.Action)
	}
	found := false
	for _, r := range result.Decision.Reasons {
		if r.Initiator == waf.InitiatorBodyMalformed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a body-malformed reason")
	}
}

// Scenario 3 (spec §8): an exceeded limit rule short-circuits Finish with a
// Limit-stage stats build.
func TestAnalyzeLimitExceededIsFinal(t *testing.T) {
	// One earlier request from this client is already counted, so this
	// request's increment takes the counter to 2, above the threshold of 1.
	store := &fakeStore{values: map[string]int64{"rl:rule1:203.0.113.5": 1}}
	p := newTestPipeline(t, nil, store)
	policy := basePolicy()
	policy.Limits = []waf.LimitRule{{
		ID:        "rule1",
		Key:       []waf.KeyComponent{{Name: "ip", Expr: "request.ip"}},
		Threshold: 1,
		TTL:       time.Minute,
		Action:    waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 429},
	}}
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action == nil || result.Decision.Action.Status != 429 {
		t.Fatalf("expected the limit rule's 429 block action, got %+v", result.Decision.Action)
	}
	if result.Stats.Stage != waf.StageLimit {
		t.Fatalf("expected limit-stage stats on a limit short-circuit, got %s", result.Stats.Stage)
	}
	if result.Stats.Limit.Considered != 1 || result.Stats.Limit.Matched != 1 {
		t.Fatalf("expected limit counts {1,1}, got %+v", result.Stats.Limit)
	}
}

// Scenario 4 (spec §8): an ACL bypass match short-circuits with a Pass
// decision carrying a monitor-severity reason, never a Block.
func TestAnalyzeACLBypassIsPassNotBlock(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	policy := basePolicy()
	policy.ACL.BypassExpr = []string{`request.ip == "203.0.113.5"`}
	policy.ACL.Action = waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 403}
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action != nil {
		t.Fatalf("expected a bypass to leave no action, got %+v", result.Decision.Action)
	}
	if result.Stats.Stage != waf.StageAcl {
		t.Fatalf("expected acl-stage stats, got %s", result.Stats.Stage)
	}
}

// Scenario 5 (spec §8): a challenge-triggering ACL condition with no
// detector configured falls back to the profile's own action.
func TestAnalyzeACLChallengeWithoutDetectorFallsBackToProfileAction(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	policy := basePolicy()
	policy.ACL.ChallengeExpr = []string{`request.ip == "203.0.113.5"`}
	policy.ACL.Action = waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 401}
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action == nil || result.Decision.Action.Status != 401 {
		t.Fatalf("expected the acl profile's 401 fallback action, got %+v", result.Decision.Action)
	}
	for _, r := range result.Decision.Reasons {
		if r.Initiator == waf.InitiatorACL && r.Severity != waf.SeverityBlocking {
			t.Fatalf("expected the challenge fallback's acl reason to be blocking, got %s", r.Severity)
		}
	}
}

// Scenario 6 (spec §8): with content_filter_active=false, a matching rule's
// reasons are all demoted to skipped and the final action's block_mode is
// false, i.e. pass-equivalent to downstream enforcement.
func TestAnalyzeContentFilterMonitorModeDemotesToSkipped(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	policy := basePolicy()
	policy.ContentFilterActive = false
	policy.ContentFilter.Action = waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 403}
	p.RuleDB.Replace(map[string]contentfilter.RuleSet{
		"cf1": {ProfileID: "cf1", Matcher: blockingTestMatcher{}},
	})
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action == nil {
		t.Fatalf("expected an action to be present even in monitor mode")
	}
	if result.Decision.Action.BlockMode {
		t.Fatalf("expected block_mode=false when content_filter_active=false")
	}
	for _, r := range result.Decision.Reasons {
		if r.Initiator == waf.InitiatorContentFilter && r.Severity == waf.SeverityBlocking {
			t.Fatalf("expected content-filter reasons demoted away from blocking, got %s", r.Severity)
		}
	}
}

type blockingTestMatcher struct{}

func (blockingTestMatcher) Match(*waf.RequestInfo) (waf.CfBlock, error) {
	return waf.CfBlock{
		Blocking: true,
		Reasons:  []waf.BlockReason{waf.NewBlockReason(waf.InitiatorContentFilter, map[string]any{"rule": "r1"})},
	}, nil
}

type nonBlockingTestMatcher struct{}

func (nonBlockingTestMatcher) Match(*waf.RequestInfo) (waf.CfBlock, error) {
	return waf.CfBlock{
		Blocking: false,
		Reasons:  []waf.BlockReason{waf.NewBlockReason(waf.InitiatorContentFilter, map[string]any{"rule": "r2"})},
	}, nil
}

// A non-blocking CfBlock (a monitor-only matcher outcome) is a legitimate
// match: its reasons and profile tags must survive into the result even
// though the overall decision stays Pass (spec §4.1: reasons are never
// dropped, even when the decision is Pass).
func TestAnalyzeContentFilterNonBlockingMatchSurvives(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	policy := basePolicy()
	policy.ContentFilter.Tags = []string{"cf:monitor"}
	p.RuleDB.Replace(map[string]contentfilter.RuleSet{
		"cf1": {ProfileID: "cf1", Matcher: nonBlockingTestMatcher{}},
	})
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action != nil {
		t.Fatalf("expected no enforced action for a non-blocking match, got %+v", result.Decision.Action)
	}
	found := false
	for _, r := range result.Decision.Reasons {
		if r.Initiator == waf.InitiatorContentFilter {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the non-blocking content-filter reason to survive in the result")
	}
	if !result.Tags.Has("cf:monitor") {
		t.Fatalf("expected the content-filter profile tag to be unioned even on a non-blocking match")
	}
}

// Invariant: once the ACL stage has run and the content filter has matched,
// the final tag set holds the tags both profiles declare.
func TestAnalyzeTagsAreSupersetOfProfileTags(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	policy := basePolicy()
	policy.ACL.Tags = []string{"acl:custom"}
	policy.ContentFilter.Tags = []string{"cf:custom"}
	p.RuleDB.Replace(map[string]contentfilter.RuleSet{
		"cf1": {ProfileID: "cf1", Matcher: nonBlockingTestMatcher{}},
	})
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !result.Tags.Has("acl:custom") || !result.Tags.Has("cf:custom") {
		t.Fatalf("expected profile tags to be present in the final tag set")
	}
	if !result.Tags.Has("securitypolicy:pol1") {
		t.Fatalf("expected policy identity tags to be stamped")
	}
}

// Invariant: magic-URI prefixes are mutually exclusive; only the first
// match in dispatch order fires.
func TestAnalyzeMagicURIExclusivity(t *testing.T) {
	det := &fakeDetector{initResp: botdetector.ChallengeResponse{StatusCode: 247}}
	p := newTestPipeline(t, det, nil)
	policy := basePolicy()
	req := baseRequest(policy)
	req.Path = magicURIPassive + magicURIVerify
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !result.Tags.Has("challenge_phase01") {
		t.Fatalf("expected the passive check (checked first) to win")
	}
	if result.Tags.Has("challenge_phase02") {
		t.Fatalf("expected the verify check to never run once passive already fired")
	}
}

// Store connect/execute failures must fail open rather than error out.
func TestAnalyzeFailsOpenOnCounterStoreError(t *testing.T) {
	store := &fakeStore{err: context.DeadlineExceeded}
	p := newTestPipeline(t, nil, store)
	policy := basePolicy()
	policy.Limits = []waf.LimitRule{{
		ID:        "rule1",
		Key:       []waf.KeyComponent{{Name: "ip", Expr: "request.ip"}},
		Threshold: 1,
		TTL:       time.Minute,
		Action:    waf.Action{Kind: waf.ActionBlock, BlockMode: true, Status: 429},
	}}
	req := baseRequest(policy)
	p0 := baseP0(req)

	result, err := p.Analyze(context.Background(), p0, contentfilter.RulesArg{Global: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Decision.Action != nil {
		t.Fatalf("expected no action when the counter store fails open, got %+v", result.Decision.Action)
	}
}

func TestCompiledACLIsCachedAcrossCalls(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	profile := waf.ACLProfile{ID: "acl-cache", DenyExpr: []string{`request.ip == "1.2.3.4"`}}
	first, err := p.compiledACL(profile)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, err := p.compiledACL(profile)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if first != second {
		t.Fatalf("expected the cached *acl.CompiledProfile to be reused")
	}
}
