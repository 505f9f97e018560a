// Package pipeline is the three-phase orchestrator (C6): init (synchronous)
// builds counter queries and runs every admission test that doesn't need
// the counter store; query (asynchronous) is the pipeline's only
// suspension point; finish (synchronous) resolves flows, limits, ACL and
// content filter into one merged AnalyzeResult (spec §4.6).
package pipeline

import (
	"sync"

	"github.com/riftwaf/sentry/internal/expr"
	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/acl"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
	"github.com/riftwaf/sentry/internal/waf/contentfilter"
	"github.com/riftwaf/sentry/internal/waf/counterstore"
	"github.com/riftwaf/sentry/internal/waf/limits"
)

// Phase0 is the proxy integration layer's input (spec §6: "APhase0{flows,
// globalfilter_dec, precision_level, itags, reqinfo, stats}").
type Phase0 struct {
	Flows          []limits.MatchedFlow
	GlobalFilter   waf.Decision
	PrecisionLevel botdetector.PrecisionLevel
	Tags           *waf.Tags
	Request        *waf.RequestInfo
	Stats          waf.StatsMapped
}

// Phase1 is init's output: built but unexecuted counter queries, plus
// everything finish will need (spec §4.6: "Return APhase1{flows, limits,
// info}").
type Phase1 struct {
	flowChecks     []limits.FlowCheck
	limitChecks    []limits.LimitCheck
	decision       waf.Decision
	tags           *waf.Tags
	request        *waf.RequestInfo
	stats          waf.StatsMapped
	precisionLevel botdetector.PrecisionLevel
}

// Phase2 is query's output: resolved flow and limit outcomes, in submission
// order.
type Phase2 struct {
	FlowResults  []waf.FlowResult
	LimitResults []waf.LimitResult
}

// InitResult is init's outcome: either a short-circuited terminal result or
// a Phase1 to carry into Query.
type InitResult struct {
	Final  *waf.AnalyzeResult
	Phase1 *Phase1
}

// Pipeline bundles the dependencies Init/Query/Finish close over: the
// optional bot-detector handle (nil means absent, spec §6: "may be
// absent"), the counter store, the content-filter rule database, the hybrid
// CEL/template evaluator limit/flow keys are built with, and the CEL
// environment ACL conditions compile against.
type Pipeline struct {
	Detector  botdetector.Detector
	Store     counterstore.Store
	RuleDB    *contentfilter.RuleDB
	Evaluator *expr.HybridEvaluator
	CELEnv    *expr.Environment
	Logger    Logger

	aclCache sync.Map // profile ID -> *acl.CompiledProfile
}

// Logger is the minimal structured-logging seam the pipeline needs for the
// "log and continue"/"log and fail open" rows of spec §7's error table.
// internal/logging's slog-based logger satisfies this directly.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func (p *Pipeline) warn(msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Warn(msg, args...)
	}
}

func (p *Pipeline) errorf(msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Error(msg, args...)
	}
}

func (p *Pipeline) compiledACL(profile waf.ACLProfile) (*acl.CompiledProfile, error) {
	if v, ok := p.aclCache.Load(profile.ID); ok {
		return v.(*acl.CompiledProfile), nil
	}
	compiled, err := acl.Compile(p.CELEnv, profile)
	if err != nil {
		return nil, err
	}
	p.aclCache.Store(profile.ID, compiled)
	return compiled, nil
}
