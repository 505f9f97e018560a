package pipeline

import (
	"context"

	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/contentfilter"
)

// Analyze runs the full three-phase request evaluation (spec §4.6): Init,
// then (unless Init already produced a final result) Query, then Finish.
// It is the single entry point callers outside this package should use.
func (p *Pipeline) Analyze(ctx context.Context, p0 Phase0, rulesArg contentfilter.RulesArg) (waf.AnalyzeResult, error) {
	initResult, err := p.Init(ctx, p0)
	if err != nil {
		return waf.AnalyzeResult{}, err
	}
	if initResult.Final != nil {
		return *initResult.Final, nil
	}

	ph2 := p.Query(ctx, initResult.Phase1)
	return p.Finish(ctx, initResult.Phase1, ph2, rulesArg)
}
