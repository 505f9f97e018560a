package pipeline

import (
	"context"

	"github.com/riftwaf/sentry/internal/waf/counterstore"
	"github.com/riftwaf/sentry/internal/waf/limits"
)

// Query is the pipeline's sole suspension point (spec §4.6 "query"). If
// both flow and limit lists are empty it skips I/O entirely. Connection and
// execution failures fail open per spec §4.4: they are logged and treated
// as an empty Phase2, never returned as an error — the rest of the policy
// still applies.
func (p *Pipeline) Query(ctx context.Context, ph1 *Phase1) *Phase2 {
	if len(ph1.flowChecks) == 0 && len(ph1.limitChecks) == 0 {
		return &Phase2{}
	}
	if p.Store == nil {
		p.errorf("counter store unavailable, failing open")
		return &Phase2{}
	}

	pipe, err := p.Store.NewPipeline(ctx)
	if err != nil {
		p.errorf("counter store connect failed, failing open", "error", err)
		return &Phase2{}
	}

	var queries []counterstore.Query
	queries = append(queries, limits.BuildFlowQueries(ph1.flowChecks)...)
	queries = append(queries, limits.BuildLimitQueries(ph1.limitChecks)...)
	pipe.Build(queries)

	results, err := pipe.Execute(ctx)
	if err != nil {
		p.errorf("counter store execute failed, failing open", "error", err)
		return &Phase2{}
	}

	flowResults, rest := limits.ResolveFlow(ph1.flowChecks, results)
	limitResults, _ := limits.ResolveLimit(ph1.limitChecks, rest)
	return &Phase2{FlowResults: flowResults, LimitResults: limitResults}
}
