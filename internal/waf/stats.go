package waf

// Counts records how many rules of a kind were considered and how many
// matched (fired) at one pipeline stage.
type Counts struct {
	Considered int
	Matched    int
}

// Stage names how far the pipeline progressed when its stats were built.
type Stage string

const (
	StageMapped        Stage = "mapped"
	StageLimit         Stage = "limit"
	StageAcl           Stage = "acl"
	StageContentFilter Stage = "content_filter"
)

// Record is the emittable artifact produced by building a stats accumulator
// at any of its terminal states.
type Record struct {
	Stage              Stage
	Limit              Counts
	Acl                Counts
	ContentFilter      Counts
	ContentFilterSkipped bool
}

// StatsMapped is the accumulator's entry state (C7): phase-0 init has
// stamped policy identity into tags but no rule family has run yet. The
// type-state chain StatsMapped -> StatsLimit -> StatsAcl -> StatsContentFilter
// mirrors spec §4.7's Init -> Mapped -> Limit -> Acl -> ContentFilter -> Built
// sequence (Init/Mapped are collapsed into one Go type since nothing is
// observable between them) and is checked at compile time: each transition
// method is only defined on the stage it follows, so calling them out of
// order is a compile error rather than a runtime one.
type StatsMapped struct{}

// NewStats begins a fresh accumulator.
func NewStats() StatsMapped { return StatsMapped{} }

// Build emits the record for a pipeline that never reached limit evaluation
// (e.g. a magic-URI or malformed-body short-circuit in phase-0 init).
func (StatsMapped) Build() Record { return Record{Stage: StageMapped} }

// Limit transitions to the Limit stage, recording how many limit rules were
// considered/matched.
func (StatsMapped) Limit(c Counts) StatsLimit { return StatsLimit{limit: c} }

// StatsLimit is the accumulator after limit-rule evaluation.
type StatsLimit struct{ limit Counts }

// Build emits the record for a pipeline that short-circuited on a limit
// violation (spec §4.6 phase-2 step 2: "short-circuit with a Limit-stage
// stats build").
func (s StatsLimit) Build() Record { return Record{Stage: StageLimit, Limit: s.limit} }

// Acl transitions to the Acl stage.
func (s StatsLimit) Acl(c Counts) StatsAcl { return StatsAcl{limit: s.limit, acl: c} }

// StatsAcl is the accumulator after ACL evaluation.
type StatsAcl struct {
	limit Counts
	acl   Counts
}

// Build emits the record for a pipeline that short-circuited in the ACL
// stage (bypass, challenge, or block).
func (s StatsAcl) Build() Record {
	return Record{Stage: StageAcl, Limit: s.limit, Acl: s.acl}
}

// ContentFilter transitions to the final ContentFilter stage.
func (s StatsAcl) ContentFilter(c Counts, skipped bool) StatsContentFilter {
	return StatsContentFilter{limit: s.limit, acl: s.acl, cf: c, cfSkipped: skipped}
}

// StatsContentFilter is the accumulator's terminal state: every stage ran.
type StatsContentFilter struct {
	limit     Counts
	acl       Counts
	cf        Counts
	cfSkipped bool
}

// Build emits the final record reported by spec §4.6 phase-2 step 5.
func (s StatsContentFilter) Build() Record {
	return Record{
		Stage:                StageContentFilter,
		Limit:                s.limit,
		Acl:                  s.acl,
		ContentFilter:        s.cf,
		ContentFilterSkipped: s.cfSkipped,
	}
}
