// Package contentfilter holds the content-filter rule database (the
// process-wide "HSDB" of spec §5) and the dispatch between it and a
// caller-supplied override. The pattern engine itself — argument, header,
// cookie and body scanning — is explicitly out of scope (spec §1); this
// package only carries what the orchestrator needs to resolve a ruleset
// and run whatever Matcher is bound to it.
package contentfilter

import (
	"sync"

	"github.com/riftwaf/sentry/internal/waf"
)

// Matcher evaluates a request against a compiled ruleset. A real pattern
// engine implements this; NoopMatcher stands in when no ruleset scans
// anything.
type Matcher interface {
	Match(req *waf.RequestInfo) (waf.CfBlock, error)
}

// NoopMatcher never blocks a request.
type NoopMatcher struct{}

// Match always reports no block.
func (NoopMatcher) Match(*waf.RequestInfo) (waf.CfBlock, error) {
	return waf.CfBlock{}, nil
}

// RuleSet is the opaque, compiled content-filter ruleset for one profile.
type RuleSet struct {
	ProfileID string
	Matcher   Matcher
}

// RuleDB is the process-wide, read-mostly content-filter rule database
// (spec §5: "the rule database (HSDB) is the only process-wide shared
// mutable resource — a read-mostly map protected by a reader/writer lock;
// readers never block each other; a failed lock acquisition downgrades to
// 'skip content filter' rather than blocking the request").
type RuleDB struct {
	mu    sync.RWMutex
	rules map[string]RuleSet
}

// NewRuleDB returns an empty rule database.
func NewRuleDB() *RuleDB {
	return &RuleDB{rules: make(map[string]RuleSet)}
}

// Replace atomically swaps in a full rule snapshot, e.g. after a policy
// hot-reload recompiles the content-filter rules.
func (db *RuleDB) Replace(rules map[string]RuleSet) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rules = rules
}

// Lookup returns the ruleset bound to profileID. ok is false both when the
// profile has no ruleset and when the read lock could not be acquired
// immediately — the orchestrator treats both identically (skip content
// filter, record a stats marker, spec §4.6 step 4).
func (db *RuleDB) Lookup(profileID string) (RuleSet, bool) {
	if !db.mu.TryRLock() {
		return RuleSet{}, false
	}
	defer db.mu.RUnlock()
	rs, ok := db.rules[profileID]
	return rs, ok
}

// RulesArg selects where a request's content-filter ruleset comes from:
// the process-wide RuleDB, or a caller-supplied override that may itself be
// absent (spec §3.2: "Content-filter rules argument: either Global (use
// process-wide database) or Get(Option<rules>) (caller-supplied override;
// None means no rules available for this profile)").
type RulesArg struct {
	Global   bool
	Override *RuleSet
}

// Resolve picks the ruleset for profileID per the dispatch rule above,
// reporting ok=false when content filter must be skipped this request.
func (a RulesArg) Resolve(db *RuleDB, profileID string) (RuleSet, bool) {
	if a.Global {
		return db.Lookup(profileID)
	}
	if a.Override == nil {
		return RuleSet{}, false
	}
	return *a.Override, true
}

// Check runs the content-filter stage (spec §4.6 step 4): resolve the
// ruleset and run its matcher. ran reports whether the stage actually
// executed; when false (no ruleset resolved, or the database's read lock
// was unavailable) the caller must record a stats marker instead of a
// result and never treat it as an error.
func Check(arg RulesArg, db *RuleDB, profile waf.ContentFilterProfile, req *waf.RequestInfo) (block waf.CfBlock, ran bool, err error) {
	rs, ok := arg.Resolve(db, profile.ID)
	if !ok {
		return waf.CfBlock{}, false, nil
	}
	matcher := rs.Matcher
	if matcher == nil {
		matcher = NoopMatcher{}
	}
	block, err = matcher.Match(req)
	if err != nil {
		return waf.CfBlock{}, false, err
	}
	return block, true, nil
}
