package contentfilter

import (
	"errors"
	"testing"

	"github.com/riftwaf/sentry/internal/waf"
)

type blockingMatcher struct {
	block waf.CfBlock
	err   error
}

func (m blockingMatcher) Match(*waf.RequestInfo) (waf.CfBlock, error) {
	return m.block, m.err
}

func TestRuleDBLookupMissingProfile(t *testing.T) {
	db := NewRuleDB()
	_, ok := db.Lookup("nope")
	if ok {
		t.Fatalf("expected no ruleset for an unknown profile")
	}
}

func TestRuleDBLookupAfterReplace(t *testing.T) {
	db := NewRuleDB()
	db.Replace(map[string]RuleSet{"p1": {ProfileID: "p1", Matcher: NoopMatcher{}}})
	rs, ok := db.Lookup("p1")
	if !ok || rs.ProfileID != "p1" {
		t.Fatalf("expected to find p1, got %+v ok=%v", rs, ok)
	}
}

func TestRuleDBLookupSkipsOnHeldWriteLock(t *testing.T) {
	db := NewRuleDB()
	db.Replace(map[string]RuleSet{"p1": {ProfileID: "p1", Matcher: NoopMatcher{}}})

	db.mu.Lock()
	_, ok := db.Lookup("p1")
	db.mu.Unlock()
	if ok {
		t.Fatalf("expected Lookup to skip rather than block while the write lock is held")
	}
}

func TestRulesArgGlobalUsesDatabase(t *testing.T) {
	db := NewRuleDB()
	db.Replace(map[string]RuleSet{"p1": {ProfileID: "p1", Matcher: NoopMatcher{}}})

	arg := RulesArg{Global: true}
	rs, ok := arg.Resolve(db, "p1")
	if !ok || rs.ProfileID != "p1" {
		t.Fatalf("expected global dispatch to find p1, got %+v ok=%v", rs, ok)
	}
}

func TestRulesArgOverrideNoneSkips(t *testing.T) {
	arg := RulesArg{Global: false}
	_, ok := arg.Resolve(NewRuleDB(), "p1")
	if ok {
		t.Fatalf("expected a nil override to skip content filter")
	}
}

func TestRulesArgOverridePresent(t *testing.T) {
	override := RuleSet{ProfileID: "override", Matcher: NoopMatcher{}}
	arg := RulesArg{Override: &override}
	rs, ok := arg.Resolve(NewRuleDB(), "ignored")
	if !ok || rs.ProfileID != "override" {
		t.Fatalf("expected override ruleset, got %+v ok=%v", rs, ok)
	}
}

func TestCheckSkipsWhenNoRulesetResolved(t *testing.T) {
	block, ran, err := Check(RulesArg{}, NewRuleDB(), waf.ContentFilterProfile{ID: "p1"}, &waf.RequestInfo{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Fatalf("expected Check to report ran=false when no ruleset resolves")
	}
	if block.Blocking {
		t.Fatalf("expected a zero-value CfBlock when skipped")
	}
}

func TestCheckRunsMatcherAndReturnsBlock(t *testing.T) {
	db := NewRuleDB()
	want := waf.CfBlock{Blocking: true, Reasons: []waf.BlockReason{waf.NewBlockReason(waf.InitiatorContentFilter, nil)}}
	db.Replace(map[string]RuleSet{"p1": {ProfileID: "p1", Matcher: blockingMatcher{block: want}}})

	block, ran, err := Check(RulesArg{Global: true}, db, waf.ContentFilterProfile{ID: "p1"}, &waf.RequestInfo{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected Check to run the matcher")
	}
	if !block.Blocking {
		t.Fatalf("expected blocking result to propagate")
	}
}

func TestCheckPropagatesMatcherError(t *testing.T) {
	db := NewRuleDB()
	db.Replace(map[string]RuleSet{"p1": {ProfileID: "p1", Matcher: blockingMatcher{err: errors.New("boom")}}})

	_, ran, err := Check(RulesArg{Global: true}, db, waf.ContentFilterProfile{ID: "p1"}, &waf.RequestInfo{})
	if err == nil {
		t.Fatalf("expected matcher error to propagate")
	}
	if ran {
		t.Fatalf("expected ran=false on error")
	}
}
