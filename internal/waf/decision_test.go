package waf

import "testing"

func TestMergeStrongerActionWins(t *testing.T) {
	monitor := WithAction(Action{Kind: ActionMonitor})
	block := WithAction(Action{Kind: ActionBlock, BlockMode: true})

	merged := Merge(monitor, block)
	if merged.Action == nil || merged.Action.Kind != ActionBlock {
		t.Fatalf("expected block to win, got %+v", merged.Action)
	}
}

func TestMergeTieBreaksToLater(t *testing.T) {
	a := WithAction(Action{Kind: ActionMonitor})
	b := WithAction(Action{Kind: ActionMonitor})
	b.Action.Body = "second"

	merged := Merge(a, b)
	if merged.Action.Body != "second" {
		t.Fatalf("expected tie to favor b, got %+v", merged.Action)
	}
}

func TestMergeBlockModeOrOnlyBothBlock(t *testing.T) {
	a := WithAction(Action{Kind: ActionBlock, BlockMode: false})
	b := WithAction(Action{Kind: ActionBlock, BlockMode: true})
	merged := Merge(a, b)
	if !merged.Action.BlockMode {
		t.Fatalf("expected block_mode OR across two Block actions")
	}

	c := WithAction(Action{Kind: ActionAltResponse, Challenge: true, BlockMode: false})
	d := WithAction(Action{Kind: ActionBlock, BlockMode: true})
	merged2 := Merge(c, d)
	if merged2.Action.Kind != ActionBlock || !merged2.Action.BlockMode {
		t.Fatalf("expected block to win and keep its own block_mode, got %+v", merged2.Action)
	}
}

func TestMergeAssociativeAndIdempotentOnPass(t *testing.T) {
	pass := Pass()
	monitor := WithAction(Action{Kind: ActionMonitor})
	block := WithAction(Action{Kind: ActionBlock, BlockMode: true})

	left := Merge(Merge(pass, monitor), block)
	right := Merge(pass, Merge(monitor, block))
	if left.Action.Kind != right.Action.Kind {
		t.Fatalf("expected merge to be associative: %v vs %v", left.Action.Kind, right.Action.Kind)
	}

	idempotent := Merge(monitor, Pass())
	if idempotent.Action.Kind != ActionMonitor {
		t.Fatalf("expected Pass(nil) to be a merge identity, got %+v", idempotent.Action)
	}
}

func TestIsFinal(t *testing.T) {
	if Pass().IsFinal() {
		t.Fatalf("pass must never be final")
	}
	if WithAction(Action{Kind: ActionMonitor}).IsFinal() {
		t.Fatalf("monitor must never be final")
	}
	if !WithAction(Action{Kind: ActionBlock}).IsFinal() {
		t.Fatalf("block must always be final")
	}
	nonChallenge := WithAction(Action{Kind: ActionAltResponse, BlockMode: true})
	if nonChallenge.IsFinal() {
		t.Fatalf("non-challenge alt_response must not be final even with block_mode")
	}
	challenge := WithAction(Action{Kind: ActionAltResponse, Challenge: true, BlockMode: true})
	if !challenge.IsFinal() {
		t.Fatalf("challenge-bearing alt_response with block_mode must be final")
	}
	challengeObserve := WithAction(Action{Kind: ActionAltResponse, Challenge: true, BlockMode: false})
	if challengeObserve.IsFinal() {
		t.Fatalf("challenge-bearing alt_response without block_mode must not be final")
	}
}

func TestBlockReasonInactiveDemotion(t *testing.T) {
	reason := NewBlockReason(InitiatorACL, map[string]any{"rule": "r1"}, LocationHeaders)
	demoted := reason.Inactive()
	if demoted.Severity != SeveritySkipped {
		t.Fatalf("expected demotion to Skipped, got %v", demoted.Severity)
	}
	if demoted.Detail["rule"] != "r1" || len(demoted.Locations) != 1 || demoted.Locations[0] != LocationHeaders {
		t.Fatalf("demotion must preserve detail and locations, got %+v", demoted)
	}

	monitor := BlockReason{Severity: SeverityMonitor}
	if monitor.Inactive().Severity != SeverityMonitor {
		t.Fatalf("inactive must not touch a non-Blocking severity")
	}
}

func TestReasonsNeverDropped(t *testing.T) {
	r1 := NewBlockReason(InitiatorFlow, nil)
	pass := Pass(r1)
	merged := Merge(pass, Pass())
	if len(merged.Reasons) != 1 {
		t.Fatalf("expected reason to survive a Pass decision, got %d", len(merged.Reasons))
	}
}
