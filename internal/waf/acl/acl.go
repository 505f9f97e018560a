// Package acl compiles an ACLProfile's stage conditions into CEL programs
// and evaluates them against a request's tags, producing at most one
// ACLDecision (spec §4.6 step 3).
package acl

import (
	"fmt"

	"github.com/riftwaf/sentry/internal/expr"
	"github.com/riftwaf/sentry/internal/waf"
)

// CompiledProfile is an ACLProfile with every stage condition precompiled.
type CompiledProfile struct {
	profile waf.ACLProfile

	bypass    []expr.Program
	forceDeny []expr.Program
	deny      []expr.Program
	humanOnly []expr.Program
	botOnly   []expr.Program
	challenge []expr.Program
}

// Compile precompiles every CEL condition in profile against env. A profile
// with no expressions for a stage simply never matches that stage.
func Compile(env *expr.Environment, profile waf.ACLProfile) (*CompiledProfile, error) {
	var err error
	c := &CompiledProfile{profile: profile}
	if c.bypass, err = compileAll(env, profile.BypassExpr); err != nil {
		return nil, fmt.Errorf("acl: %s: bypass: %w", profile.ID, err)
	}
	if c.forceDeny, err = compileAll(env, profile.ForceDenyExpr); err != nil {
		return nil, fmt.Errorf("acl: %s: force_deny: %w", profile.ID, err)
	}
	if c.deny, err = compileAll(env, profile.DenyExpr); err != nil {
		return nil, fmt.Errorf("acl: %s: deny: %w", profile.ID, err)
	}
	if c.humanOnly, err = compileAll(env, profile.HumanOnlyExpr); err != nil {
		return nil, fmt.Errorf("acl: %s: human_only: %w", profile.ID, err)
	}
	if c.botOnly, err = compileAll(env, profile.BotOnlyExpr); err != nil {
		return nil, fmt.Errorf("acl: %s: bot_only: %w", profile.ID, err)
	}
	if c.challenge, err = compileAll(env, profile.ChallengeExpr); err != nil {
		return nil, fmt.Errorf("acl: %s: challenge: %w", profile.ID, err)
	}
	return c, nil
}

func compileAll(env *expr.Environment, exprs []string) ([]expr.Program, error) {
	progs := make([]expr.Program, 0, len(exprs))
	for _, e := range exprs {
		p, err := env.Compile(e)
		if err != nil {
			return nil, err
		}
		progs = append(progs, p)
	}
	return progs, nil
}

func anyMatch(progs []expr.Program, data map[string]any) (bool, error) {
	for _, p := range progs {
		ok, err := p.EvalBool(data)
		if err != nil {
			return false, fmt.Errorf("acl: eval %q: %w", p.Source(), err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Evaluate runs the profile's stage conditions against data (a request/tags/
// policy/vars activation, see internal/expr) and isHuman (the bot-detector's
// precision-level classification), producing at most one ACLDecision.
//
// Precedence: bypass short-circuits everything; force-deny outranks every
// other blocking stage; human-only and bot-only only fire against traffic
// that actually violates them (a human hitting human-only never blocks);
// deny is the catch-all blocking stage. Challenge is evaluated independently
// and carried as a flag alongside whichever stage fires, matching the
// profile's ability to gate a deny behind a challenge instead of a hard
// block (spec §4.6 step 3).
func (c *CompiledProfile) Evaluate(data map[string]any, isHuman bool) (waf.ACLDecision, error) {
	bypass, err := anyMatch(c.bypass, data)
	if err != nil {
		return waf.ACLDecision{}, err
	}
	if bypass {
		return waf.ACLDecision{Stage: waf.ACLBypass, Tags: c.profile.Tags}, nil
	}

	challenge, err := anyMatch(c.challenge, data)
	if err != nil {
		return waf.ACLDecision{}, err
	}

	forceDeny, err := anyMatch(c.forceDeny, data)
	if err != nil {
		return waf.ACLDecision{}, err
	}
	if forceDeny {
		return waf.ACLDecision{Stage: waf.ACLForceDeny, Tags: c.profile.Tags, Challenge: challenge}, nil
	}

	humanOnly, err := anyMatch(c.humanOnly, data)
	if err != nil {
		return waf.ACLDecision{}, err
	}
	if humanOnly && !isHuman {
		return waf.ACLDecision{Stage: waf.ACLHumanOnly, Tags: c.profile.Tags, Challenge: challenge}, nil
	}

	botOnly, err := anyMatch(c.botOnly, data)
	if err != nil {
		return waf.ACLDecision{}, err
	}
	if botOnly && isHuman {
		return waf.ACLDecision{Stage: waf.ACLBotOnly, Tags: c.profile.Tags, Challenge: challenge}, nil
	}

	deny, err := anyMatch(c.deny, data)
	if err != nil {
		return waf.ACLDecision{}, err
	}
	if deny {
		return waf.ACLDecision{Stage: waf.ACLDeny, Tags: c.profile.Tags, Challenge: challenge}, nil
	}

	return waf.ACLDecision{Stage: waf.ACLAllow, Tags: c.profile.Tags, Challenge: challenge}, nil
}

// Blocking reports whether stage represents an enforceable violation rather
// than Allow or Bypass (spec §4.6 step 3: "Blocking reasons cause the ACL
// profile's action to be applied; non-blocking reasons are recorded").
func Blocking(stage waf.ACLStage) bool {
	switch stage {
	case waf.ACLDeny, waf.ACLForceDeny, waf.ACLHumanOnly, waf.ACLBotOnly:
		return true
	default:
		return false
	}
}
