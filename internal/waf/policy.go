package waf

import "time"

// BodyDecoding is the caller-reported outcome of request body decoding.
// Request parsing and body decoding are explicitly out of scope for the
// core (spec §1); only this result is consumed.
type BodyDecoding struct {
	Failed bool
	Reason string
}

// RequestInfo is the immutable parsed-request snapshot the pipeline is
// handed. It is owned along the phase chain and borrowed by each stage;
// nothing retains it past the request (spec §3/§5).
type RequestInfo struct {
	Method   string
	Protocol string
	Path     string
	URI      string
	Headers  map[string][]string
	Cookies  map[string]string
	Args     map[string]string
	ClientIP string
	GeoIP    map[string]string
	Body     BodyDecoding
	Policy   *SecurityPolicy
}

// HeaderFirst returns the first value of a header, case-sensitively as
// stored (callers are expected to have normalized casing at construction).
func (r *RequestInfo) HeaderFirst(name string) string {
	if r == nil {
		return ""
	}
	if vals, ok := r.Headers[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Mask returns a PII-masked copy of r suitable for the final log record
// (spec §1 lists PII masking as an out-of-scope collaborator; this is a
// minimal stand-in — it redacts the Authorization/Cookie headers and the
// raw cookie jar, which is the bulk of what a request snapshot needs
// redacted before logging — so AnalyzeResult.RInfo is never the raw
// unredacted snapshot).
func (r *RequestInfo) Mask() *RequestInfo {
	if r == nil {
		return nil
	}
	masked := *r
	masked.Headers = make(map[string][]string, len(r.Headers))
	for k, v := range r.Headers {
		switch k {
		case "authorization", "Authorization", "cookie", "Cookie":
			masked.Headers[k] = []string{"***"}
		default:
			cp := make([]string, len(v))
			copy(cp, v)
			masked.Headers[k] = cp
		}
	}
	masked.Cookies = make(map[string]string, len(r.Cookies))
	for k := range r.Cookies {
		masked.Cookies[k] = "***"
	}
	return &masked
}

// KeyComponent is one piece of a limit/flow counter key, authored as a CEL
// expression or a Go template rendered through expr.HybridEvaluator (spec
// §4.5: "a configurable tuple (ip, headers, args, policy-derived)").
type KeyComponent struct {
	Name string
	Expr string
}

// LimitRule is a per-rule rate check (spec §4.5).
type LimitRule struct {
	ID        string
	Name      string
	Key       []KeyComponent
	Threshold int64
	TTL       time.Duration
	Action    Action
}

// FlowStep is one step of a named multi-step sequence (spec §4.5 Flows).
type FlowStep struct {
	Index int
	Key   []KeyComponent
	TTL   time.Duration
}

// FlowSpec names a sequence and its steps.
type FlowSpec struct {
	ID     string
	Name   string
	Steps  []FlowStep
	Action Action
}

// ACLStage is the outcome category of ACL evaluation (spec §4.6/GLOSSARY).
type ACLStage string

const (
	ACLAllow     ACLStage = "allow"
	ACLDeny      ACLStage = "deny"
	ACLBypass    ACLStage = "bypass"
	ACLForceDeny ACLStage = "force_deny"
	ACLHumanOnly ACLStage = "human_only"
	ACLBotOnly   ACLStage = "bot_only"
)

// ACLDecision is the at-most-one result of evaluating an ACLProfile.
type ACLDecision struct {
	Stage     ACLStage
	Tags      []string
	Challenge bool
}

// ACLProfile is the per-policy ACL configuration: CEL conditions (compiled
// by internal/waf/acl) per stage plus the profile's own tags and the
// action applied when the stage is blocking.
type ACLProfile struct {
	ID             string
	Name           string
	BypassExpr     []string
	ForceDenyExpr  []string
	DenyExpr       []string
	HumanOnlyExpr  []string
	BotOnlyExpr    []string
	ChallengeExpr  []string
	Tags           []string
	Action         Action
}

// ContentFilterProfile is the per-policy content-filter configuration. The
// matcher itself (pattern engine) is out of scope (spec §1); this profile
// only carries what the orchestrator needs: accepted content types (for
// the malformed-body check), extra tags, and the action to apply.
type ContentFilterProfile struct {
	ID                   string
	Name                 string
	AcceptedContentTypes []string
	Tags                 []string
	Action               Action
}

// CfBlock is the content-filter matcher's result on a match (spec §4.6
// step 4).
type CfBlock struct {
	Blocking bool
	Reasons  []BlockReason
}

// SecurityPolicy is the per-route read-only snapshot bound to one request
// (spec §3).
type SecurityPolicy struct {
	PolicyID               string
	PolicyName             string
	EntryID                string
	EntryName              string
	ACL                    ACLProfile
	ContentFilter          ContentFilterProfile
	Limits                 []LimitRule
	Flows                  []FlowSpec
	ACLActive              bool
	ContentFilterActive    bool
}

// FlowResultKind is the outcome of resolving one flow check (spec §4.5).
type FlowResultKind string

const (
	FlowLastStep    FlowResultKind = "last_step"
	FlowNonLastStep FlowResultKind = "non_last_step"
	FlowNotInSeq    FlowResultKind = "not_in_sequence"
)

// FlowResult is the resolved outcome of one flow check.
type FlowResult struct {
	Spec  FlowSpec
	Kind  FlowResultKind
	Tags  []string
}

// LimitResult is the resolved outcome of one limit check.
type LimitResult struct {
	Rule     LimitRule
	Exceeded bool
	Value    int64
}

// AnalysisInfo is carried across the three phases (spec §3). It is built by
// phase-init and destructured by phase-finish; it is never aliased across
// goroutines — each request's AnalysisInfo is owned by exactly one
// in-flight call chain.
type AnalysisInfo struct {
	PrecisionLevel int
	P0Decision     Decision
	Request        *RequestInfo
	Stats          StatsMapped
	Tags           *Tags
}

// AnalyzeResult is the pipeline's terminal output (spec §6).
type AnalyzeResult struct {
	Decision Decision
	Tags     *Tags
	RInfo    *RequestInfo
	Stats    Record
}
