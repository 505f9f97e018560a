package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riftwaf/sentry/internal/clientip"
	"github.com/riftwaf/sentry/internal/policy"
	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
	"github.com/riftwaf/sentry/internal/waf/contentfilter"
	"github.com/riftwaf/sentry/internal/waf/pipeline"
)

// Recorder is the subset of internal/metrics.Recorder the analyze handler
// needs; kept as an interface so the handler can be tested without pulling
// in a live Prometheus registry.
type Recorder interface {
	ObserveDecision(policy, outcome, initiator string, blockMode bool)
	ObserveStage(stage string, duration time.Duration)
}

// AnalyzeHandler adapts HTTP requests from the upstream proxy into the
// pipeline's Phase0/Analyze call, the equivalent of the teacher's
// rule_execution_agent request entry point, rebuilt around a single
// request-evaluation endpoint instead of a per-endpoint rule dispatch.
type AnalyzeHandler struct {
	Pipeline *pipeline.Pipeline
	Policies *policy.Store
	ClientIP *clientip.Resolver
	Logger   *slog.Logger
	Metrics  Recorder

	// CorrelationHeader, when set, is checked for a caller-supplied
	// correlation ID before one is minted with uuid.NewString.
	CorrelationHeader string
}

// correlationID returns the caller-supplied correlation ID from
// CorrelationHeader, or mints a fresh UUIDv4 when absent.
func (h *AnalyzeHandler) correlationID(r *http.Request) string {
	if h.CorrelationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(h.CorrelationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

// analyzeRequest is the wire schema the upstream proxy (or a test client)
// posts to /analyze: everything phase-0 needs about one HTTP request plus
// the policy it should be evaluated against.
type analyzeRequest struct {
	PolicyID       string              `json:"policyId"`
	Method         string              `json:"method"`
	Protocol       string              `json:"protocol"`
	Path           string              `json:"path"`
	URI            string              `json:"uri"`
	Headers        map[string][]string `json:"headers"`
	Cookies        map[string]string   `json:"cookies"`
	Args           map[string]string   `json:"args"`
	GeoIP          map[string]string   `json:"geoip"`
	BodyFailed     bool                `json:"bodyFailed"`
	BodyFailReason string              `json:"bodyFailReason"`
	PrecisionLevel string              `json:"precisionLevel"`
	Tags           []string            `json:"tags"`
}

// analyzeResponse is the wire schema returned to the caller: the merged
// decision plus enough detail to act on it without reparsing BlockReasons.
type analyzeResponse struct {
	Action    string            `json:"action"`
	BlockMode bool              `json:"blockMode,omitempty"`
	Status    int               `json:"status,omitempty"`
	Body      string            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Tags      []string          `json:"tags"`
	Stage     string            `json:"stage"`
}

// ServeAnalyze decodes an analyzeRequest, resolves the bound policy, runs
// the pipeline, and writes the merged decision back as JSON.
func (h *AnalyzeHandler) ServeAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed analyze request", http.StatusBadRequest)
		return
	}

	pol, ok := h.Policies.Get(req.PolicyID)
	if !ok {
		http.Error(w, "unknown policy", http.StatusNotFound)
		return
	}

	correlationID := h.correlationID(r)

	resolvedIP := ""
	if h.ClientIP != nil {
		resolvedIP = h.ClientIP.Resolve(r)
	}

	reqInfo := &waf.RequestInfo{
		Method:   req.Method,
		Protocol: req.Protocol,
		Path:     req.Path,
		URI:      req.URI,
		Headers:  req.Headers,
		Cookies:  req.Cookies,
		Args:     req.Args,
		ClientIP: resolvedIP,
		GeoIP:    req.GeoIP,
		Body:     waf.BodyDecoding{Failed: req.BodyFailed, Reason: req.BodyFailReason},
		Policy:   pol,
	}

	tags := waf.NewTags()
	for _, t := range req.Tags {
		tags.Insert(t, waf.LocationRequest)
	}

	p0 := pipeline.Phase0{
		PrecisionLevel: botdetector.ParsePrecisionLevel(req.PrecisionLevel),
		Tags:           tags,
		Request:        reqInfo,
		Stats:          waf.NewStats(),
	}

	rulesArg := contentfilter.RulesArg{Global: true}

	start := time.Now()
	result, err := h.Pipeline.Analyze(r.Context(), p0, rulesArg)
	elapsed := time.Since(start)
	if h.Metrics != nil {
		h.Metrics.ObserveStage("analyze", elapsed)
	}
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("pipeline analyze failed", slog.String("error", err.Error()), slog.String("policy", req.PolicyID), slog.String("correlation_id", correlationID))
		}
		http.Error(w, "analyze failed", http.StatusInternalServerError)
		return
	}

	resp := toAnalyzeResponse(result)
	if h.Metrics != nil {
		initiator := ""
		if len(result.Decision.Reasons) > 0 {
			initiator = string(result.Decision.Reasons[len(result.Decision.Reasons)-1].Initiator)
		}
		h.Metrics.ObserveDecision(req.PolicyID, resp.Action, initiator, resp.BlockMode)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.CorrelationHeader != "" {
		w.Header().Set(h.CorrelationHeader, correlationID)
	}
	if resp.Action == string(waf.ActionBlock) {
		w.WriteHeader(statusOrDefault(resp.Status, http.StatusForbidden))
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func statusOrDefault(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}

func toAnalyzeResponse(result waf.AnalyzeResult) analyzeResponse {
	resp := analyzeResponse{
		Action: "pass",
		Stage:  string(result.Stats.Stage),
	}
	if result.Tags != nil {
		resp.Tags = result.Tags.Names()
	}
	if action := result.Decision.Action; action != nil {
		resp.Action = string(action.Kind)
		resp.BlockMode = action.BlockMode
		resp.Status = action.Status
		resp.Body = action.Body
		resp.Headers = action.Headers
	}
	return resp
}

// ServeHealth reports readiness: the process is healthy once at least one
// security policy has been loaded into the store.
func (h *AnalyzeHandler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if h.Policies == nil || h.Policies.Len() == 0 {
		http.Error(w, "no policies loaded", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
