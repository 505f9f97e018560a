// Package policy loads and hot-reloads the security-policy bundle (ACL
// profiles, content-filter profiles, limit rules, flow specs) that binds
// to each request's waf.SecurityPolicy, the koanf+fsnotify equivalent of
// the excluded "security-policy loading" collaborator named in spec §1.
package policy

import (
	"fmt"
	"time"

	"github.com/riftwaf/sentry/internal/waf"
)

// Config holds the process bootstrap knobs: listener, logging, the bundle
// source, and the counter-store backend.
type Config struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Bundle    BundleConfig    `koanf:"bundle"`
	Counters  CountersConfig  `koanf:"counters"`
	Templates TemplatesConfig `koanf:"templates"`
}

type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// BundleConfig points at the YAML document describing every security
// policy entry.
type BundleConfig struct {
	File string `koanf:"file"`
}

type CountersConfig struct {
	Address string `koanf:"address"`
}

// TemplatesConfig captures the Go-template sandbox root the hybrid
// CEL/template evaluator renders key-component templates from.
type TemplatesConfig struct {
	Folder   string   `koanf:"folder"`
	AllowEnv bool     `koanf:"allowEnv"`
	Allowed  []string `koanf:"allowed"`
}

// DefaultConfig returns the baseline values every deployment starts from
// before the file and env layers are applied.
func DefaultConfig() Config {
	return Config{
		Listen: ListenConfig{Address: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "json",
			CorrelationHeader: "X-Request-ID",
		},
		Bundle:    BundleConfig{File: "./policy.yaml"},
		Counters:  CountersConfig{Address: "127.0.0.1:6379"},
		Templates: TemplatesConfig{Folder: "./templates"},
	}
}

// Validate enforces the invariants the rest of the process depends on.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("policy: listen.port invalid: %d", c.Listen.Port)
	}
	if c.Bundle.File == "" {
		return fmt.Errorf("policy: bundle.file required")
	}
	return nil
}

// Bundle is the on-disk schema of the policy file: a map of policy ID to
// its declared entries.
type Bundle struct {
	Policies map[string]PolicyEntry `koanf:"policies"`
}

type PolicyEntry struct {
	Name                string             `koanf:"name"`
	EntryID             string             `koanf:"entryId"`
	EntryName           string             `koanf:"entryName"`
	ACLActive           bool               `koanf:"aclActive"`
	ContentFilterActive bool               `koanf:"contentFilterActive"`
	ACL                 ACLProfileConfig   `koanf:"acl"`
	ContentFilter       ContentFilterConfig `koanf:"contentFilter"`
	Limits              []LimitRuleConfig  `koanf:"limits"`
	Flows               []FlowSpecConfig   `koanf:"flows"`
}

type ACLProfileConfig struct {
	ID            string       `koanf:"id"`
	Name          string       `koanf:"name"`
	Bypass        []string     `koanf:"bypass"`
	ForceDeny     []string     `koanf:"forceDeny"`
	Deny          []string     `koanf:"deny"`
	HumanOnly     []string     `koanf:"humanOnly"`
	BotOnly       []string     `koanf:"botOnly"`
	Challenge     []string     `koanf:"challenge"`
	Tags          []string     `koanf:"tags"`
	Action        ActionConfig `koanf:"action"`
}

type ContentFilterConfig struct {
	ID                   string       `koanf:"id"`
	Name                 string       `koanf:"name"`
	AcceptedContentTypes []string     `koanf:"acceptedContentTypes"`
	Tags                 []string     `koanf:"tags"`
	Action               ActionConfig `koanf:"action"`
}

type KeyComponentConfig struct {
	Name string `koanf:"name"`
	Expr string `koanf:"expr"`
}

type LimitRuleConfig struct {
	ID        string               `koanf:"id"`
	Name      string               `koanf:"name"`
	Key       []KeyComponentConfig `koanf:"key"`
	Threshold int64                `koanf:"threshold"`
	TTL       string               `koanf:"ttl"`
	Action    ActionConfig         `koanf:"action"`
}

type FlowStepConfig struct {
	Index int                  `koanf:"index"`
	Key   []KeyComponentConfig `koanf:"key"`
	TTL   string               `koanf:"ttl"`
}

type FlowSpecConfig struct {
	ID     string           `koanf:"id"`
	Name   string           `koanf:"name"`
	Steps  []FlowStepConfig `koanf:"steps"`
	Action ActionConfig     `koanf:"action"`
}

type ActionConfig struct {
	Kind      string            `koanf:"kind"`
	BlockMode bool              `koanf:"blockMode"`
	Status    int               `koanf:"status"`
	Body      string            `koanf:"body"`
	Headers   map[string]string `koanf:"headers"`
	ExtraTags []string          `koanf:"extraTags"`
	Challenge bool              `koanf:"challenge"`
}

func (a ActionConfig) toWAF() waf.Action {
	return waf.Action{
		Kind:      waf.ActionKind(a.Kind),
		BlockMode: a.BlockMode,
		Status:    a.Status,
		Body:      a.Body,
		Headers:   a.Headers,
		ExtraTags: a.ExtraTags,
		Challenge: a.Challenge,
	}
}

func (k KeyComponentConfig) toWAF() waf.KeyComponent {
	return waf.KeyComponent{Name: k.Name, Expr: k.Expr}
}

func keyComponents(cs []KeyComponentConfig) []waf.KeyComponent {
	out := make([]waf.KeyComponent, len(cs))
	for i, c := range cs {
		out[i] = c.toWAF()
	}
	return out
}

// Build converts the loaded bundle into the SecurityPolicy snapshots the
// pipeline binds to each request, keyed by policy ID.
func (b Bundle) Build() (map[string]*waf.SecurityPolicy, error) {
	out := make(map[string]*waf.SecurityPolicy, len(b.Policies))
	for id, entry := range b.Policies {
		policy, err := entry.build(id)
		if err != nil {
			return nil, fmt.Errorf("policy: build %s: %w", id, err)
		}
		out[id] = policy
	}
	return out, nil
}

func (e PolicyEntry) build(id string) (*waf.SecurityPolicy, error) {
	limits := make([]waf.LimitRule, len(e.Limits))
	for i, l := range e.Limits {
		ttl, err := time.ParseDuration(l.TTL)
		if err != nil {
			return nil, fmt.Errorf("limits[%d].ttl: %w", i, err)
		}
		limits[i] = waf.LimitRule{
			ID:        l.ID,
			Name:      l.Name,
			Key:       keyComponents(l.Key),
			Threshold: l.Threshold,
			TTL:       ttl,
			Action:    l.Action.toWAF(),
		}
	}

	flows := make([]waf.FlowSpec, len(e.Flows))
	for i, f := range e.Flows {
		steps := make([]waf.FlowStep, len(f.Steps))
		for j, s := range f.Steps {
			ttl, err := time.ParseDuration(s.TTL)
			if err != nil {
				return nil, fmt.Errorf("flows[%d].steps[%d].ttl: %w", i, j, err)
			}
			steps[j] = waf.FlowStep{Index: s.Index, Key: keyComponents(s.Key), TTL: ttl}
		}
		flows[i] = waf.FlowSpec{ID: f.ID, Name: f.Name, Steps: steps, Action: f.Action.toWAF()}
	}

	return &waf.SecurityPolicy{
		PolicyID:   id,
		PolicyName: e.Name,
		EntryID:    e.EntryID,
		EntryName:  e.EntryName,
		ACL: waf.ACLProfile{
			ID:            e.ACL.ID,
			Name:          e.ACL.Name,
			BypassExpr:    e.ACL.Bypass,
			ForceDenyExpr: e.ACL.ForceDeny,
			DenyExpr:      e.ACL.Deny,
			HumanOnlyExpr: e.ACL.HumanOnly,
			BotOnlyExpr:   e.ACL.BotOnly,
			ChallengeExpr: e.ACL.Challenge,
			Tags:          e.ACL.Tags,
			Action:        e.ACL.Action.toWAF(),
		},
		ContentFilter: waf.ContentFilterProfile{
			ID:                   e.ContentFilter.ID,
			Name:                 e.ContentFilter.Name,
			AcceptedContentTypes: e.ContentFilter.AcceptedContentTypes,
			Tags:                 e.ContentFilter.Tags,
			Action:               e.ContentFilter.Action.toWAF(),
		},
		Limits:              limits,
		Flows:               flows,
		ACLActive:           e.ACLActive,
		ContentFilterActive: e.ContentFilterActive,
	}, nil
}
