package pipeline

import (
	"github.com/riftwaf/sentry/internal/waf"
	"github.com/riftwaf/sentry/internal/waf/botdetector"
)

// activationFor builds the request/tags/policy/vars CEL activation (see
// internal/expr.NewEnvironment) shared by ACL conditions and limit/flow key
// components.
func activationFor(req *waf.RequestInfo, tags *waf.Tags, policy *waf.SecurityPolicy) map[string]any {
	requestMap := map[string]any{
		"method":   req.Method,
		"protocol": req.Protocol,
		"path":     req.Path,
		"uri":      req.URI,
		"ip":       req.ClientIP,
		"headers":  flattenHeaders(req.Headers),
		"cookies":  stringMapToAny(req.Cookies),
		"args":     stringMapToAny(req.Args),
		"geoip":    stringMapToAny(req.GeoIP),
	}

	tagMap := make(map[string]any, tags.Len())
	tags.Each(func(tag string, _ []waf.Location) {
		tagMap[tag] = true
	})

	policyMap := map[string]any{
		"policyId":            policy.PolicyID,
		"policyName":          policy.PolicyName,
		"entryId":             policy.EntryID,
		"entryName":           policy.EntryName,
		"aclActive":           policy.ACLActive,
		"contentFilterActive": policy.ContentFilterActive,
	}

	return map[string]any{
		"request": requestMap,
		"tags":    tagMap,
		"policy":  policyMap,
		"vars":    map[string]any{},
	}
}

func flattenHeaders(headers map[string][]string) map[string]any {
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// detectorQuery adapts a RequestInfo into the detector's Query shape.
func detectorQuery(req *waf.RequestInfo) botdetector.Query {
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return botdetector.Query{
		Headers:  headers,
		Cookies:  req.Cookies,
		IP:       req.ClientIP,
		Protocol: req.Protocol,
	}
}
