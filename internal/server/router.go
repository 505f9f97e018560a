package server

import (
	"net/http"
)

// PipelineHTTP defines the minimal surface the lifecycle router needs from
// the request-evaluation pipeline to serve HTTP requests: analyze the
// request body the proxy forwards, and report whether the process is ready
// to serve traffic.
type PipelineHTTP interface {
	ServeAnalyze(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewPipelineHandler wires the HTTP routing facade to the pipeline so the
// lifecycle server owns URL dispatch without embedding routing logic into
// the pipeline itself. metricsHandler is mounted at /metrics verbatim; pass
// nil to disable the endpoint.
func NewPipelineHandler(p PipelineHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p.ServeAnalyze(w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		p.ServeHealth(w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		p.ServeHealth(w, r)
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}
