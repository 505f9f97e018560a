// Package counterstore is the pipelined, asynchronous counter-store client
// (C4): a shared key-integer store for rate/flow counters, built the way
// the teacher's decision cache talks to Redis/Valkey (see valkey.go),
// generalized from HTTP-response caching to increment-and-get counters.
package counterstore

import (
	"context"
	"time"
)

// Op is the kind of command a Query compiles to.
type Op int

const (
	// OpIncrExpire increments the key and, on first creation, sets its TTL.
	// It maps to a single EVAL script so the contract's "N queries in,
	// N results out" holds even though two Redis-level commands are
	// logically involved (spec §4.4).
	OpIncrExpire Op = iota
	// OpGet is a plain read, used by flow-step lookups.
	OpGet
)

// Query is an opaque key plus an increment/expiry specification (spec §3:
// "Counter query: an opaque key plus an increment/expiry specification").
type Query struct {
	Key       []byte
	Op        Op
	Increment int64
	TTL       time.Duration
}

// Pipeline accumulates queries in submission order and executes them in one
// round trip (spec §4.4: "build(queries) appends N commands to a single
// pipeline in submission order; execute() issues the pipeline and returns N
// results of type optional<signed-64-bit>").
type Pipeline interface {
	// Build appends queries to the pipeline, in order.
	Build(queries []Query)
	// Execute issues the pipeline once and returns one *int64 per query, in
	// submission order; a nil entry is a per-query decode/miss failure that
	// must be treated as absent rather than aborting the whole batch.
	Execute(ctx context.Context) ([]*int64, error)
}

// Store opens pipelines against the shared counter backend.
type Store interface {
	// NewPipeline opens a connection and returns a fresh Pipeline. A
	// connection failure here is the fail-open trigger described in
	// spec §4.4: callers must treat it as "no counter data available" and
	// continue, never as a request-ending error.
	NewPipeline(ctx context.Context) (Pipeline, error)
	Close() error
}
