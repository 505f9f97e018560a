package botdetector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNulByte is returned when a payload destined for the native engine
// contains an embedded NUL byte, which the C ABI cannot carry (spec §4.3:
// "reject inputs that contain a NUL byte with a typed error").
var ErrNulByte = errors.New("botdetector: null byte in JSON encoded payload")

// NativeResult is the outcome of one native-engine call. It models the two
// shapes a C ABI call can return: a success token with a (possibly empty)
// JSON payload to parse, or a failure with an error string — mirroring the
// out-param-bool-plus-pointer convention of an `extern "C"` boundary.
// Release must be called exactly once on every exit path, matching the
// spec's "every returned pointer is released through the engine's matching
// free function on every exit path" (§4.3/§9); Go's GC makes this
// unnecessary for memory safety, but NativeEngine implementations backed
// by real cgo/dlopen bindings still need the call so their underlying
// C string can be freed.
type NativeResult struct {
	OK      bool
	Payload []byte
	ErrMsg  string
}

// NativeEngine is the pluggable boundary a Dyn detector marshals JSON
// across. It stands in for the `extern "C"` block of a real C-ABI-backed
// engine: Invoke performs one call (is_human, init_challenge, ...) with a
// NUL-free JSON payload and returns a NativeResult that must be released.
//
// Go's module boundary here intentionally does not attempt actual cgo or
// dlopen: the bot detector is explicitly named a non-goal ("training of
// the bot detector (opaque native dependency)", spec §1) and no engine
// binary ships with this module. NativeEngine is the dependency-inversion
// seam a real deployment wires a cgo/dlopen (or gRPC, or subprocess)
// implementation into; see DESIGN.md for why no ecosystem dependency from
// the example corpus could stand in for an actual compiled engine.
type NativeEngine interface {
	Invoke(ctx context.Context, op string, payload []byte) (*NativeResult, error)
	Release(*NativeResult)
}

// Dyn marshals JSON over a NativeEngine boundary, implementing the five
// Detector operations per the marshalling contract in spec §4.3.
type Dyn struct {
	engine NativeEngine
}

var _ Detector = (*Dyn)(nil)

// NewDyn builds a Dyn detector bound to the given native engine.
func NewDyn(engine NativeEngine) *Dyn {
	return &Dyn{engine: engine}
}

func (d *Dyn) call(ctx context.Context, op string, v any) (*NativeResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("botdetector: encode %s payload: %w", op, err)
	}
	// json.Marshal writes a NUL inside a string as the escape \u0000, so the
	// scan looks for that escape as well as for a raw NUL byte.
	for i := 0; i < len(payload); i++ {
		if payload[i] == 0 || (payload[i] == '\\' && bytes.HasPrefix(payload[i+1:], []byte("u0000"))) {
			return nil, ErrNulByte
		}
		if payload[i] == '\\' {
			i++
		}
	}
	return d.engine.Invoke(ctx, op, payload)
}

func (d *Dyn) IsHuman(ctx context.Context, q Query) (PrecisionLevel, error) {
	res, err := d.call(ctx, "is_human", q)
	if err != nil {
		return PrecisionInvalid, err
	}
	defer d.engine.Release(res)
	if !res.OK {
		return PrecisionInvalid, errors.New(res.ErrMsg)
	}
	if len(res.Payload) == 0 {
		return PrecisionInvalid, errors.New("botdetector: is_human returned no payload on success")
	}
	var out struct {
		PrecisionLevel string `json:"precisionLevel"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return PrecisionInvalid, fmt.Errorf("botdetector: decode is_human payload: %w", err)
	}
	return ParsePrecisionLevel(out.PrecisionLevel), nil
}

func (d *Dyn) InitChallenge(ctx context.Context, q Query, mode Mode) (ChallengeResponse, error) {
	req := struct {
		Query
		Mode Mode `json:"mode"`
	}{Query: q, Mode: mode}
	return d.challengeCall(ctx, "init_challenge", req)
}

func (d *Dyn) VerifyChallenge(ctx context.Context, headers map[string]string) (string, error) {
	res, err := d.call(ctx, "verify_challenge", struct {
		Headers map[string]string `json:"headers"`
	}{Headers: headers})
	if err != nil {
		return "", err
	}
	defer d.engine.Release(res)
	if !res.OK {
		return "", errors.New(res.ErrMsg)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return "", fmt.Errorf("botdetector: decode verify_challenge payload: %w", err)
	}
	return out.Token, nil
}

func (d *Dyn) ShouldProvideAppSig(ctx context.Context, headers map[string]string) (ChallengeResponse, error) {
	return d.challengeCall(ctx, "should_provide_app_sig", struct {
		Headers map[string]string `json:"headers"`
	}{Headers: headers})
}

func (d *Dyn) HandleBioReport(ctx context.Context, q Query, level PrecisionLevel) (ChallengeResponse, error) {
	req := struct {
		Query
		PrecisionLevel string `json:"precisionLevel"`
	}{Query: q, PrecisionLevel: level.String()}
	return d.challengeCall(ctx, "handle_bio_report", req)
}

func (d *Dyn) challengeCall(ctx context.Context, op string, v any) (ChallengeResponse, error) {
	res, err := d.call(ctx, op, v)
	if err != nil {
		return ChallengeResponse{}, err
	}
	defer d.engine.Release(res)
	if !res.OK {
		return ChallengeResponse{}, errors.New(res.ErrMsg)
	}
	var out struct {
		PrecisionLevel string            `json:"precisionLevel"`
		Body           string            `json:"body"`
		Headers        map[string]string `json:"headers"`
		StatusCode     int               `json:"statusCode"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return ChallengeResponse{}, fmt.Errorf("botdetector: decode %s payload: %w", op, err)
	}
	return ChallengeResponse{
		PrecisionLevel: ParsePrecisionLevel(out.PrecisionLevel),
		Body:           out.Body,
		Headers:        out.Headers,
		StatusCode:     out.StatusCode,
	}, nil
}
