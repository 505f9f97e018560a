package botdetector

import (
	"context"
	"errors"
)

var errNotImplemented = errors.New("botdetector: not implemented")

// Dummy fails every call. It is the detector used when a deployment has no
// bot-detection engine wired in; every caller of Detector must already
// handle this failure mode per spec §7's error table (phase-01 failures
// fail safe to a 500; phase-02/app-sig/bio-report failures degrade to "no
// decision, continue").
type Dummy struct{}

var _ Detector = Dummy{}

func (Dummy) IsHuman(context.Context, Query) (PrecisionLevel, error) {
	return PrecisionInvalid, errNotImplemented
}

func (Dummy) InitChallenge(context.Context, Query, Mode) (ChallengeResponse, error) {
	return ChallengeResponse{}, errNotImplemented
}

func (Dummy) VerifyChallenge(context.Context, map[string]string) (string, error) {
	return "", errNotImplemented
}

func (Dummy) ShouldProvideAppSig(context.Context, map[string]string) (ChallengeResponse, error) {
	return ChallengeResponse{}, errNotImplemented
}

func (Dummy) HandleBioReport(context.Context, Query, PrecisionLevel) (ChallengeResponse, error) {
	return ChallengeResponse{}, errNotImplemented
}
