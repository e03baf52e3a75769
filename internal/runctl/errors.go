package runctl

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/maildrift/inboxdigest/internal/citation"
	"github.com/maildrift/inboxdigest/internal/gateway"
	"github.com/maildrift/inboxdigest/internal/mail"
)

// Stage is the controller's position in the run state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageFetching
	StageNormalizing
	StageExtracting
	StageLLMCalling
	StageCiting
	StageRanking
	StageAssembling
	StageDone
	StageFailed
)

var stageNames = map[Stage]string{
	StageIdle:        "IDLE",
	StageFetching:    "FETCHING",
	StageNormalizing: "NORMALIZING",
	StageExtracting:  "EXTRACTING",
	StageLLMCalling:  "LLM_CALLING",
	StageCiting:      "CITING",
	StageRanking:     "RANKING",
	StageAssembling:  "ASSEMBLING",
	StageDone:        "DONE",
	StageFailed:      "FAILED",
}

func (s Stage) String() string { return stageNames[s] }

// FailureKind classifies a run failure for logging and retry policy.
type FailureKind string

const (
	FailTransientNetwork FailureKind = "transient_network"
	FailRemoteRateLimit  FailureKind = "remote_rate_limit"
	FailSchemaViolation  FailureKind = "schema_violation"
	FailAuthFailure      FailureKind = "auth_failure"
	FailConfigError      FailureKind = "config_error"
	FailDataIntegrity    FailureKind = "data_integrity"
	FailBudgetExceeded   FailureKind = "budget_exceeded"
	FailCancelled        FailureKind = "cancelled"
	FailInternal         FailureKind = "internal"
)

// RunError wraps a failure with the stage it occurred in and its
// classification. The watermark is never advanced on a RunError.
type RunError struct {
	Stage Stage
	Kind  FailureKind
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed in %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Classify maps an error to its failure kind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailCancelled
	case errors.Is(err, gateway.ErrBudgetExceeded):
		return FailBudgetExceeded
	case errors.Is(err, gateway.ErrSchema):
		return FailSchemaViolation
	case errors.Is(err, mail.ErrPermanent):
		return FailAuthFailure
	}
	var ve *citation.ValidationError
	if errors.As(err, &ve) {
		return FailDataIntegrity
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return FailAuthFailure
		case apiErr.HTTPStatusCode == 429:
			return FailRemoteRateLimit
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailTransientNetwork
	}
	return FailInternal
}
