package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/metrics"
)

// ErrUnreachable is the comfy sentinel, re-exported so callers of this
// package classify failures without importing the client.
var ErrUnreachable = comfy.ErrUnreachable

// ErrTimeout is returned when a prompt does not finish within MaxWait.
var ErrTimeout = errors.New("timed out waiting for comfyui")

// ExecutionError reports a prompt that ComfyUI marked as errored.
type ExecutionError struct {
	PromptID string
	Message  string
	// Status is the raw status object from history, kept for diagnostics.
	Status json.RawMessage
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// DeliveryError reports a prompt that completed but whose artifact could not
// be fetched.
type DeliveryError struct {
	Ref comfy.ArtifactRef
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("fetching artifact %s: %v", e.Ref.Filename, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// executionMessage extracts a readable message from the status messages.
// It looks for ["execution_error", {"node_type": ..., "exception_message": ...}].
func executionMessage(messages []json.RawMessage) string {
	for _, raw := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &detail); err != nil {
			continue
		}
		return fmt.Sprintf("ComfyUI error in %s: %s", detail.NodeType, detail.ExceptionMessage)
	}
	return "ComfyUI execution failed"
}

// outcomeLabel maps an error from Generate to a metrics outcome label.
func outcomeLabel(err error) string {
	var rej *comfy.RejectedError
	var exec *ExecutionError
	var del *DeliveryError
	switch {
	case err == nil:
		return metrics.OutcomeComplete
	case errors.As(err, &del):
		return metrics.OutcomeDelivery
	case errors.As(err, &rej):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrUnreachable):
		return metrics.OutcomeUnreachable
	case errors.As(err, &exec):
		return metrics.OutcomeFailed
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeCancelled
	}
}
