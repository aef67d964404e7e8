package comfy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnreachable is returned when the ComfyUI server cannot be contacted.
var ErrUnreachable = errors.New("comfyui unreachable")

// Workflow is a ComfyUI API-format prompt: node id to node. Inputs hold
// literals or references of the form [nodeID, outputIndex].
type Workflow map[string]Node

// Node is a single processing step in a Workflow.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// UnmarshalJSON keeps numeric inputs as json.Number so 64-bit seeds and
// other large integers are resubmitted exactly as they were received.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ClassType string         `json:"class_type"`
		Inputs    map[string]any `json:"inputs"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	n.ClassType, n.Inputs = raw.ClassType, raw.Inputs
	return nil
}

// Clone returns a deep copy of the workflow so per-request mutation never
// touches the source workflow.
func (w Workflow) Clone() Workflow {
	out := make(Workflow, len(w))
	for id, n := range w {
		out[id] = Node{ClassType: n.ClassType, Inputs: cloneMap(n.Inputs)}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i := range val {
			cp[i] = cloneValue(val[i])
		}
		return cp
	default:
		return v
	}
}

// ArtifactRef points at a file produced by a finished prompt.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is one prompt's record in GET /history.
type HistoryEntry struct {
	Status  StatusInfo            `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// StatusInfo is the execution status ComfyUI reports for a prompt. Messages
// are [kind, payload] pairs such as ["execution_error", {...}].
type StatusInfo struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// Failed reports whether ComfyUI marked the prompt as errored.
func (s StatusInfo) Failed() bool {
	return s.StatusStr == "error"
}

// LastTimestamp returns the latest millisecond timestamp carried by any
// status message, or zero when none has one.
func (s StatusInfo) LastTimestamp() int64 {
	var latest int64
	for _, raw := range s.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var payload struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(pair[1], &payload); err == nil && payload.Timestamp > latest {
			latest = payload.Timestamp
		}
	}
	return latest
}

// NodeOutput lists the artifacts one output node produced.
type NodeOutput struct {
	Images []ArtifactRef `json:"images"`
}

// SubmitResult mirrors the JSON returned by POST /prompt.
type SubmitResult struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// QueueInfo mirrors GET /queue.
type QueueInfo struct {
	Running []QueueItem `json:"queue_running"`
	Pending []QueueItem `json:"queue_pending"`
}

// QueueItem is a raw queue tuple: [number, prompt_id, prompt, extra, outputs].
type QueueItem []json.RawMessage

// PromptID extracts the prompt id from the queue tuple, or "" if absent.
func (q QueueItem) PromptID() string {
	if len(q) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(q[1], &id); err != nil {
		return ""
	}
	return id
}

// RejectedError is returned when ComfyUI refuses a submitted workflow, e.g.
// a missing model file or an invalid node graph.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("prompt rejected: %s", e.Body)
	}
	return fmt.Sprintf("prompt rejected (status %d): %s", e.StatusCode, e.Body)
}
