// Package relay drives one generation through ComfyUI: submit the workflow,
// poll history until it finishes, then fetch the produced artifact.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 900 * time.Second
)

// State is the coarse status of a submitted prompt.
type State int

const (
	Running State = iota
	Failed
	Complete
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of a single status probe.
type Outcome struct {
	State State
	// Ref is set when State is Complete.
	Ref comfy.ArtifactRef
}

// Artifact is a fetched output file. Data is passed through unmodified.
type Artifact struct {
	Ref         comfy.ArtifactRef
	Data        []byte
	ContentType string
}

// Result is a finished generation.
type Result struct {
	PromptID string
	Artifact Artifact
	Elapsed  time.Duration
}

// Options tunes a Relay. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Relay is safe for concurrent use; it holds no per-job state.
type Relay struct {
	client       *comfy.Client
	clientID     string
	pollInterval time.Duration
	maxWait      time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a Relay over c. A fresh client id is generated per Relay.
func New(c *comfy.Client, opts Options) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		client:       c,
		clientID:     uuid.NewString(),
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Client returns the underlying ComfyUI client.
func (r *Relay) Client() *comfy.Client {
	return r.client
}

// ClientID returns the id this relay sends with every submission.
func (r *Relay) ClientID() string {
	return r.clientID
}

// Submit queues wf. Identical workflows submitted twice become two jobs.
func (r *Relay) Submit(ctx context.Context, wf comfy.Workflow) (string, error) {
	res, err := r.client.Submit(ctx, wf, r.clientID)
	if err != nil {
		r.logger.Warn("comfyui submission failed", "error", err)
		return "", err
	}
	r.metrics.JobSubmitted()
	r.logger.Info("prompt queued", "prompt_id", res.PromptID, "number", res.Number)
	return res.PromptID, nil
}

// Check probes history once. A prompt ComfyUI marked as errored yields
// State Failed together with an *ExecutionError.
func (r *Relay) Check(ctx context.Context, promptID string) (Outcome, error) {
	entry, found, err := r.client.History(ctx, promptID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{State: Running}, nil
	}

	if entry.Status.Failed() {
		status, _ := json.Marshal(entry.Status)
		return Outcome{State: Failed}, &ExecutionError{
			PromptID: promptID,
			Message:  executionMessage(entry.Status.Messages),
			Status:   status,
		}
	}

	if ref, ok := firstImage(entry.Outputs); ok {
		return Outcome{State: Complete, Ref: ref}, nil
	}
	return Outcome{State: Running}, nil
}

// firstImage returns the first image of the first output node that has one,
// examining node ids in sorted order.
func firstImage(outputs map[string]comfy.NodeOutput) (comfy.ArtifactRef, bool) {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if imgs := outputs[id].Images; len(imgs) > 0 {
			return imgs[0], true
		}
	}
	return comfy.ArtifactRef{}, false
}

// Wait polls until promptID completes, fails, or MaxWait elapses. Probe
// errors are logged and retried on the next tick.
func (r *Relay) Wait(ctx context.Context, promptID string) (comfy.ArtifactRef, error) {
	deadline := time.NewTimer(r.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		r.metrics.PollAttempt()
		out, err := r.Check(ctx, promptID)
		var exec *ExecutionError
		switch {
		case errors.As(err, &exec):
			r.logger.Error("prompt failed", "prompt_id", promptID, "error", exec.Message)
			return comfy.ArtifactRef{}, err
		case err != nil:
			if ctx.Err() != nil {
				return comfy.ArtifactRef{}, ctx.Err()
			}
			r.metrics.PollError()
			r.logger.Warn("history check failed", "prompt_id", promptID, "attempt", attempt, "error", err)
		case out.State == Complete:
			r.logger.Info("prompt complete", "prompt_id", promptID, "filename", out.Ref.Filename, "attempts", attempt)
			return out.Ref, nil
		}

		select {
		case <-ctx.Done():
			return comfy.ArtifactRef{}, ctx.Err()
		case <-deadline.C:
			r.logFinalStatus(ctx, promptID)
			return comfy.ArtifactRef{}, fmt.Errorf("prompt %s after %s: %w", promptID, r.maxWait, ErrTimeout)
		case <-ticker.C:
		}
	}
}

// logFinalStatus issues one last history query after a timeout. Its result
// only feeds the log.
func (r *Relay) logFinalStatus(ctx context.Context, promptID string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, found, err := r.client.RawHistory(ctx, promptID)
	switch {
	case err != nil:
		r.logger.Warn("final status query failed", "prompt_id", promptID, "error", err)
	case !found:
		r.logger.Warn("prompt timed out with no history entry", "prompt_id", promptID)
	default:
		r.logger.Warn("prompt timed out", "prompt_id", promptID, "history", string(raw))
	}
}

// Fetch downloads the artifact bytes. Any failure is a *DeliveryError.
func (r *Relay) Fetch(ctx context.Context, ref comfy.ArtifactRef) (Artifact, error) {
	data, ct, err := r.client.Artifact(ctx, ref)
	if err != nil {
		return Artifact{}, &DeliveryError{Ref: ref, Err: err}
	}
	return Artifact{Ref: ref, Data: data, ContentType: ct}, nil
}

// Generate runs Submit, Wait and Fetch in order. onQueued, if non-nil, is
// called once the prompt id is known.
func (r *Relay) Generate(ctx context.Context, wf comfy.Workflow, onQueued func(promptID string)) (Result, error) {
	start := time.Now()

	res, err := r.generate(ctx, wf, onQueued)
	r.metrics.JobFinished(outcomeLabel(err))
	if err != nil {
		return res, err
	}

	res.Elapsed = time.Since(start)
	r.metrics.Generated(res.Elapsed, len(res.Artifact.Data))
	r.logger.Info("artifact delivered",
		"prompt_id", res.PromptID,
		"bytes", len(res.Artifact.Data),
		"content_type", res.Artifact.ContentType,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func (r *Relay) generate(ctx context.Context, wf comfy.Workflow, onQueued func(string)) (Result, error) {
	promptID, err := r.Submit(ctx, wf)
	if err != nil {
		return Result{}, err
	}
	if onQueued != nil {
		onQueued(promptID)
	}

	ref, err := r.Wait(ctx, promptID)
	if err != nil {
		return Result{PromptID: promptID}, err
	}

	art, err := r.Fetch(ctx, ref)
	if err != nil {
		r.logger.Error("artifact fetch failed", "prompt_id", promptID, "error", err)
		return Result{PromptID: promptID}, err
	}
	return Result{PromptID: promptID, Artifact: art}, nil
}
