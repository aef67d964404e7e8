package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"strconv"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/provision"
	"github.com/kalambet/comfyrelay/internal/workflow"
)

// GenerateRequest is the POST /generate body. Every field is optional.
type GenerateRequest struct {
	Prompt      string         `json:"prompt"`
	Workflow    comfy.Workflow `json:"workflow,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Seed        *int64         `json:"seed,omitempty"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Relay.Client().IsRunning(r.Context()) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "comfyui": "running"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "comfyui": "not running"})
	}
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := provision.ParseKind(r.URL.Query().Get("kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		models, err := deps.Models.Models(kind)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"models": models})
	}
}

// buildWorkflow turns a request into the workflow to submit. A supplied
// workflow only gets the prompt injected; otherwise the template is built.
func buildWorkflow(deps Deps, req GenerateRequest) (comfy.Workflow, workflow.Dimensions) {
	if len(req.Workflow) > 0 {
		prompt := strings.TrimSpace(req.Prompt)
		if prompt == "" {
			prompt = workflow.DefaultPrompt
		}
		return workflow.Inject(req.Workflow, deps.Template.PromptNode, prompt), workflow.Dimensions{}
	}
	return deps.Template.Build(workflow.Params{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Width:       req.Width,
		Height:      req.Height,
		Seed:        req.Seed,
	})
}

func handleGenerate(deps Deps) http.HandlerFunc {
	log := deps.logger()
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.Width < 0 || req.Height < 0 {
			httpError(w, http.StatusBadRequest, "width and height must be positive")
			return
		}

		wf, dims := buildWorkflow(deps, req)
		if req.AspectRatio != "" && len(req.Workflow) == 0 && !dims.Recognized {
			log.Warn("unknown aspect ratio, using default", "aspect_ratio", req.AspectRatio, "default", workflow.DefaultAspectRatio)
		}
		log.Info("generate request", "prompt", req.Prompt, "custom_workflow", len(req.Workflow) > 0, "resolution", dims.Resolution())

		res, err := deps.Relay.Generate(r.Context(), wf, nil)
		if err != nil {
			code, msg := statusFor(err)
			if code == 0 {
				log.Info("client went away before generation finished", "prompt_id", res.PromptID)
				return
			}
			log.Error("generation failed", "prompt_id", res.PromptID, "status", code, "error", err)
			httpError(w, code, "%s", msg)
			return
		}

		w.Header().Set("Content-Type", res.Artifact.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Artifact.Data)))
		w.Header().Set("X-Prompt-Id", res.PromptID)
		w.Header().Set("X-Generation-Time", fmt.Sprintf("%.2f", res.Elapsed.Seconds()))
		w.WriteHeader(http.StatusOK)
		w.Write(res.Artifact.Data)
	}
}
