package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/relay"
)

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return e.Error
}

func TestHealth_Running(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeComfy{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"comfyui":"running","status":"healthy"}` {
		t.Errorf("body = %s", got)
	}
}

func TestHealth_Down(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeComfy{down: true}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "unhealthy" || body["comfyui"] != "not running" {
		t.Errorf("body = %v", body)
	}
}

func TestListModels(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeComfy{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list-models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Models []string `json:"models"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Models) != 1 || body.Models[0] != "flux.safetensors" {
		t.Errorf("models = %v", body.Models)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list-models?kind=vae", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"models":[]`) {
		t.Errorf("vae listing = %d %s, want empty list", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list-models?kind=loras", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", rec.Code)
	}
}

func TestGenerate_ReturnsImage(t *testing.T) {
	f := &fakeComfy{}
	h := NewHandler(newTestDeps(t, f))

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"a cat"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), testPNG) {
		t.Errorf("body = %q, want image bytes", rec.Body.Bytes())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := rec.Header().Get("X-Prompt-Id"); id != "p-1" {
		t.Errorf("X-Prompt-Id = %q, want p-1", id)
	}
	if rec.Header().Get("X-Generation-Time") == "" {
		t.Error("X-Generation-Time missing")
	}

	wf := f.lastSubmitted()
	if wf["6"].Inputs["text"] != "a cat" {
		t.Errorf("submitted prompt = %v, want a cat", wf["6"].Inputs["text"])
	}
	if wf["5"].Inputs["width"] != json.Number("1536") || wf["5"].Inputs["height"] != json.Number("1536") {
		t.Errorf("submitted latent = %v", wf["5"].Inputs)
	}
}

func TestGenerate_CustomWorkflow(t *testing.T) {
	f := &fakeComfy{}
	h := NewHandler(newTestDeps(t, f))

	body := `{"prompt":"neon","workflow":{"6":{"class_type":"CLIPTextEncode","inputs":{"text":"old"}},"9":{"class_type":"SaveImage","inputs":{}}}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	wf := f.lastSubmitted()
	if len(wf) != 2 {
		t.Errorf("submitted %d nodes, want the caller's 2", len(wf))
	}
	if wf["6"].Inputs["text"] != "neon" {
		t.Errorf("text = %v, want neon", wf["6"].Inputs["text"])
	}
}

func TestGenerate_CustomWorkflowKeepsLargeSeed(t *testing.T) {
	f := &fakeComfy{}
	h := NewHandler(newTestDeps(t, f))

	body := `{"prompt":"x","workflow":{"3":{"class_type":"KSampler","inputs":{"seed":1125899906842624123,"cfg":3.5}},"6":{"class_type":"CLIPTextEncode","inputs":{"text":"old"}}}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	raw := f.lastRawPrompt()
	if !strings.Contains(raw, `"seed":1125899906842624123`) {
		t.Errorf("submitted body = %s, want seed unchanged", raw)
	}
	if !strings.Contains(raw, `"cfg":3.5`) {
		t.Errorf("submitted body = %s, want cfg unchanged", raw)
	}
}

func TestGenerate_InvalidBody(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeComfy{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg := decodeError(t, rec.Body); !strings.Contains(msg, "invalid request body") {
		t.Errorf("error = %q", msg)
	}
}

func TestGenerate_ExecutionError(t *testing.T) {
	f := &fakeComfy{historyFn: func(id string) string {
		return fmt.Sprintf(`{%q:{"status":{"status_str":"error","messages":[["execution_error",{"node_type":"VAELoader","exception_message":"ae.safetensors missing"}]]},"outputs":{}}}`, id)
	}}
	h := NewHandler(newTestDeps(t, f))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"x"}`)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if msg := decodeError(t, rec.Body); msg != "ComfyUI error in VAELoader: ae.safetensors missing" {
		t.Errorf("error = %q", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", fmt.Errorf("submit: %w", relay.ErrUnreachable), http.StatusServiceUnavailable},
		{"rejected", &comfy.RejectedError{StatusCode: 400, Body: "bad"}, http.StatusBadGateway},
		{"execution", &relay.ExecutionError{Message: "boom"}, http.StatusBadGateway},
		{"timeout", fmt.Errorf("p: %w", relay.ErrTimeout), http.StatusGatewayTimeout},
		{"delivery", &relay.DeliveryError{Err: relay.ErrUnreachable}, http.StatusBadGateway},
		{"other", errors.New("weird"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeComfy{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "comfyrelay_relay_jobs_submitted_total") {
		t.Error("metrics output missing relay counters")
	}
}
