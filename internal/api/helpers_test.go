package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/metrics"
	"github.com/kalambet/comfyrelay/internal/provision"
	"github.com/kalambet/comfyrelay/internal/relay"
	"github.com/kalambet/comfyrelay/internal/session"
	"github.com/kalambet/comfyrelay/internal/workflow"
)

var testPNG = []byte("\x89PNG\r\n\x1a\ntest-image")

// fakeComfy answers the ComfyUI endpoints the relay uses and records every
// submitted workflow.
type fakeComfy struct {
	mu        sync.Mutex
	submitted []comfy.Workflow
	rawPrompt []byte
	historyFn func(id string) string
	block     chan struct{}
	down      bool
	// viewStatus, when set, is returned by /view instead of the image.
	viewStatus int
}

func (f *fakeComfy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/system_stats":
		if f.down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"system":{"comfyui_version":"0.3.50"},"devices":[]}`))
	case r.URL.Path == "/queue":
		w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
	case r.URL.Path == "/prompt":
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Prompt comfy.Workflow `json:"prompt"`
		}
		json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.rawPrompt = raw
		f.submitted = append(f.submitted, body.Prompt)
		n := len(f.submitted)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"prompt_id":"p-%d","number":%d,"node_errors":{}}`, n, n)
	case strings.HasPrefix(r.URL.Path, "/history/"):
		if f.block != nil {
			select {
			case <-f.block:
			case <-r.Context().Done():
				return
			}
		}
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		if f.historyFn != nil {
			w.Write([]byte(f.historyFn(id)))
			return
		}
		fmt.Fprintf(w, `{%q:{"status":{"status_str":"success","completed":true},"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`, id)
	case r.URL.Path == "/view":
		if f.viewStatus != 0 {
			http.Error(w, "view failed", f.viewStatus)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(testPNG)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeComfy) lastRawPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.rawPrompt)
}

func (f *fakeComfy) lastSubmitted() comfy.Workflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

// newTestDeps wires real relay and session components against f.
func newTestDeps(t *testing.T, f *fakeComfy) Deps {
	t.Helper()
	comfySrv := httptest.NewServer(f)
	t.Cleanup(comfySrv.Close)

	m := metrics.New()
	sessions := session.NewRegistry(session.Options{MaxConcurrent: 2, Metrics: m})
	t.Cleanup(sessions.Close)

	root := t.TempDir()
	ckpt := filepath.Join(root, "models", "checkpoints")
	if err := os.MkdirAll(ckpt, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(ckpt, "flux.safetensors"), []byte("x"), 0o644)

	return Deps{
		Relay: relay.New(comfy.New(comfySrv.URL), relay.Options{
			PollInterval: 5 * time.Millisecond,
			MaxWait:      2 * time.Second,
			Metrics:      m,
		}),
		Template:     workflow.NewDefault(),
		PromptSuffix: ", sharp",
		Models:       provision.Layout{Root: root},
		Sessions:     sessions,
		Metrics:      m,
	}
}
