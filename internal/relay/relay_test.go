package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeComfy is an in-memory ComfyUI: each submitted prompt becomes visible in
// history after pendingPolls history requests.
type fakeComfy struct {
	mu           sync.Mutex
	next         int
	pendingPolls int
	polls        map[string]int
	historyBody  func(id string) string
	viewStatus   int
	submits      atomic.Int32
	historyHits  atomic.Int32
	image        []byte
}

func newFakeComfy() *fakeComfy {
	return &fakeComfy{
		polls:      make(map[string]int),
		viewStatus: http.StatusOK,
		image:      []byte("\x89PNG\r\n\x1a\nimage-bytes"),
		historyBody: func(id string) string {
			return `{"` + id + `":{"status":{"status_str":"success","completed":true},
				"outputs":{"9":{"images":[{"filename":"ComfyUI_HQ_00001_.png","subfolder":"","type":"output"}]}}}}`
		},
	}
}

func (f *fakeComfy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/prompt":
		f.submits.Add(1)
		f.mu.Lock()
		f.next++
		n := f.next
		f.mu.Unlock()
		id := fmt.Sprintf("prompt-%d", n)
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": n, "node_errors": map[string]any{}})
	case strings.HasPrefix(r.URL.Path, "/history/"):
		f.historyHits.Add(1)
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		f.mu.Lock()
		f.polls[id]++
		n := f.polls[id]
		f.mu.Unlock()
		if n <= f.pendingPolls {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(f.historyBody(id)))
	case r.URL.Path == "/view":
		if f.viewStatus != http.StatusOK {
			w.WriteHeader(f.viewStatus)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(f.image)
	default:
		http.NotFound(w, r)
	}
}

func newTestRelay(t *testing.T, f http.Handler, opts Options) (*Relay, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = 2 * time.Second
	}
	return New(comfy.New(srv.URL), opts), srv
}

func TestGenerate_Success(t *testing.T) {
	f := newFakeComfy()
	f.pendingPolls = 2
	m := metrics.New()
	r, _ := newTestRelay(t, f, Options{Metrics: m})

	var queued string
	res, err := r.Generate(context.Background(), comfy.Workflow{}, func(id string) { queued = id })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if queued == "" || queued != res.PromptID {
		t.Errorf("onQueued id = %q, result id = %q", queued, res.PromptID)
	}
	if !bytes.Equal(res.Artifact.Data, f.image) {
		t.Errorf("artifact bytes modified: %q", res.Artifact.Data)
	}
	if res.Artifact.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", res.Artifact.ContentType)
	}
	if res.Artifact.Ref.Filename != "ComfyUI_HQ_00001_.png" {
		t.Errorf("Ref = %+v", res.Artifact.Ref)
	}
	if got := f.historyHits.Load(); got < 3 {
		t.Errorf("history hits = %d, want at least 3", got)
	}
}

func TestSubmit_NoDeduplication(t *testing.T) {
	f := newFakeComfy()
	r, _ := newTestRelay(t, f, Options{})

	wf := comfy.Workflow{"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "same"}}}
	a, err := r.Submit(context.Background(), wf)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := r.Submit(context.Background(), wf)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a == b {
		t.Errorf("both submissions got prompt id %q, want distinct jobs", a)
	}
	if got := f.submits.Load(); got != 2 {
		t.Errorf("submits = %d, want 2", got)
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	r := New(comfy.New(srv.URL), Options{})

	_, err := r.Generate(context.Background(), comfy.Workflow{}, nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Generate error = %v, want ErrUnreachable", err)
	}
}

func TestGenerate_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"value_not_in_list"}`))
	}))
	defer srv.Close()
	r := New(comfy.New(srv.URL), Options{})

	_, err := r.Generate(context.Background(), comfy.Workflow{}, nil)
	var rej *comfy.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("Generate error = %v, want *comfy.RejectedError", err)
	}
}

func TestCheck_ExecutionError(t *testing.T) {
	f := newFakeComfy()
	f.historyBody = func(id string) string {
		return `{"` + id + `":{"status":{"status_str":"error","completed":false,"messages":[
			["execution_start",{"prompt_id":"` + id + `"}],
			["execution_error",{"node_type":"UNETLoader","exception_message":"model not found"}]]},"outputs":{}}}`
	}
	r, _ := newTestRelay(t, f, Options{})

	out, err := r.Check(context.Background(), "p1")
	if out.State != Failed {
		t.Errorf("State = %v, want failed", out.State)
	}
	var exec *ExecutionError
	if !errors.As(err, &exec) {
		t.Fatalf("Check error = %v, want *ExecutionError", err)
	}
	if exec.Message != "ComfyUI error in UNETLoader: model not found" {
		t.Errorf("Message = %q", exec.Message)
	}
	if len(exec.Status) == 0 {
		t.Error("Status payload empty")
	}
}

func TestWait_FailedTerminatesImmediately(t *testing.T) {
	f := newFakeComfy()
	f.historyBody = func(id string) string {
		return `{"` + id + `":{"status":{"status_str":"error","messages":[]},"outputs":{}}}`
	}
	r, _ := newTestRelay(t, f, Options{})

	_, err := r.Wait(context.Background(), "p1")
	var exec *ExecutionError
	if !errors.As(err, &exec) {
		t.Fatalf("Wait error = %v, want *ExecutionError", err)
	}
	if exec.Message != "ComfyUI execution failed" {
		t.Errorf("Message = %q, want generic message", exec.Message)
	}
	if got := f.historyHits.Load(); got != 1 {
		t.Errorf("history hits = %d, want 1", got)
	}
}

func TestCheck_RunningWithoutOutputs(t *testing.T) {
	f := newFakeComfy()
	f.historyBody = func(id string) string {
		return `{"` + id + `":{"status":{"status_str":"success","completed":false},"outputs":{"9":{"images":[]}}}}`
	}
	r, _ := newTestRelay(t, f, Options{})

	out, err := r.Check(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.State != Running {
		t.Errorf("State = %v, want running", out.State)
	}
}

func TestFirstImage_SortedNodeOrder(t *testing.T) {
	outputs := map[string]comfy.NodeOutput{
		"20": {Images: []comfy.ArtifactRef{{Filename: "b.png"}}},
		"12": {Images: nil},
		"15": {Images: []comfy.ArtifactRef{{Filename: "a.png"}, {Filename: "a2.png"}}},
	}
	ref, ok := firstImage(outputs)
	if !ok || ref.Filename != "a.png" {
		t.Errorf("firstImage = %+v, %v; want a.png", ref, ok)
	}
}

func TestWait_Timeout(t *testing.T) {
	f := newFakeComfy()
	f.pendingPolls = 1 << 30
	r, _ := newTestRelay(t, f, Options{PollInterval: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond})

	start := time.Now()
	ref, err := r.Wait(context.Background(), "slow")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait error = %v, want ErrTimeout", err)
	}
	if ref != (comfy.ArtifactRef{}) {
		t.Errorf("ref = %+v, want zero on timeout", ref)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Wait took %s, want about 40ms", time.Since(start))
	}
}

func TestWait_SwallowsTransientErrors(t *testing.T) {
	f := newFakeComfy()
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/history/") && calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.ServeHTTP(w, r)
	})
	m := metrics.New()
	r, _ := newTestRelay(t, h, Options{Metrics: m})

	ref, err := r.Wait(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ref.Filename == "" {
		t.Error("ref empty after recovery")
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	f := newFakeComfy()
	f.pendingPolls = 1 << 30
	r, _ := newTestRelay(t, f, Options{MaxWait: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Wait(ctx, "p1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context.Canceled", err)
	}
}

func TestGenerate_DeliveryError(t *testing.T) {
	f := newFakeComfy()
	f.viewStatus = http.StatusNotFound
	r, _ := newTestRelay(t, f, Options{})

	res, err := r.Generate(context.Background(), comfy.Workflow{}, nil)
	var del *DeliveryError
	if !errors.As(err, &del) {
		t.Fatalf("Generate error = %v, want *DeliveryError", err)
	}
	if del.Ref.Filename != "ComfyUI_HQ_00001_.png" {
		t.Errorf("DeliveryError.Ref = %+v", del.Ref)
	}
	if res.PromptID == "" {
		t.Error("PromptID empty on delivery failure")
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.OutcomeComplete},
		{&comfy.RejectedError{StatusCode: 400}, metrics.OutcomeRejected},
		{ErrUnreachable, metrics.OutcomeUnreachable},
		{&ExecutionError{Message: "x"}, metrics.OutcomeFailed},
		{ErrTimeout, metrics.OutcomeTimeout},
		{&DeliveryError{Err: ErrUnreachable}, metrics.OutcomeDelivery},
		{context.Canceled, metrics.OutcomeCancelled},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
