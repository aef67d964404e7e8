package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/comfyrelay/internal/workflow"
)

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := websocket.JSON.Send(ws, Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("sending %s: %v", event, err)
	}
}

// expect reads frames until one named event arrives and decodes its data.
func expect(t *testing.T, ws *websocket.Conn, event string, v any) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env Envelope
		if err := websocket.JSON.Receive(ws, &env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Data, v); err != nil {
				t.Fatalf("decoding %s: %v", event, err)
			}
		}
		return
	}
}

func TestEvents_ConnectedWithUserID(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTestDeps(t, &fakeComfy{})))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=alice")
	var c Connected
	expect(t, ws, EventConnected, &c)
	if c.UserID != "alice" {
		t.Errorf("user_id = %q, want alice", c.UserID)
	}
	if c.Message != "Connected to ComfyUI API" {
		t.Errorf("message = %q", c.Message)
	}
}

func TestEvents_ConnectedGeneratesUserID(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTestDeps(t, &fakeComfy{})))
	defer srv.Close()

	ws := dialEvents(t, srv, "")
	var c Connected
	expect(t, ws, EventConnected, &c)
	if len(c.UserID) != 36 {
		t.Errorf("user_id = %q, want a uuid", c.UserID)
	}
}

func TestEvents_GenerateImageReady(t *testing.T) {
	f := &fakeComfy{}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)

	send(t, ws, EventGenerateImage, GenerateEvent{UserID: "u1", Prompt: "a fox", AspectRatio: "16:9"})

	var started GenerationStarted
	expect(t, ws, EventGenerationStarted, &started)
	if started.Status != "started" || started.Resolution != "2048×1152" || started.TotalPixels != 2048*1152 {
		t.Errorf("generation_started = %+v", started)
	}
	if started.Prompt != "a fox" || started.Steps != 30 || started.QualityMode != "high" {
		t.Errorf("generation_started = %+v", started)
	}

	var progress GenerationProgress
	expect(t, ws, EventGenerationProgress, &progress)
	if progress.Status != "processing" || progress.PromptID == "" {
		t.Errorf("generation_progress = %+v", progress)
	}

	var ready ImageReady
	expect(t, ws, EventImageReady, &ready)
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG)
	if ready.ImageData != want {
		t.Errorf("image_data = %q, want %q", ready.ImageData, want)
	}
	if ready.SizeBytes != len(testPNG) || ready.Status != "complete" || ready.Prompt != "a fox" {
		t.Errorf("image_ready = %+v", ready)
	}

	wf := f.lastSubmitted()
	if wf["6"].Inputs["text"] != "a fox, sharp" {
		t.Errorf("submitted prompt = %v, want enhanced prompt", wf["6"].Inputs["text"])
	}
}

func TestEvents_UnknownNamesShareOneSeries(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTestDeps(t, &fakeComfy{})))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)
	for i := 0; i < 20; i++ {
		send(t, ws, fmt.Sprintf("junk-%d", i), map[string]string{})
	}
	// Frames are handled in order; this reply means every junk frame was read.
	send(t, ws, EventGenerate, nil)
	expect(t, ws, EventGenerationError, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := string(body)
	if strings.Contains(out, "junk-") {
		t.Error("metrics expose client-chosen event names")
	}
	if !strings.Contains(out, `comfyrelay_session_events_received_total{event="unknown"} 20`) {
		t.Errorf("metrics missing unknown event count:\n%s", out)
	}
}

func TestEvents_Validation(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTestDeps(t, &fakeComfy{})))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)

	websocket.JSON.Send(ws, Envelope{Event: EventGenerate})
	var ge GenerationError
	expect(t, ws, EventGenerationError, &ge)
	if ge.Error != "No data provided" {
		t.Errorf("error = %q, want No data provided", ge.Error)
	}

	send(t, ws, EventGenerate, map[string]string{"prompt": "x"})
	expect(t, ws, EventGenerationError, &ge)
	if ge.Error != "Missing user_id" {
		t.Errorf("error = %q, want Missing user_id", ge.Error)
	}
}

func TestEvents_ExecutionErrorReported(t *testing.T) {
	f := &fakeComfy{historyFn: func(id string) string {
		return fmt.Sprintf(`{%q:{"status":{"status_str":"error","messages":[["execution_error",{"node_type":"KSampler","exception_message":"CUDA out of memory"}]]},"outputs":{}}}`, id)
	}}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)
	send(t, ws, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "x"})
	expect(t, ws, EventGenerationStarted, nil)

	var ge GenerationError
	expect(t, ws, EventGenerationError, &ge)
	want := GenerationError{
		Status:  "error",
		Error:   "ComfyUI error in KSampler: CUDA out of memory",
		Message: "Failed to generate image",
	}
	if ge != want {
		t.Errorf("generation_error = %+v, want %+v", ge, want)
	}
}

func TestEvents_DeliveryErrorReported(t *testing.T) {
	f := &fakeComfy{viewStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)
	send(t, ws, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "x"})

	var ge GenerationError
	expect(t, ws, EventGenerationError, &ge)
	if ge.Status != "error" || ge.Message != "Failed to generate image" {
		t.Errorf("generation_error = %+v", ge)
	}
	if !strings.Contains(ge.Error, "fetching artifact out.png") {
		t.Errorf("error = %q, want delivery failure", ge.Error)
	}
}

func TestEvents_WhitespacePromptUsesDefault(t *testing.T) {
	f := &fakeComfy{}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)
	send(t, ws, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "   "})

	var started GenerationStarted
	expect(t, ws, EventGenerationStarted, &started)
	if started.Prompt != workflow.DefaultPrompt {
		t.Errorf("prompt = %q, want default", started.Prompt)
	}
	expect(t, ws, EventImageReady, nil)
	if got := f.lastSubmitted()["6"].Inputs["text"]; got != workflow.DefaultPrompt+", sharp" {
		t.Errorf("submitted prompt = %v", got)
	}
}

func TestEvents_UserIDMismatchRejected(t *testing.T) {
	f := &fakeComfy{}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)
	send(t, ws, EventGenerate, GenerateEvent{UserID: "someone-else", Prompt: "x"})

	var ge GenerationError
	expect(t, ws, EventGenerationError, &ge)
	if ge.Error != "user_id mismatch" {
		t.Errorf("error = %q, want user_id mismatch", ge.Error)
	}
	if f.lastSubmitted() != nil {
		t.Error("mismatched request reached ComfyUI")
	}
}

func TestEvents_UnknownPresetCoerced(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTestDeps(t, &fakeComfy{})))
	defer srv.Close()

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)

	send(t, ws, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "x", AspectRatio: "5:4"})
	var started GenerationStarted
	expect(t, ws, EventGenerationStarted, &started)
	if started.AspectRatio != "1:1" || started.Resolution != "1536×1536" {
		t.Errorf("started = %+v, want 1:1 fallback", started)
	}
	expect(t, ws, EventImageReady, nil)
}

func TestEvents_BusyUser(t *testing.T) {
	f := &fakeComfy{block: make(chan struct{})}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()
	defer close(f.block)

	ws := dialEvents(t, srv, "?user_id=u1")
	expect(t, ws, EventConnected, nil)

	send(t, ws, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "first"})
	expect(t, ws, EventGenerationStarted, nil)

	send(t, ws, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "second"})
	var ge GenerationError
	expect(t, ws, EventGenerationError, &ge)
	if !strings.Contains(ge.Error, "already running") {
		t.Errorf("error = %q, want busy rejection", ge.Error)
	}
}

func TestEvents_ReplacedSessionReceivesResult(t *testing.T) {
	f := &fakeComfy{block: make(chan struct{})}
	srv := httptest.NewServer(NewHandler(newTestDeps(t, f)))
	defer srv.Close()

	first := dialEvents(t, srv, "?user_id=u1")
	expect(t, first, EventConnected, nil)
	send(t, first, EventGenerate, GenerateEvent{UserID: "u1", Prompt: "x"})
	expect(t, first, EventGenerationStarted, nil)

	second := dialEvents(t, srv, "?user_id=u1")
	expect(t, second, EventConnected, nil)
	close(f.block)

	expect(t, second, EventImageReady, nil)
}
