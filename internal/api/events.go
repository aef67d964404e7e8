package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/relay"
	"github.com/kalambet/comfyrelay/internal/workflow"
)

// Event names on the channel.
const (
	EventConnected          = "connected"
	EventGenerate           = "generate"
	EventGenerateImage      = "generate_image"
	EventGenerationStarted  = "generation_started"
	EventGenerationProgress = "generation_progress"
	EventImageReady         = "image_ready"
	EventGenerationError    = "generation_error"
)

const (
	writeTimeout   = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// GenerateEvent is the payload of generate and generate_image.
type GenerateEvent struct {
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

type Connected struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type GenerationStarted struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimated_time"`
	Prompt        string `json:"prompt"`
	QualityMode   string `json:"quality_mode"`
	Resolution    string `json:"resolution"`
	AspectRatio   string `json:"aspect_ratio"`
	Steps         int    `json:"steps"`
	TotalPixels   int    `json:"total_pixels"`
}

type GenerationProgress struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	PromptID string `json:"prompt_id"`
}

type ImageReady struct {
	Status         string  `json:"status"`
	ImageData      string  `json:"image_data"`
	Prompt         string  `json:"prompt"`
	GenerationTime float64 `json:"generation_time"`
	SizeBytes      int     `json:"size_bytes"`
}

type GenerationError struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func generationError(err, message string) GenerationError {
	return GenerationError{Status: "error", Error: err, Message: message}
}

// conn is one WebSocket connection. Sends are serialized because the read
// loop and background generations write concurrently.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	mu     sync.Mutex
}

func (c *conn) ID() string { return c.id }

func (c *conn) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return websocket.JSON.Send(c.ws, Envelope{Event: event, Data: payload})
}

type eventServer struct {
	deps   Deps
	logger *slog.Logger
	ws     websocket.Server
}

func newEventServer(deps Deps) *eventServer {
	s := &eventServer{deps: deps, logger: deps.logger()}
	s.ws = websocket.Server{
		// Browsers on any origin may connect; there is no authentication.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serve,
	}
	return s
}

func (s *eventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ws.ServeHTTP(w, r)
}

func (s *eventServer) serve(ws *websocket.Conn) {
	ws.MaxPayloadBytes = maxMessageSize
	defer ws.Close()

	userID := ws.Request().URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}
	c := &conn{id: uuid.NewString(), userID: userID, ws: ws}

	s.deps.Sessions.Register(userID, c)
	s.logger.Info("event channel connected", "user_id", userID, "conn", c.id, "sessions", s.deps.Sessions.Len())
	if err := c.Emit(EventConnected, Connected{UserID: userID, Message: "Connected to ComfyUI API"}); err != nil {
		s.logger.Warn("sending connected event", "user_id", userID, "error", err)
	}

	defer func() {
		if uid, ok := s.deps.Sessions.Unregister(c); ok {
			s.logger.Info("event channel disconnected", "user_id", uid, "sessions", s.deps.Sessions.Len())
		}
	}()

	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("event channel read ended", "conn", c.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("undecodable event frame", "conn", c.id, "error", err)
			continue
		}
		s.deps.Metrics.EventReceived(env.Event)

		switch env.Event {
		case EventGenerate, EventGenerateImage:
			s.handleGenerate(c, env.Data)
		default:
			s.logger.Info("ignoring unknown event", "event", env.Event, "conn", c.id)
		}
	}
}

func isEmptyData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}

func (s *eventServer) handleGenerate(c *conn, data json.RawMessage) {
	if isEmptyData(data) {
		c.Emit(EventGenerationError, generationError("No data provided", "Please provide prompt and user_id"))
		return
	}
	var req GenerateEvent
	if err := json.Unmarshal(data, &req); err != nil {
		c.Emit(EventGenerationError, generationError("No data provided", "Please provide prompt and user_id"))
		return
	}
	if req.UserID == "" {
		c.Emit(EventGenerationError, generationError("Missing user_id", "user_id is required"))
		return
	}
	// Generations are tied to the connection's own session so that its
	// disconnect cancels them.
	if req.UserID != c.userID {
		c.Emit(EventGenerationError, generationError("user_id mismatch", "user_id must match the id this connection registered with"))
		return
	}

	preset, ok := workflow.Resolve(req.AspectRatio)
	if !ok && req.AspectRatio != "" {
		s.logger.Warn("unknown aspect ratio, using default", "aspect_ratio", req.AspectRatio, "user_id", req.UserID)
	}

	ctx, done, err := s.deps.Sessions.Begin(req.UserID)
	if err != nil {
		c.Emit(EventGenerationError, generationError(err.Error(), "Failed to process generation request"))
		return
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = workflow.DefaultPrompt
	}
	wf, dims := s.deps.Template.Build(workflow.Params{
		Prompt:      workflow.Enhance(prompt, s.deps.PromptSuffix),
		AspectRatio: preset.Name,
	})

	c.Emit(EventGenerationStarted, GenerationStarted{
		Status:        "started",
		Message:       fmt.Sprintf("Generating high-quality image for: %q", prompt),
		EstimatedTime: fmt.Sprintf("120-180 seconds (high quality mode: %d steps @ %d×%d)", workflow.DefaultSteps, dims.Width, dims.Height),
		Prompt:        prompt,
		QualityMode:   "high",
		Resolution:    fmt.Sprintf("%d×%d", dims.Width, dims.Height),
		AspectRatio:   dims.AspectRatio,
		Steps:         workflow.DefaultSteps,
		TotalPixels:   dims.Pixels(),
	})
	s.logger.Info("generation admitted", "user_id", req.UserID, "aspect_ratio", dims.AspectRatio, "resolution", dims.Resolution())

	go func() {
		defer done()
		s.run(ctx, req.UserID, prompt, wf)
	}()
}

// run performs one generation in the background and delivers the result to
// whichever handle is tracked for userID at that moment.
func (s *eventServer) run(ctx context.Context, userID, prompt string, wf comfy.Workflow) {
	res, err := s.deps.Relay.Generate(ctx, wf, func(promptID string) {
		s.deps.Sessions.Emit(userID, EventGenerationProgress, GenerationProgress{
			Status:   "processing",
			Message:  "Image is being generated...",
			PromptID: promptID,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("generation cancelled, user disconnected", "user_id", userID, "prompt_id", res.PromptID)
			return
		}
		s.logger.Error("generation failed", "user_id", userID, "prompt_id", res.PromptID, "error", err)
		s.deps.Sessions.Emit(userID, EventGenerationError, generationError(eventErrorText(err), "Failed to generate image"))
		return
	}

	payload := ImageReady{
		Status:         "complete",
		ImageData:      "data:" + res.Artifact.ContentType + ";base64," + base64.StdEncoding.EncodeToString(res.Artifact.Data),
		Prompt:         prompt,
		GenerationTime: res.Elapsed.Seconds(),
		SizeBytes:      len(res.Artifact.Data),
	}
	if !s.deps.Sessions.Emit(userID, EventImageReady, payload) {
		s.logger.Warn("user disconnected before image was ready", "user_id", userID, "prompt_id", res.PromptID)
	}
}

func eventErrorText(err error) string {
	var exec *relay.ExecutionError
	if errors.As(err, &exec) {
		return exec.Message
	}
	return err.Error()
}
