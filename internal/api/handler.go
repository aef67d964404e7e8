package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/comfyrelay/internal/metrics"
	"github.com/kalambet/comfyrelay/internal/provision"
	"github.com/kalambet/comfyrelay/internal/relay"
	"github.com/kalambet/comfyrelay/internal/session"
	"github.com/kalambet/comfyrelay/internal/workflow"
)

const maxRequestBodySize = 8 << 20 // 8MB, room for caller-supplied workflows

// Deps holds everything the HTTP, event-channel and MCP surfaces share.
type Deps struct {
	Relay    *relay.Relay
	Template workflow.Template
	// PromptSuffix is appended to event-channel prompts.
	PromptSuffix string
	Models       provision.Layout
	Sessions     *session.Registry
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewHandler returns the relay's HTTP surface: the REST endpoints, the
// Prometheus endpoint and the WebSocket event channel.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Get("/list-models", handleListModels(deps))
	r.Post("/generate", handleGenerate(deps))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	r.Method(http.MethodGet, "/ws", newEventServer(deps))

	return r
}
