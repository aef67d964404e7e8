package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/comfyrelay/internal/provision"
	"github.com/kalambet/comfyrelay/internal/workflow"
)

// NewMCPServer creates an MCP server exposing image generation and ComfyUI
// status as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"comfyrelay",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("comfyrelay generates images through a ComfyUI server running a FLUX workflow."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_image",
			mcp.WithDescription("Generate an image from a text prompt. Blocks until ComfyUI finishes, which can take several minutes."),
			mcp.WithString("prompt", mcp.Description("What the image should show"), mcp.Required()),
			mcp.WithString("aspect_ratio", mcp.Description("One of 1:1, 16:9, 9:16, 4:3, 3:2, 21:9 (default 1:1)")),
		),
		mcpGenerateImage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List model files installed in the ComfyUI models directory."),
			mcp.WithString("kind", mcp.Description("checkpoints, unet, vae or clip (default checkpoints)")),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("comfy_status",
			mcp.WithDescription("Report whether ComfyUI is reachable, its system stats and queue lengths."),
		),
		mcpComfyStatus(deps),
	)

	return s
}

func mcpGenerateImage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		aspect := req.GetString("aspect_ratio", workflow.DefaultAspectRatio)

		wf, dims := deps.Template.Build(workflow.Params{Prompt: prompt, AspectRatio: aspect})
		res, err := deps.Relay.Generate(ctx, wf, nil)
		if err != nil {
			_, msg := statusFor(err)
			if msg == "" {
				msg = err.Error()
			}
			return mcpError(fmt.Sprintf("generation failed: %s", msg)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewImageContent(base64.StdEncoding.EncodeToString(res.Artifact.Data), res.Artifact.ContentType),
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("prompt %s, %s, %.1fs", res.PromptID, dims.Resolution(), res.Elapsed.Seconds()),
				},
			},
		}, nil
	}
}

func mcpListModels(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := provision.ParseKind(req.GetString("kind", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		models, err := deps.Models.Models(kind)
		if err != nil {
			return mcpError(fmt.Sprintf("listing models: %v", err)), nil
		}
		b, err := json.Marshal(map[string][]string{"models": models})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal models: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpComfyStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c := deps.Relay.Client()

		type status struct {
			Running     bool           `json:"running"`
			QueueRun    int            `json:"queue_running"`
			QueuePend   int            `json:"queue_pending"`
			SystemStats map[string]any `json:"system_stats,omitempty"`
		}

		stats, err := c.SystemStats(ctx)
		if err != nil {
			b, _ := json.Marshal(status{Running: false})
			return mcpText(string(b)), nil
		}
		st := status{Running: true, SystemStats: stats}
		if q, err := c.Queue(ctx); err == nil {
			st.QueueRun, st.QueuePend = len(q.Running), len(q.Pending)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
