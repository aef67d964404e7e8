package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/comfyrelay/internal/api"
	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/config"
	"github.com/kalambet/comfyrelay/internal/metrics"
	"github.com/kalambet/comfyrelay/internal/notify"
	"github.com/kalambet/comfyrelay/internal/provision"
	"github.com/kalambet/comfyrelay/internal/relay"
	"github.com/kalambet/comfyrelay/internal/session"
	"github.com/kalambet/comfyrelay/internal/tunnel"
	"github.com/kalambet/comfyrelay/internal/workflow"
)

const (
	readyAttempts = 30
	readyInterval = 2 * time.Second
)

type startOptions struct {
	tunnel bool
	notify bool
	mcp    bool
	launch bool
	python string
}

var startOpts startOptions

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay (foreground)",
	Long: `Start the relay in the foreground.

The relay listens on server.host:server.port. With --tunnel the same
endpoints are also published through ngrok, and --notify announces the
public URL on Discord.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(startOpts)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay and ComfyUI status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&startOpts.tunnel, "tunnel", false, "publish the relay through an ngrok tunnel")
	startCmd.Flags().BoolVar(&startOpts.notify, "notify", false, "announce the public URL on the Discord webhook")
	startCmd.Flags().BoolVar(&startOpts.mcp, "mcp", false, "serve MCP tools on stdin/stdout")
	startCmd.Flags().BoolVar(&startOpts.launch, "launch", false, "start ComfyUI from comfy.dir if it is not running")
	startCmd.Flags().StringVar(&startOpts.python, "python", "python", "python interpreter used with --launch")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildTemplate returns the workflow template selected by cfg.
func buildTemplate(cfg config.Config) (workflow.Template, error) {
	tmpl := workflow.NewDefault()
	if cfg.Workflow.PromptNode != "" {
		tmpl.PromptNode = cfg.Workflow.PromptNode
	}
	if cfg.Workflow.LatentNode != "" {
		tmpl.LatentNode = cfg.Workflow.LatentNode
	}
	if cfg.Workflow.TemplatePath == "" {
		return tmpl, nil
	}

	wf, err := workflow.LoadFile(cfg.Workflow.TemplatePath)
	if err != nil {
		return workflow.Template{}, err
	}
	if _, ok := wf[tmpl.PromptNode]; !ok {
		return workflow.Template{}, fmt.Errorf("workflow template %s has no prompt node %q", cfg.Workflow.TemplatePath, tmpl.PromptNode)
	}
	tmpl.Base = wf
	return tmpl, nil
}

// ensureComfy makes sure ComfyUI answers, launching it when asked to.
func ensureComfy(ctx context.Context, cfg config.Config, c *comfy.Client, opts startOptions) error {
	if c.IsRunning(ctx) {
		printSuccess("ComfyUI is running at %s", c.BaseURL())
		return nil
	}
	if !opts.launch {
		printWarning("ComfyUI is not reachable at %s; requests will fail until it is", c.BaseURL())
		return nil
	}

	printStep("Launching ComfyUI from %s", cfg.Comfy.Dir)
	exited, err := comfy.Launch(ctx, comfy.LaunchConfig{
		Dir:    cfg.Comfy.Dir,
		Python: opts.python,
		Port:   cfg.Comfy.Port,
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("launching comfyui: %w", err)
	}
	go func() {
		if err := <-exited; err != nil && ctx.Err() == nil {
			slog.Error("ComfyUI exited", "error", err)
		}
	}()

	if err := comfy.WaitReady(ctx, c, readyAttempts, readyInterval, stderr); err != nil {
		return err
	}
	printSuccess("ComfyUI is ready")
	return nil
}

func runServer(opts startOptions) error {
	fmt.Fprintln(stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comfyClient := comfy.New(cfg.Comfy.BaseURL)
	if err := ensureComfy(ctx, cfg, comfyClient, opts); err != nil {
		return err
	}

	tmpl, err := buildTemplate(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	sessions := session.NewRegistry(session.Options{
		MaxConcurrent: cfg.Relay.MaxConcurrent,
		Metrics:       m,
	})
	defer sessions.Close()

	deps := api.Deps{
		Relay: relay.New(comfyClient, relay.Options{
			PollInterval: cfg.Relay.PollInterval,
			MaxWait:      cfg.Relay.MaxWait,
			Metrics:      m,
		}),
		Template:     tmpl,
		PromptSuffix: cfg.Relay.PromptSuffix,
		Models:       provision.Layout{Root: cfg.Comfy.Dir},
		Sessions:     sessions,
		Metrics:      m,
	}

	// Write timeouts stay unset: POST /generate holds the connection for
	// up to relay.max_wait.
	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr(), err)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "comfyrelay listening on %s\n", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	if opts.tunnel {
		startTunnel(ctx, cfg, srv, opts.notify)
	} else if opts.notify {
		printWarning("--notify needs --tunnel; skipping announcement")
	}

	if opts.mcp {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startTunnel serves srv on an ngrok listener as well. Failures are reported
// and leave the local listener running.
func startTunnel(ctx context.Context, cfg config.Config, srv *http.Server, announce bool) {
	tl, err := tunnel.Open(ctx, tunnel.Config{
		AuthToken: cfg.Tunnel.AuthToken,
		Domain:    cfg.Tunnel.Domain,
	})
	if err != nil {
		printWarning("tunnel unavailable: %v", err)
		return
	}
	printSuccess("Public URL: %s", tl.URL())

	go func() {
		if err := srv.Serve(tl); err != nil && err != http.ErrServerClosed {
			slog.Error("tunnel listener stopped", "error", err)
		}
	}()

	if !announce {
		return
	}
	d := &notify.Discord{WebhookURL: cfg.Notify.DiscordWebhook}
	if d.WebhookURL == "" {
		printWarning("no Discord webhook configured; skipping announcement")
		return
	}
	if err := d.Announce(ctx, tl.URL()); err != nil {
		printWarning("Discord announcement failed: %v", err)
		return
	}
	printSuccess("Announced public URL on Discord")
}

type healthResponse struct {
	Status  string `json:"status"`
	ComfyUI string `json:"comfyui"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{baseURL: cfg.LocalURL(), httpClient: &http.Client{Timeout: 2 * time.Second}}
	reportStatus(ctx, client, comfy.New(cfg.Comfy.BaseURL))

	printStatus("ComfyUI dir", "%s", cfg.Comfy.Dir)
	printStatus("Listen", "%s", cfg.ListenAddr())
	return nil
}

func reportStatus(ctx context.Context, client *apiClient, c *comfy.Client) {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Relay", "stopped")
	} else {
		// The relay answers 503 with the same body when ComfyUI is down.
		var h healthResponse
		err := json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		if err != nil {
			printStatus("Relay", "error (HTTP %d)", resp.StatusCode)
		} else {
			printStatus("Relay", "running at %s (%s)", client.baseURL, h.Status)
		}
	}

	if !c.IsRunning(ctx) {
		printStatus("ComfyUI", "not reachable at %s", c.BaseURL())
		return
	}
	printStatus("ComfyUI", "running at %s", c.BaseURL())

	if q, err := c.Queue(ctx); err == nil {
		printStatus("Queue", "%d running, %d pending", len(q.Running), len(q.Pending))
	}
	if stats, err := c.SystemStats(ctx); err == nil {
		if sys, ok := stats["system"].(map[string]any); ok {
			if v, ok := sys["comfyui_version"].(string); ok {
				printStatus("Version", "%s", v)
			}
		}
	}
}
