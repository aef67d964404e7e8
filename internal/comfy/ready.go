package comfy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotReady = errors.New("comfyui not answering yet")

// WaitReady polls the server every interval until /system_stats answers or
// attempts run out. Progress lines are written to w.
func WaitReady(ctx context.Context, c *Client, attempts int, interval time.Duration, w io.Writer) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	op := func() error {
		attempt++
		if c.IsRunning(ctx) {
			return nil
		}
		return errNotReady
	}
	notify := func(_ error, _ time.Duration) {
		fmt.Fprintf(w, "waiting for ComfyUI at %s (%d/%d)\n", c.BaseURL(), attempt, attempts)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("comfyui at %s not ready after %d attempts: %w", c.BaseURL(), attempts, err)
	}
	fmt.Fprintf(w, "ComfyUI ready at %s\n", c.BaseURL())
	return nil
}

// LaunchConfig describes how to start a local ComfyUI process.
type LaunchConfig struct {
	Dir    string
	Python string
	Host   string
	Port   int
	Stdout io.Writer
	Stderr io.Writer
}

// Launch starts ComfyUI as a child process. The process is killed when ctx
// ends. The returned channel receives the process exit error exactly once.
func Launch(ctx context.Context, cfg LaunchConfig) (<-chan error, error) {
	entry := filepath.Join(cfg.Dir, "main.py")
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("comfyui entry point: %w", err)
	}

	python := cfg.Python
	if python == "" {
		python = "python"
	}
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}

	cmd := exec.CommandContext(ctx, python, "main.py", "--listen", host, "--port", strconv.Itoa(cfg.Port))
	cmd.Dir = cfg.Dir
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting comfyui: %w", err)
	}
	slog.Info("comfyui process started", "pid", cmd.Process.Pid, "dir", cfg.Dir, "port", cfg.Port)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return done, nil
}
