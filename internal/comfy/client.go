package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	maxErrorBody    = 64 << 10  // 64KB
	maxArtifactSize = 512 << 20 // 512MB
)

// Client talks to a ComfyUI server over its HTTP API. Every call opens its
// own request; nothing is cached between calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// maxArtifact bounds a single /view download.
	maxArtifact int64
}

// New creates a Client targeting the given ComfyUI base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
		maxArtifact: maxArtifactSize,
	}
}

// BaseURL returns the server address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type submitRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id,omitempty"`
}

// Submit queues a workflow and returns the prompt id ComfyUI assigned.
// Submission is not idempotent: the same workflow submitted twice is two jobs.
func (c *Client) Submit(ctx context.Context, wf Workflow, clientID string) (SubmitResult, error) {
	body, err := json.Marshal(submitRequest{Prompt: wf, ClientID: clientID})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshaling workflow: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("creating submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, unreachable(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("reading submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return SubmitResult{}, &RejectedError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var result SubmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SubmitResult{}, &RejectedError{StatusCode: resp.StatusCode, Body: "undecodable response: " + string(raw)}
	}
	if len(result.NodeErrors) > 0 {
		return SubmitResult{}, &RejectedError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if result.PromptID == "" {
		return SubmitResult{}, &RejectedError{StatusCode: resp.StatusCode, Body: "response has no prompt_id: " + string(raw)}
	}
	return result, nil
}

// History returns the history entry for promptID. found is false while the
// prompt is still queued or running.
func (c *Client) History(ctx context.Context, promptID string) (entry HistoryEntry, found bool, err error) {
	var history map[string]HistoryEntry
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), 10*time.Second, &history); err != nil {
		return HistoryEntry{}, false, err
	}
	entry, found = history[promptID]
	return entry, found, nil
}

// RawHistory returns the history entry for promptID as undecoded JSON, for
// diagnostic logging.
func (c *Client) RawHistory(ctx context.Context, promptID string) (json.RawMessage, bool, error) {
	var history map[string]json.RawMessage
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), 10*time.Second, &history); err != nil {
		return nil, false, err
	}
	raw, ok := history[promptID]
	return raw, ok, nil
}

// RecentHistory returns the unfiltered history, limited to maxItems entries
// when maxItems > 0.
func (c *Client) RecentHistory(ctx context.Context, maxItems int) (map[string]HistoryEntry, error) {
	path := "/history"
	if maxItems > 0 {
		path += "?max_items=" + strconv.Itoa(maxItems)
	}
	var history map[string]HistoryEntry
	if err := c.getJSON(ctx, path, 10*time.Second, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// Artifact downloads the bytes of a produced file along with its content type.
func (c *Client) Artifact(ctx context.Context, ref ArtifactRef) ([]byte, string, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	kind := ref.Type
	if kind == "" {
		kind = "output"
	}
	q.Set("type", kind)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating view request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", unreachable(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("view", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxArtifact+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading artifact %s: %w", ref.Filename, err)
	}
	if int64(len(data)) > c.maxArtifact {
		return nil, "", fmt.Errorf("artifact %s exceeds %d bytes", ref.Filename, c.maxArtifact)
	}
	return data, contentType(resp.Header.Get("Content-Type"), ref.Filename), nil
}

func contentType(header, filename string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return header
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return "image/png"
}

// SystemStats returns the decoded GET /system_stats payload.
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	if err := c.getJSON(ctx, "/system_stats", 5*time.Second, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Queue returns the running and pending prompts.
func (c *Client) Queue(ctx context.Context) (QueueInfo, error) {
	var q QueueInfo
	if err := c.getJSON(ctx, "/queue", 5*time.Second, &q); err != nil {
		return QueueInfo{}, err
	}
	return q, nil
}

// Interrupt stops the prompt ComfyUI is currently executing.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return fmt.Errorf("creating interrupt request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unreachable(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("interrupt", resp)
	}
	return nil
}

// IsRunning reports whether GET /system_stats answers 200 within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration, v any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unreachable(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(strings.TrimPrefix(path, "/"), resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// unreachable wraps a transport error with ErrUnreachable unless the caller's
// own context ended, in which case the context error is kept visible.
func unreachable(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("request cancelled: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, msg)
}
