package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/comfyrelay/internal/config"
)

// apiClient talks to a relay started with `comfyrelay start`.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// A generate call blocks for as long as the relay waits on ComfyUI.
	return &apiClient{
		baseURL:    cfg.LocalURL(),
		httpClient: &http.Client{Timeout: cfg.Relay.MaxWait + 30*time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay not reachable, is `comfyrelay start` running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// responseError turns a relay error response into an error carrying the
// relay's message.
func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("relay returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("relay returned %d: %s", resp.StatusCode, string(body))
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// image is a finished generation as returned by POST /generate.
type image struct {
	Data        []byte
	ContentType string
	PromptID    string
	Elapsed     string
}

func readImage(resp *http.Response) (image, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return image{}, responseError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return image{}, fmt.Errorf("reading image: %w", err)
	}
	return image{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		PromptID:    resp.Header.Get("X-Prompt-Id"),
		Elapsed:     resp.Header.Get("X-Generation-Time"),
	}, nil
}
