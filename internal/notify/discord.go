// Package notify announces the relay's public address to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Discord posts announcements to a Discord webhook. An empty WebhookURL
// makes every call a no-op.
type Discord struct {
	WebhookURL string
	HTTPClient *http.Client
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type webhookMessage struct {
	Embeds []embed `json:"embeds"`
}

const embedColor = 3066993 // green

func announcement(publicURL string) webhookMessage {
	publicURL = strings.TrimRight(publicURL, "/")
	example := fmt.Sprintf("```bash\ncurl -X POST %s/generate \\\n  -H 'Content-Type: application/json' \\\n  -d '{\"prompt\": \"a beautiful sunset\"}' \\\n  --output image.png\n```", publicURL)
	return webhookMessage{Embeds: []embed{{
		Title:       "ComfyUI relay is live",
		Description: "The relay is reachable through a public tunnel.",
		Color:       embedColor,
		Fields: []embedField{
			{Name: "Public URL", Value: "`" + publicURL + "`"},
			{Name: "Generate Endpoint", Value: "`POST " + publicURL + "/generate`"},
			{Name: "Health Check", Value: "`GET " + publicURL + "/health`"},
			{Name: "Event Channel", Value: "`" + wsURL(publicURL) + "/ws`"},
			{Name: "Example Usage", Value: example},
		},
		Footer: &embedFooter{Text: "comfyrelay"},
	}}}
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// Announce posts one embed describing the relay's endpoints at publicURL.
func (d *Discord) Announce(ctx context.Context, publicURL string) error {
	if d.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(announcement(publicURL))
	if err != nil {
		return fmt.Errorf("marshaling webhook message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
