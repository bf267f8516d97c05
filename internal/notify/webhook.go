package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/services"
)

const sendTimeout = 5 * time.Second

// Client posts validation events to a Discord-compatible webhook. Delivery
// is strictly best effort: sends run on their own goroutine with their own
// timeout, and failures are logged and dropped. The validation response
// never waits on, or learns about, the webhook.
type Client struct {
	webhookURL string
	httpClient *http.Client
}

func NewClient(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: sendTimeout,
		},
	}
}

// Enabled reports whether a webhook URL is configured
func (c *Client) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

type webhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []webhookEmbed `json:"embeds,omitempty"`
}

type webhookEmbed struct {
	Title  string              `json:"title"`
	Color  int                 `json:"color"`
	Fields []webhookEmbedField `json:"fields"`
}

type webhookEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// ValidationAttempted fires an out-of-band notification for a completed
// validation. Returns immediately.
func (c *Client) ValidationAttempted(keyCode string, result *services.ValidationResult) {
	if !c.Enabled() {
		return
	}

	go c.send(keyCode, result)
}

func (c *Client) send(keyCode string, result *services.ValidationResult) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	color := 0xe74c3c // red
	title := "Key validation failed"
	if result.Valid {
		color = 0x2ecc71 // green
		title = "Key validated"
	}

	payload := webhookPayload{
		Embeds: []webhookEmbed{
			{
				Title: title,
				Color: color,
				Fields: []webhookEmbedField{
					{Name: "Key", Value: maskKeyCode(keyCode), Inline: true},
					{Name: "Outcome", Value: string(result.Code), Inline: true},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to encode webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Debug().Err(err).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Debug().Str("status", fmt.Sprintf("%d", resp.StatusCode)).Msg("Webhook rejected notification")
	}
}

func maskKeyCode(code string) string {
	if len(code) <= 8 {
		return "***"
	}
	return code[:8] + "***"
}
