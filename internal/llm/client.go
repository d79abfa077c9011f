// Package llm is the thin client for the external extraction service that
// turns free text into a structured event description. Prompting and model
// choice live on the service side; this client only moves JSON.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"calendar-assistant/internal/intent"
)

// Client posts user text to the extraction endpoint and decodes the
// structured result.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ intent.Extractor = (*Client)(nil)

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	Text string `json:"text"`
}

func (c *Client) Extract(ctx context.Context, text string) (intent.Extraction, error) {
	var out intent.Extraction

	body, err := json.Marshal(extractRequest{Text: text})
	if err != nil {
		return out, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("extraction service returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode extraction: %w", err)
	}
	return out, nil
}
