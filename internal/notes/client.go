// Package notes turns a finished transcript into structured notes via
// the app origin's generation endpoint.
package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks to the note-generation endpoint.
type Client struct {
	origin string
	http   *http.Client
}

// NewClient builds a notes client for the given app origin.
func NewClient(origin string, timeout time.Duration) *Client {
	return &Client{
		origin: strings.TrimRight(origin, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Transcript string `json:"transcript"`
}

type generateResponse struct {
	Notes string `json:"notes"`
}

// Generate submits a transcript and returns the generated notes.
func (c *Client) Generate(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("transcript is empty")
	}

	payload, err := json.Marshal(generateRequest{Transcript: transcript})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+"/generate-notes", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate notes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("note generation returned HTTP %d", resp.StatusCode)
	}

	var generated generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&generated); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(generated.Notes) == "" {
		return "", fmt.Errorf("note generation response missing notes")
	}

	return generated.Notes, nil
}
