// Package credential fetches short-lived streaming tokens from the app origin.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Credential authorizes one websocket connection. It is short-lived and
// must be re-fetched for every connect attempt, never reused.
type Credential struct {
	Token     string `json:"token"`
	APIURL    string `json:"apiUrl"`
	AccountID string `json:"accountId"`
}

// Source issues fresh credentials on demand.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

// Client fetches credentials from POST <origin>/streaming-token.
type Client struct {
	origin string
	http   *http.Client
}

// NewClient builds a credential client for the given app origin.
func NewClient(origin string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		origin: strings.TrimRight(strings.TrimSpace(origin), "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

// Fetch requests one fresh credential. Any non-200 response is a fatal
// setup error for the caller.
func (c *Client) Fetch(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+"/streaming-token", nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request streaming token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Credential{}, fmt.Errorf("streaming token endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, fmt.Errorf("decode streaming token response: %w", err)
	}
	if strings.TrimSpace(cred.Token) == "" {
		return Credential{}, fmt.Errorf("streaming token response is missing a token")
	}
	if strings.TrimSpace(cred.APIURL) == "" {
		return Credential{}, fmt.Errorf("streaming token response is missing an api url")
	}
	return cred, nil
}
