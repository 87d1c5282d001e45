// Package batch uploads recorded audio files for offline transcription
// and polls the job until it settles.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Job statuses reported by the transcription endpoint.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Client talks to the app origin's file-transcription endpoints.
type Client struct {
	origin       string
	pollInterval time.Duration
	timeout      time.Duration
	http         *http.Client
}

// NewClient builds a batch client for the given app origin.
func NewClient(origin string, pollInterval, timeout time.Duration) *Client {
	return &Client{
		origin:       strings.TrimRight(origin, "/"),
		pollInterval: pollInterval,
		timeout:      timeout,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type jobStatus struct {
	Status     string `json:"status"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// Submit uploads one audio file and returns the job identifier.
func (c *Client) Submit(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("read audio file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+"/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload audio file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("transcription upload returned HTTP %d", resp.StatusCode)
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(submitted.ID) == "" {
		return "", fmt.Errorf("transcription upload response missing job id")
	}

	return submitted.ID, nil
}

// Wait polls the job until it completes, fails, or the total timeout
// elapses.
func (c *Client) Wait(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.poll(ctx, id)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case StatusCompleted:
			return status.Transcript, nil
		case StatusError:
			if status.Error != "" {
				return "", fmt.Errorf("transcription job %s failed: %s", id, status.Error)
			}
			return "", fmt.Errorf("transcription job %s failed", id)
		case StatusPending, StatusProcessing:
		default:
			return "", fmt.Errorf("transcription job %s reported unknown status %q", id, status.Status)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("transcription job %s timed out: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Transcribe uploads the file and blocks until the transcript is ready.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	id, err := c.Submit(ctx, path)
	if err != nil {
		return "", err
	}
	return c.Wait(ctx, id)
}

func (c *Client) poll(ctx context.Context, id string) (jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+"/transcriptions/"+id, nil)
	if err != nil {
		return jobStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return jobStatus{}, fmt.Errorf("poll transcription job %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jobStatus{}, fmt.Errorf("transcription status returned HTTP %d", resp.StatusCode)
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return jobStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}
