// Package callback delivers job completion and failure notifications to the
// upstream application over HTTP.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hszk-dev/transcoder/internal/domain/model"
)

// DefaultTimeout bounds a single callback POST.
const DefaultTimeout = 10 * time.Second

// CallbackError reports a failed delivery. The job is marked failed when a
// success callback cannot be delivered, but uploaded artifacts are retained.
type CallbackError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *CallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("callback to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("callback to %s failed: status %d", e.URL, e.StatusCode)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// SuccessMetadata is the nested metadata object of a success payload.
type SuccessMetadata struct {
	Duration           float64 `json:"duration"`
	OriginalResolution string  `json:"originalResolution"`
}

// SuccessPayload is the body POSTed on job completion.
type SuccessPayload struct {
	JobID       string            `json:"jobId"`
	OriginalKey string            `json:"originalKey"`
	OutputKey   string            `json:"outputKey"`
	VideoName   string            `json:"videoName"`
	Environment model.Environment `json:"environment"`
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Metadata    SuccessMetadata   `json:"metadata"`
}

// FailurePayload is the body POSTed on terminal job failure.
type FailurePayload struct {
	JobID       string            `json:"jobId"`
	OriginalKey string            `json:"originalKey"`
	Environment model.Environment `json:"environment"`
	Status      string            `json:"status"`
	Error       string            `json:"error"`
	Timestamp   string            `json:"timestamp"`
}

// ClientConfig holds configuration for the callback client.
type ClientConfig struct {
	// DefaultURL is used when a job carries no callback URL of its own.
	DefaultURL string
	// Token is sent as the Authorization bearer token.
	Token   string
	Timeout time.Duration
}

// Client posts callback payloads with a bearer token and a bounded timeout.
type Client struct {
	httpClient *http.Client
	defaultURL string
	token      string
}

// NewClient creates a callback client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		defaultURL: cfg.DefaultURL,
		token:      cfg.Token,
	}
}

// NotifySuccess delivers the completion payload to url, or the configured
// default when url is empty.
func (c *Client) NotifySuccess(ctx context.Context, url string, payload SuccessPayload) error {
	payload.Status = "completed"
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return c.post(ctx, c.resolveURL(url), payload)
}

// NotifyFailure delivers the failure payload to url, or the configured
// default when url is empty.
func (c *Client) NotifyFailure(ctx context.Context, url string, payload FailurePayload) error {
	payload.Status = "failed"
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return c.post(ctx, c.resolveURL(url), payload)
}

func (c *Client) resolveURL(url string) string {
	if url != "" {
		return url
	}
	return c.defaultURL
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	if url == "" {
		return &CallbackError{Err: fmt.Errorf("no callback URL configured")}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &CallbackError{URL: url, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &CallbackError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &CallbackError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallbackError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
