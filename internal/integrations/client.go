// ABOUTME: HTTP client for the external data-integration platform
// ABOUTME: Schema discovery, job listing, and job triggering behind one interface

package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Schema describes one integration's data shape as reported by the platform
type Schema struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// Job is one integration job known to the platform
type Job struct {
	ID          string `json:"id"`
	Integration string `json:"integration"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// TriggerResult is the platform's response to a job trigger
type TriggerResult struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Service is the data-integration surface the gateway consumes
type Service interface {
	ListSchemas(ctx context.Context) ([]Schema, error)
	ListJobs(ctx context.Context, integration string) ([]Job, error)
	TriggerJob(ctx context.Context, integration string, params map[string]any) (*TriggerResult, error)
}

// Client talks to the data-integration platform over HTTP
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the platform at baseURL
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListSchemas fetches the schemas of all available integrations
func (c *Client) ListSchemas(ctx context.Context) ([]Schema, error) {
	var result struct {
		Schemas []Schema `json:"schemas"`
	}
	if err := c.get(ctx, "/v1/schemas", &result); err != nil {
		return nil, fmt.Errorf("fetch schemas: %w", err)
	}
	return result.Schemas, nil
}

// ListJobs fetches the jobs for one integration
func (c *Client) ListJobs(ctx context.Context, integration string) ([]Job, error) {
	var result struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, "/v1/integrations/"+integration+"/jobs", &result); err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	return result.Jobs, nil
}

// TriggerJob starts a job run for one integration
func (c *Client) TriggerJob(ctx context.Context, integration string, params map[string]any) (*TriggerResult, error) {
	payload, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return nil, fmt.Errorf("encode trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/v1/integrations/"+integration+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trigger job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("trigger job: status %d: %s", resp.StatusCode, body)
	}

	var result TriggerResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode trigger response: %w", err)
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}
