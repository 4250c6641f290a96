package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIClient issues a single GET against the vMix HTTP API.
// A non-nil error means the attempt failed and may be retried.
type APIClient interface {
	Get(ctx context.Context, rawURL string) (APIResponse, error)
}

// APIResponse is the part of a vMix reply kept for logging.
type APIResponse struct {
	StatusCode int
	Body       string // at most maxResponseBodySize bytes, trimmed
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// VmixClient is the net/http implementation of APIClient.
// Timeouts come from the per-attempt context, not the http.Client.
type VmixClient struct {
	http *http.Client
}

func NewVmixClient() *VmixClient {
	return &VmixClient{
		http: &http.Client{
			// vMix answers directly; a redirect means the address points somewhere else.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *VmixClient) Get(ctx context.Context, rawURL string) (APIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return APIResponse{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return APIResponse{}, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return APIResponse{StatusCode: resp.StatusCode}, fmt.Errorf("read response body: %w", err)
	}
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	r := APIResponse{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return r, &StatusError{StatusCode: r.StatusCode, Body: r.Body}
	}
	return r, nil
}
