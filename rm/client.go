package rm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// UnreachableError means the resource manager could not be contacted at the
// transport level (connection refused, DNS failure, timeout). It is a
// different failure mode from RejectedError: the RM never saw the request.
type UnreachableError struct {
	Endpoint string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("resource manager %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RejectedError means the resource manager answered with a non-success status.
// Body carries the RM's own explanation verbatim.
type RejectedError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("resource manager %s rejected request: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client speaks the dispatch protocol to resource manager endpoints. It holds
// no per-RM state; every call opens its own transport session because RM
// endpoints are numerous and short-lived relative to the store connection.
type Client struct {
	probeTimeout   time.Duration
	requestTimeout time.Duration
}

// NewClient returns a dispatch client. probeTimeout bounds the feasibility
// probe; requestTimeout bounds commit, release and status calls.
func NewClient(probeTimeout, requestTimeout time.Duration) *Client {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{probeTimeout: probeTimeout, requestTimeout: requestTimeout}
}

// Probe asks a resource manager whether it could theoretically fulfill the
// demands. A nil return means feasible; the RM has not reserved anything.
func (c *Client) Probe(ctx context.Context, endpoint string, demands json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPost, endpoint, "/fulfill/theoretically", demands, c.probeTimeout)
	return err
}

// Commit asks a resource manager to provision machines for the demands. On
// success the returned CommitResult carries the RM's machine list plus the
// verbatim body.
func (c *Client) Commit(ctx context.Context, endpoint string, demands json.RawMessage) (*CommitResult, error) {
	body, err := c.do(ctx, http.MethodPost, endpoint, "/fulfill/now", demands, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	res := &CommitResult{Raw: body}
	if err := json.Unmarshal(body, res); err != nil {
		return nil, fmt.Errorf("decoding commit response from %s: %w", endpoint, err)
	}
	return res, nil
}

// Release asks a resource manager to deallocate one named resource. Safe to
// retry from the caller's side.
func (c *Client) Release(ctx context.Context, endpoint, resourceName string) error {
	_, err := c.do(ctx, http.MethodDelete, endpoint, "/deallocate/"+resourceName, nil, c.requestTimeout)
	return err
}

// Status fetches the RM-side view of one allocation, for reconciliation.
func (c *Client) Status(ctx context.Context, endpoint, allocationID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, endpoint, "/allocations/"+allocationID, nil, c.requestTimeout)
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, baseURL(endpoint)+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Fresh client per call: no connection reuse across calls.
	httpClient := &http.Client{Timeout: timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		log.Debug().Str("endpoint", endpoint).Str("path", path).Int("status", resp.StatusCode).Msg("rm: request rejected")
		return nil, &RejectedError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

func baseURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "http://" + endpoint
}
