package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fuseline/fuseline/broker"
	"github.com/fuseline/fuseline/workflow"
)

// BrokerClient is the worker-facing slice of the broker API, satisfied
// both by an in-process broker and by the HTTP client.
type BrokerClient interface {
	RegisterWorker(ctx context.Context, schemas []*workflow.WorkflowSchema) (string, error)
	GetStep(ctx context.Context, workerID string) (*broker.StepAssignment, error)
	ReportStep(ctx context.Context, workerID string, report broker.StepReport) error
	KeepAlive(ctx context.Context, workerID string) error
}

// LocalClient adapts an in-process broker to BrokerClient. Useful for
// tests and single-process deployments that still want broker
// scheduling semantics.
type LocalClient struct {
	Broker broker.Broker
}

var _ BrokerClient = (*LocalClient)(nil)

func (c *LocalClient) RegisterWorker(ctx context.Context, schemas []*workflow.WorkflowSchema) (string, error) {
	return c.Broker.RegisterWorker(ctx, schemas)
}

func (c *LocalClient) GetStep(ctx context.Context, workerID string) (*broker.StepAssignment, error) {
	return c.Broker.GetStep(ctx, workerID)
}

func (c *LocalClient) ReportStep(ctx context.Context, workerID string, report broker.StepReport) error {
	return c.Broker.ReportStep(ctx, workerID, report)
}

func (c *LocalClient) KeepAlive(ctx context.Context, workerID string) error {
	return c.Broker.KeepAlive(ctx, workerID)
}

// HTTPClient speaks the broker's JSON HTTP API.
//
// Transport failures and 5xx responses are retried with exponential
// backoff up to maxAttempts; 4xx responses are returned to the caller
// unretried.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
}

var _ BrokerClient = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the broker at baseURL, e.g.
// "http://localhost:8000".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 90 * time.Second},
		maxAttempts: 5,
		baseBackoff: 200 * time.Millisecond,
	}
}

func (c *HTTPClient) RegisterWorker(ctx context.Context, schemas []*workflow.WorkflowSchema) (string, error) {
	var workerID string
	err := c.call(ctx, http.MethodPost, "/worker/register", nil, schemas, &workerID)
	return workerID, err
}

func (c *HTTPClient) GetStep(ctx context.Context, workerID string) (*broker.StepAssignment, error) {
	var assignment broker.StepAssignment
	found, err := c.callMaybe(ctx, http.MethodGet, "/workflow/step", url.Values{"worker_id": {workerID}}, nil, &assignment)
	if err != nil || !found {
		return nil, err
	}
	return &assignment, nil
}

func (c *HTTPClient) ReportStep(ctx context.Context, workerID string, report broker.StepReport) error {
	return c.call(ctx, http.MethodPost, "/workflow/step", url.Values{"worker_id": {workerID}}, report, nil)
}

func (c *HTTPClient) KeepAlive(ctx context.Context, workerID string) error {
	return c.call(ctx, http.MethodPost, "/worker/keep-alive", url.Values{"worker_id": {workerID}}, nil, nil)
}

// call performs one API call, decoding the response into out when out
// is non-nil.
func (c *HTTPClient) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := c.callMaybe(ctx, method, path, query, body, out)
	return err
}

// callMaybe is call distinguishing 204 No Content: it returns false
// with a nil error when the broker has no payload.
func (c *HTTPClient) callMaybe(ctx context.Context, method, path string, query url.Values, body, out any) (bool, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("marshal request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return false, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		found, err := decodeResponse(resp, out)
		if err == nil {
			return found, nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return false, err
		}
		lastErr = err
	}
	return false, fmt.Errorf("broker unreachable after %d attempts: %w", c.maxAttempts, lastErr)
}

// retryableError marks a server-side failure worth retrying.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func decodeResponse(resp *http.Response, out any) (bool, error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &retryableError{fmt.Errorf("broker returned %d: %s", resp.StatusCode, msg)}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("broker returned %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
