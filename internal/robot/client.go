// Package robot is the embedded reference worker: a stateless HTTP client
// of the job surface that executes distillation, embedding, comparison and
// classification with hosted models. It has no special access; anything it
// can do, a third-party worker can do.
package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/resilience"
)

// Client calls the corpus HTTP surface. Transient server and network
// failures are retried with backoff; 4xx responses are not.
type Client struct {
	base   string
	author string
	org    string
	http   *http.Client
	retry  resilience.RetryConfig
}

// NewClient creates a Client for the server at base, presenting the given
// identity. Empty author means no identity headers are sent.
func NewClient(base, author, org string) *Client {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("corpus", "http")
	return &Client{
		base:   base,
		author: author,
		org:    org,
		http:   &http.Client{Timeout: 60 * time.Second},
		retry:  retry,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return 0, eris.Wrap(err, "robot: marshal request")
		}
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (int, error) {
		var reader io.Reader
		if raw != nil {
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return 0, eris.Wrap(err, "robot: build request")
		}
		req.Header.Set("Content-Type", "application/json")
		if c.author != "" {
			req.Header.Set("X-Corpus-Author", c.author)
			req.Header.Set("X-Corpus-Org", c.org)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, eris.Wrapf(err, "robot: %s %s", method, path)
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resp.StatusCode, resilience.NewTransientError(
				fmt.Errorf("robot: %s %s: status %d", method, path, resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return resp.StatusCode, eris.Errorf("robot: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
		}

		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, eris.Wrap(err, "robot: decode response")
			}
		}
		return resp.StatusCode, nil
	})
}

// ClaimNext polls for the next job of the given type (empty = any).
// Returns nil when the server has nothing for this worker.
func (c *Client) ClaimNext(ctx context.Context, collection string, t model.JobType, workerID string) (*model.Job, error) {
	q := url.Values{"worker_id": {workerID}}
	if t != "" {
		q.Set("type", string(t))
	}
	path := fmt.Sprintf("/collections/%s/jobs/next?%s", collection, q.Encode())

	var job model.Job
	status, err := c.do(ctx, http.MethodGet, path, nil, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

// Complete submits a job result.
func (c *Client) Complete(ctx context.Context, collection, jobID, workerID string, result any) error {
	path := fmt.Sprintf("/collections/%s/jobs/%s/complete", collection, jobID)
	_, err := c.do(ctx, http.MethodPost, path, map[string]any{
		"worker_id": workerID,
		"result":    result,
	}, nil)
	return err
}

// Fail reports a job failure so the server can requeue or park it.
func (c *Client) Fail(ctx context.Context, collection, jobID, workerID, reason string) error {
	path := fmt.Sprintf("/collections/%s/jobs/%s/fail", collection, jobID)
	_, err := c.do(ctx, http.MethodPost, path, map[string]any{
		"worker_id": workerID,
		"error":     reason,
	}, nil)
	return err
}
