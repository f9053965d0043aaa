// Package workerclient talks to the job API on behalf of a conversion worker.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
)

const (
	workerKeyHeader = "X-Worker-Key"
	maxErrorBody    = 4 << 10
)

var (
	// ErrUnauthorized means the API rejected the worker key.
	ErrUnauthorized = errors.New("worker key rejected")
	// ErrConflict means the job was not processing when the report arrived.
	ErrConflict = errors.New("job is not processing")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job api returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("job api returned HTTP %d: %s", e.Code, e.Message)
}

// Client calls the worker routes of the job API.
type Client struct {
	base *url.URL
	key  string
	http *http.Client
}

// New builds a Client for baseURL. A nil httpClient uses a client with a 15s timeout.
func New(baseURL, key string, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api base url %q must be http or https", baseURL)
	}
	if key == "" {
		return nil, errors.New("worker key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, key: key, http: httpClient}, nil
}

// Health pings the API and returns its reported time.
func (c *Client) Health(ctx context.Context) (time.Time, error) {
	var resp struct {
		OK   bool      `json:"ok"`
		Time time.Time `json:"time"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return time.Time{}, err
	}
	if !resp.OK {
		return time.Time{}, errors.New("job api reported unhealthy")
	}
	return resp.Time, nil
}

// Next claims the oldest pending job. False means the queue was empty.
func (c *Client) Next(ctx context.Context) (jobs.Claim, bool, error) {
	var resp struct {
		Job *jobs.Claim `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/worker/jobs/next", nil, &resp); err != nil {
		return jobs.Claim{}, false, err
	}
	if resp.Job == nil {
		return jobs.Claim{}, false, nil
	}
	return *resp.Job, true, nil
}

// Complete reports a converted link for id.
func (c *Client) Complete(ctx context.Context, id, link string) error {
	body := map[string]string{"affLink": link}
	return c.do(ctx, http.MethodPost, "/api/worker/jobs/"+url.PathEscape(id)+"/complete", body, nil)
}

// Fail reports a conversion failure for id.
func (c *Client) Fail(ctx context.Context, id, message string) error {
	body := map[string]string{"error": message}
	return c.do(ctx, http.MethodPost, "/api/worker/jobs/"+url.PathEscape(id)+"/fail", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(workerKeyHeader, c.key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort
	_ = json.Unmarshal(raw, &payload)                             //nolint:errcheck // body may not be JSON

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, payload.Error)
	default:
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
}
