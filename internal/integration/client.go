// Package integration holds the HTTP clients for the systems the pipeline talks to: the agent
// gateway that runs the analysis, planning and coding models, the external ticket system and
// the source control host.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/ticketpilot/backend/internal/apperr"
)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithRetries sets how many times a retryable failure is retried before giving up and the
// initial wait between attempts.
func WithRetries(n int, initial time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.initialInterval = initial
	}
}

// Client is a small JSON-over-HTTP client shared by the collaborators.
type Client struct {
	name            string
	baseURL         string
	client          *http.Client
	header          http.Header
	retries         int
	initialInterval time.Duration
}

// NewClient constructs a client targeting baseURL. name labels errors.
func NewClient(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:            name,
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          &http.Client{Timeout: 15 * time.Second},
		header:          http.Header{},
		retries:         3,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends in as JSON and decodes the response into out when out is not nil.
// Transport failures, 429 and 5xx responses are retried with exponential backoff and surface
// as retryable external errors. Other 4xx responses fail immediately and are not retryable.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Fatal(err, "%s: encode request", c.name)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(c.retries))

	return backoff.Retry(func() error {
		err := c.do(ctx, path, body, out)
		if err != nil && !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Fatal(err, "%s: build request", c.name)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.External(err, true, "%s: POST %s", c.name, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := readSnippet(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return apperr.External(nil, retryable, "%s: POST %s failed: %s%s", c.name, path, resp.Status, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.External(err, false, "%s: decode %s response", c.name, path)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", s)
}
