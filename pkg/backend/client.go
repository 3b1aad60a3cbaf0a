// Package backend talks to the onboarding API: it fetches the question schema
// and posts completed answer sets.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/internal/hydrate"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSchemaPath = "/onboarding/schema"
	DefaultSubmitPath = "/onboarding/submit"

	// IdempotencyHeader carries SubmitRequest.IdempotencyKey.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultFetchTimeout bounds a shared schema fetch once it is detached
	// from the caller that started it.
	DefaultFetchTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// SubmitRequest is the body posted on completion.
type SubmitRequest struct {
	SchemaVersion  *string                   `json:"schemaVersion"`
	Answers        onboard.SubmissionPayload `json:"answers"`
	IdempotencyKey string                    `json:"idempotencyKey"`
}

// SubmitResponse is the decoded success body. Redirect is optional.
type SubmitResponse struct {
	Redirect string `json:"redirect,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithBearerToken authenticates every request with token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithPaths overrides the schema and submit paths. Empty values keep the defaults.
func WithPaths(schemaPath, submitPath string) Option {
	return func(c *Client) {
		if schemaPath != "" {
			c.schemaPath = schemaPath
		}
		if submitPath != "" {
			c.submitPath = submitPath
		}
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger onboard.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is safe for concurrent use. Concurrent schema fetches share one
// in-flight request.
type Client struct {
	baseURL      string
	schemaPath   string
	submitPath   string
	http         *http.Client
	headers      http.Header
	logger       onboard.Logger
	decoder      *hydrate.Decoder[Schema]
	fetchTimeout time.Duration
	group        singleflight.Group
}

// NewClient returns a client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend: base url required")
	}
	c := &Client{
		baseURL:    baseURL,
		schemaPath: DefaultSchemaPath,
		submitPath: DefaultSubmitPath,
		http:       http.DefaultClient,
		headers:    http.Header{},
		logger:     onboard.NopLogger(),
		decoder:    newSchemaDecoder(),

		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// FetchSchema retrieves the current onboarding schema. The request is shared
// with concurrent callers and runs detached from any single caller, so a
// cancelled ctx only abandons the wait of its own caller.
func (c *Client) FetchSchema(ctx context.Context) (Schema, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + c.schemaPath
	ch := c.group.DoChan(endpoint, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetchSchema(fetchCtx, endpoint)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Schema{}, fmt.Errorf("backend: fetch schema: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return Schema{}, res.Err
	}
	schema := res.Val.(Schema)
	if res.Shared {
		c.logger.Debugw("onboarding schema fetch shared", "endpoint", endpoint)
		schema.Questions = append([]onboard.Question(nil), schema.Questions...)
	}
	return schema, nil
}

func (c *Client) fetchSchema(ctx context.Context, endpoint string) (Schema, error) {
	start := time.Now()
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		c.logger.Warnw("onboarding schema fetch failed", "endpoint", endpoint, "error", err)
		return Schema{}, err
	}
	schema, err := c.decoder.DecodeBytes(hydrate.Context{Endpoint: endpoint}, body)
	if err != nil {
		return Schema{}, fmt.Errorf("backend: schema: %w", err)
	}
	c.logger.Debugw("onboarding schema fetched",
		"endpoint", endpoint,
		"version", schema.Version,
		"questions", len(schema.Questions),
		"duration", time.Since(start),
	)
	return schema, nil
}

// Submit posts req. The idempotency key is generated when req leaves it empty
// and is sent both in the body and as IdempotencyHeader.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = NewIdempotencyKey()
	}
	if req.Answers == nil {
		req.Answers = onboard.SubmissionPayload{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("backend: encode submission: %w", err)
	}
	endpoint := c.baseURL + c.submitPath
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(IdempotencyHeader, req.IdempotencyKey)

	body, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), headers)
	if err != nil {
		c.logger.Warnw("onboarding submit failed",
			"endpoint", endpoint,
			"idempotency_key", req.IdempotencyKey,
			"error", err,
		)
		return SubmitResponse{}, err
	}
	var resp SubmitResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			c.logger.Debugw("ignoring undecodable submit response", "error", err)
		}
	}
	c.logger.Infow("onboarding submitted",
		"entries", len(req.Answers),
		"idempotency_key", req.IdempotencyKey,
	)
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, headers http.Header) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}
