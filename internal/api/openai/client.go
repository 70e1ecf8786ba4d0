package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultUserAgent = "assistd/1.0"

	// DefaultMaxRetries bounds how often a request is re-sent before any
	// response bytes have been read.
	DefaultMaxRetries = 3

	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 10 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxRetries sets how many times a failed request is retried.
// Zero disables retries.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryInterval sets the initial backoff interval between retries.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is a custom HTTP client for the OpenAI API.
type Client struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	maxRetries    int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewClient creates a new OpenAI API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:        apiKey,
		baseURL:       defaultBaseURL,
		httpClient:    http.DefaultClient,
		maxRetries:    DefaultMaxRetries,
		retryInterval: defaultRetryInitialInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base URL in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// UserAgent is the User-Agent header to send with the request.
	// If set, it will be forwarded as-is to the upstream API.
	UserAgent string
}

// CreateChatCompletion sends a chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (*ChatCompletionResponse, error) {
	req.Stream = false
	req.StreamOptions = nil

	var result ChatCompletionResponse
	if err := c.doJSON(ctx, "/chat/completions", req, opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateResponse sends a non-streaming Responses API request.
func (c *Client) CreateResponse(ctx context.Context, req *ResponsesRequest, opts *RequestOptions) (*Response, error) {
	req.Stream = false

	var result Response
	if err := c.doJSON(ctx, "/responses", req, opts, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, result.Error.ToCanonical()
	}
	return &result, nil
}

// StreamResult wraps a chunk or error from streaming. Raw is set instead
// of Chunk when a data line could not be decoded.
type StreamResult struct {
	Chunk *ChatCompletionChunk
	Raw   []byte
	Err   error
}

// StreamChatCompletion sends a streaming chat completion request and returns a channel of chunks.
// The channel is closed when the upstream finishes, fails, or ctx is done.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (<-chan StreamResult, error) {
	req.Stream = true

	resp, err := c.send(ctx, "/chat/completions", req, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	go func() {
		defer close(out)
		err := readSSE(resp.Body, func(data []byte) error {
			var chunk ChatCompletionChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return sendResult(ctx, out, StreamResult{Raw: data})
			}
			return sendResult(ctx, out, StreamResult{Chunk: &chunk})
		})
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			_ = sendResult(ctx, out, StreamResult{Err: err})
		}
	}()
	return out, nil
}

// ResponseStreamResult wraps a Responses stream event or error. Raw is set
// instead of Event when a data line could not be decoded.
type ResponseStreamResult struct {
	Event *ResponseStreamEvent
	Raw   []byte
	Err   error
}

// StreamResponse sends a streaming Responses API request.
// The channel is closed when the upstream finishes, fails, or ctx is done.
func (c *Client) StreamResponse(ctx context.Context, req *ResponsesRequest, opts *RequestOptions) (<-chan ResponseStreamResult, error) {
	req.Stream = true

	resp, err := c.send(ctx, "/responses", req, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan ResponseStreamResult)
	go func() {
		defer close(out)
		err := readSSE(resp.Body, func(data []byte) error {
			var event ResponseStreamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return sendResult(ctx, out, ResponseStreamResult{Raw: data})
			}
			event.Raw = data
			return sendResult(ctx, out, ResponseStreamResult{Event: &event})
		})
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			_ = sendResult(ctx, out, ResponseStreamResult{Err: err})
		}
	}()
	return out, nil
}

func sendResult[T any](ctx context.Context, out chan<- T, v T) error {
	select {
	case out <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readSSE calls fn with the payload of every data line until [DONE], EOF,
// or an error from fn. The body is always closed.
func readSSE(body io.ReadCloser, fn func(data []byte) error) error {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// Skip blank separators, comments and "event:" lines; the event
		// type is repeated in the JSON payload.
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		if err := fn([]byte(data)); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read error: %w", err)
	}
	return nil
}

// doJSON sends payload and decodes a 200 response into out.
func (c *Client) doJSON(ctx context.Context, path string, payload any, opts *RequestOptions, out any) error {
	resp, err := c.send(ctx, path, payload, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// send POSTs payload to path and returns a 200 response with its body
// unread. Connection failures, 429 and 5xx responses are retried with
// exponential backoff; nothing is retried once a 200 has been received.
func (c *Client) send(ctx context.Context, path string, payload any, opts *RequestOptions) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	operation := func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		c.setHeaders(httpReq, opts)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := responseError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("retrying upstream request",
			slog.String("path", path),
			slog.String("error", err.Error()),
			slog.Duration("backoff", next),
		)
	}

	return backoff.RetryNotifyWithData(operation, c.newBackoff(ctx), notify)
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

// responseError converts a non-200 response into a canonical error that
// carries the upstream status code.
func responseError(status int, body []byte) error {
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil {
		return apiErr.ToCanonical().WithStatusCode(status)
	}
	return errorFromStatus(status, body)
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// Set User-Agent - forward the incoming user agent if provided
	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
}
