// Package httpremote adapts a JSON REST endpoint into a synckit remote
// operation and fetcher. HTTP statuses are classified into the engine's error
// kinds: 409 is a conflict carrying the server's payload, 408, 429 and 5xx
// are transient and every other 4xx is fatal.
package httpremote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

const component = "transport/httpremote"

// ForceHeader is set on requests re-sent after a client_wins resolution.
const ForceHeader = "X-Sync-Force"

var (
	_ synckit.RemoteOperation = (*Client)(nil)
	_ synckit.Fetcher         = (*Client)(nil)
)

// errResponseTooLarge is returned when a response body exceeds MaxBodyBytes.
var errResponseTooLarge = errors.New("response body exceeds maximum size limit")

// Limits defines size and compression limits for the client.
type Limits struct {
	MaxBodyBytes int64 // Maximum response body size in bytes
	EnableGzip   bool  // Whether to gzip request bodies
	GzipMinBytes int   // Minimum bytes before applying gzip compression
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: server returned status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// StatusCode exposes the HTTP status for error classification.
func (e *StatusError) StatusCode() int { return e.Code }

// Client sends operations to baseURL/{key}.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	method  string
	headers http.Header
	logger  *slog.Logger
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		if cl != nil {
			c.http = cl
		}
	}
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) Option {
	return func(c *Client) { c.limits = l }
}

// WithMethod sets the HTTP method used to write. Defaults to PUT.
func WithMethod(method string) Option {
	return func(c *Client) { c.method = method }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Add(key, value) }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the resource collection at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 8 << 20, // 8MB
			EnableGzip:   true,
			GzipMinBytes: 1024,
		},
		method:  http.MethodPut,
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", logging.Component(component))
	return c
}

// BaseURL returns the base URL for the client.
func (c *Client) BaseURL() string { return c.baseURL }

type writeRequest struct {
	OperationID string         `json:"operationId"`
	Data        cache.Document `json:"data"`
	Force       bool           `json:"force,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// conflictBody is the accepted shape of a 409 response. data and serverData
// are both recognised.
type conflictBody struct {
	Data       cache.Document `json:"data"`
	ServerData cache.Document `json:"serverData"`
	Error      string         `json:"error"`
}

// Execute writes the operation's payload. It implements synckit.RemoteOperation.
func (c *Client) Execute(ctx context.Context, op *synckit.PendingOperation) (any, error) {
	payload, err := json.Marshal(writeRequest{
		OperationID: op.ID,
		Data:        op.Data,
		Force:       op.Options.Force,
		Metadata:    op.Options.Metadata,
	})
	if err != nil {
		return nil, syncErrors.NewFatal(syncErrors.OpTransport, fmt.Errorf("failed to marshal operation: %w", err))
	}

	req, err := c.newRequest(ctx, c.method, op.Key, payload)
	if err != nil {
		return nil, err
	}
	if op.Options.Force {
		req.Header.Set(ForceHeader, "true")
	}
	return c.do(req)
}

// Fetch reads the authoritative payload for key. It implements synckit.Fetcher.
func (c *Client) Fetch(ctx context.Context, key string) (any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, key string, payload []byte) (*http.Request, error) {
	target := c.baseURL + "/" + url.PathEscape(key)

	var body io.Reader
	encoding := ""
	if payload != nil {
		body = bytes.NewReader(payload)
		if c.limits.EnableGzip && len(payload) > c.limits.GzipMinBytes {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(payload); err != nil {
				return nil, syncErrors.NewFatal(syncErrors.OpTransport, fmt.Errorf("failed to compress request: %w", err))
			}
			if err := gw.Close(); err != nil {
				return nil, syncErrors.NewFatal(syncErrors.OpTransport, fmt.Errorf("failed to close gzip writer: %w", err))
			}
			c.logger.Debug("Compressed request",
				slog.Int("original_size", len(payload)),
				slog.Int("compressed_size", buf.Len()))
			body = &buf
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, syncErrors.NewFatal(syncErrors.OpTransport, fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (any, error) {
	target := req.URL.String()
	c.logger.Debug("Sending request", slog.String("method", req.Method), slog.String("url", target))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Request failed", slog.String("url", target), slog.String("error", err.Error()))
		return nil, syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, c.limits.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			return nil, syncErrors.NewFatal(syncErrors.OpTransport, err)
		}
		return nil, syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, nil
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, syncErrors.NewFatal(syncErrors.OpTransport, fmt.Errorf("failed to decode response: %w", err))
		}
		return doc, nil
	}

	statusErr := &StatusError{Method: req.Method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	c.logger.Debug("Request returned error status",
		slog.Int("status_code", resp.StatusCode),
		slog.String("url", target))
	return nil, classify(statusErr, body)
}

func classify(statusErr *StatusError, body []byte) error {
	switch code := statusErr.Code; {
	case code == http.StatusConflict:
		var cb conflictBody
		_ = json.Unmarshal(body, &cb)
		server := cb.ServerData
		if server == nil {
			server = cb.Data
		}
		return syncErrors.NewConflict(server, statusErr)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return syncErrors.NewNetworkError(syncErrors.OpTransport, statusErr)
	default:
		return syncErrors.NewFatal(syncErrors.OpTransport, statusErr)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errResponseTooLarge
	}
	return body, nil
}
