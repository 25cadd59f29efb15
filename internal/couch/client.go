package couch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/pkg/request"
)

// BackendError describes a failed call to one database instance.
type BackendError struct {
	Backend    string
	URL        string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s: %s returned status %d", e.Backend, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.URL, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ErrNotJSON is wrapped into a BackendError when a body does not decode.
var ErrNotJSON = errors.New("response is not valid JSON")

// Row is one result row of a view query.
type Row struct {
	ID    string `json:"id"`
	Key   any    `json:"key"`
	Value any    `json:"value"`
}

// SearchResponse is the body of a view query.
type SearchResponse struct {
	TotalRows int   `json:"total_rows"`
	Offset    int   `json:"offset"`
	Rows      []Row `json:"rows"`
}

// Options configures the HTTP transport shared by every call.
type Options struct {
	Username              string
	Password              string
	Database              string
	Timeout               time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
}

// Client talks to one database instance.
type Client struct {
	name     string
	base     *url.URL
	database string
	client   *http.Client
	logger   logger.Logger
	metrics  *metrics.Metrics
}

// NewClient creates a client for the instance at baseURL. The shared
// credentials are injected into every request URL.
func NewClient(name, baseURL string, opts Options, log logger.Logger, m *metrics.Metrics) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s backend url: %w", name, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s backend url must be absolute: %q", name, baseURL)
	}
	if opts.Username != "" || opts.Password != "" {
		base.User = url.UserPassword(opts.Username, opts.Password)
	}
	database := strings.Trim(opts.Database, "/")
	if database == "" {
		database = "medic"
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 20),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       positiveOrDefault(opts.MaxConnsPerHost, 10),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(opts.ResponseHeaderTimeout, 60*time.Second),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	return &Client{
		name:     name,
		base:     base,
		database: database,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		logger:  log,
		metrics: m,
	}, nil
}

// Name returns the backend label used in logs and archives.
func (c *Client) Name() string {
	return c.name
}

// QueryView issues req against this instance. It returns the decoded
// response along with the raw body.
func (c *Client) QueryView(ctx context.Context, req *request.ExtractedRequest) (*SearchResponse, []byte, error) {
	u := *c.base
	u.Path = req.Pathname
	u.RawPath = ""
	u.RawQuery = req.Params.Encode()

	body, err := c.get(ctx, &u, "view")
	if err != nil {
		return nil, nil, err
	}

	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, body, &BackendError{Backend: c.name, URL: u.Redacted(), Err: fmt.Errorf("%w: %v", ErrNotJSON, err)}
	}
	return &resp, body, nil
}

// GetDocument fetches the raw JSON of one document.
func (c *Client) GetDocument(ctx context.Context, id string) ([]byte, error) {
	u := *c.base
	u.Path = "/" + c.database + "/" + id
	u.RawPath = "/" + url.PathEscape(c.database) + "/" + url.PathEscape(id)
	u.RawQuery = ""

	body, err := c.get(ctx, &u, "document")
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &BackendError{Backend: c.name, URL: u.Redacted(), Err: ErrNotJSON}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, u *url.URL, kind string) ([]byte, error) {
	redacted := u.Redacted()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &BackendError{Backend: c.name, URL: redacted, Err: fmt.Errorf("create request failed: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("GET", "backend", c.name, "url", redacted)

	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(kind, "error", start)
		return nil, &BackendError{Backend: c.name, URL: redacted, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("Failed to close response body", "backend", c.name, "error", cerr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(kind, "error", start)
		return nil, &BackendError{Backend: c.name, URL: redacted, StatusCode: 0, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(kind, "status", start)
		return nil, &BackendError{Backend: c.name, URL: redacted, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	c.observe(kind, "ok", start)
	return body, nil
}

func (c *Client) observe(kind, result string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackendRequests.WithLabelValues(c.name, kind, result).Inc()
	c.metrics.BackendLatency.WithLabelValues(c.name, kind).Observe(time.Since(start).Seconds())
}

// Close releases idle connections.
func (c *Client) Close() {
	if transport, ok := c.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
