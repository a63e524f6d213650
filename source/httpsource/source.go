// Package httpsource polls an HTTP endpoint and dispatches each non-empty
// response body as one exchange.
//
// A 2xx response with a body yields one message. A 204 or an empty body is an
// idle poll. Any other status is a poll failure carrying the status code, which
// the consumer reports under "response_code" in its health details.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
)

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits to prevent resource exhaustion when polling many endpoints
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second // conservative: matches common ALB defaults
)

const defaultTimeout = 10 * time.Second

// Headers set on every dispatched message.
const (
	HeaderResponseCode = "http_response_code"
	HeaderContentType  = "Content-Type"
	HeaderLatency      = "http_latency"
)

// Config configures a [Source].
type Config struct {
	// URL is the http or https URL to poll.
	URL string

	// Method is GET, HEAD or POST. Defaults to GET.
	Method string

	// Headers are sent with every request.
	Headers map[string]string

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration

	// Client replaces the pooled client built by [New].
	Client *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// ResponseCode returns the HTTP status code.
func (e *StatusError) ResponseCode() int {
	return e.Code
}

// Source is an [intake.Poller] over one HTTP endpoint.
//
// Source uses per-request timeouts via context rather than a global client
// timeout. Response bodies are limited to 1MB.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New validates cfg and creates a [Source].
//
// Unless cfg.Client is set, the client is configured with connection pooling
// limits:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func New(cfg Config) (*Source, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("httpsource: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpsource: url scheme must be http or https, got %q", u.Scheme)
	}

	switch cfg.Method {
	case "":
		cfg.Method = http.MethodGet
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return nil, fmt.Errorf("httpsource: method must be GET, HEAD, or POST, got %q", cfg.Method)
	}

	if cfg.Timeout < 0 {
		return nil, errors.New("httpsource: timeout cannot be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			// no default timeout - we use per-request timeouts via context
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{cfg: cfg, client: client, logger: logger}, nil
}

// response is the result of one request.
type response struct {
	body        []byte
	statusCode  int
	contentType string
	latency     time.Duration
}

// Poll implements [intake.Poller].
func (s *Source) Poll(ctx context.Context, d intake.Dispatcher) (int, error) {
	resp, err := s.fetch(ctx)
	if err != nil {
		return 0, err
	}

	if resp.statusCode < 200 || resp.statusCode > 299 {
		return 0, &StatusError{Code: resp.statusCode, URL: s.cfg.URL}
	}
	if resp.statusCode == http.StatusNoContent || len(resp.body) == 0 {
		return 0, nil
	}

	// a processing failure is reported by the consumer, not by the poll
	_ = d.Dispatch(ctx, func(ex *exchange.Exchange) {
		msg := exchange.NewMessage()
		msg.SetBody(resp.body)
		msg.SetHeader(HeaderResponseCode, resp.statusCode)
		msg.SetHeader(HeaderLatency, resp.latency)
		if resp.contentType != "" {
			msg.SetHeader(HeaderContentType, resp.contentType)
		}
		ex.SetIn(msg)
	})
	return 1, nil
}

func (s *Source) fetch(ctx context.Context) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, nil)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// read body with size limit
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return response{}, fmt.Errorf("failed to read response body: %w", err)
	}

	s.logger.Debug("polled http endpoint",
		"url", s.cfg.URL,
		"status_code", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return response{
		body:        body,
		statusCode:  resp.StatusCode,
		contentType: resp.Header.Get(HeaderContentType),
		latency:     time.Since(start),
	}, nil
}

// Close closes all idle connections in the client's connection pool.
// Safe to call multiple times. After Close, the source remains usable.
func (s *Source) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	s.client.CloseIdleConnections()
	return nil
}
