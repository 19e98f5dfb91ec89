// Package workerclient talks to remote probe workers over HTTPS.
package workerclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/utils"
)

const (
	DefaultHealthTimeout = 10 * time.Second
	DefaultCallTimeout   = 60 * time.Second

	// maxErrorBody caps how much of a failed response is kept for classification.
	maxErrorBody = 8 << 10
	// maxResponseBody caps a successful /probe response.
	maxResponseBody = 16 << 20
)

// ErrBatchTooLarge is returned when more URLs are passed than a worker accepts per call.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d urls", domain.MaxURLsPerWorkerCall)

// CallError describes a failed worker call. StatusCode is zero for transport errors.
type CallError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("worker returned %d: %s", e.StatusCode, truncate(e.Body, 200))
	case e.StatusCode != 0:
		return fmt.Sprintf("worker returned %d", e.StatusCode)
	case e.Err != nil:
		return "worker call failed: " + e.Err.Error()
	default:
		return "worker call failed"
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// ProbeOptions are forwarded to the worker with each batch.
type ProbeOptions struct {
	Method       string
	Timeout      time.Duration // per URL
	Retries      int
	PreviewBytes int
}

type probeRequest struct {
	URLs         []string `json:"urls"`
	Method       string   `json:"method,omitempty"`
	TimeoutMs    int64    `json:"timeoutMs,omitempty"`
	Retries      int      `json:"retries"`
	PreviewBytes int      `json:"previewBytes,omitempty"`
}

type probeResponse struct {
	Results []domain.ProbeResult `json:"results"`
}

// Options configure a Client.
type Options struct {
	HealthTimeout time.Duration
	CallTimeout   time.Duration
	UserAgent     string
	HTTPClient    *http.Client // overrides the built-in transport, used by tests
}

// Client is safe for concurrent use.
type Client struct {
	http          *http.Client
	healthTimeout time.Duration
	callTimeout   time.Duration
	userAgent     string
}

// New builds a Client with a TLS 1.2+ transport.
func New(opts Options) *Client {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// a redirecting worker is misconfigured
				return http.ErrUseLastResponse
			},
		}
	}
	return &Client{
		http:          hc,
		healthTimeout: opts.HealthTimeout,
		callTimeout:   opts.CallTimeout,
		userAgent:     opts.UserAgent,
	}
}

// ValidateEndpoint checks that endpoint is an absolute https URL and returns
// it without trailing slash.
func ValidateEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidWorkerURL, endpoint)
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

// HealthCheck reports whether GET {endpoint}/health answers 2xx in time.
func (c *Client) HealthCheck(ctx context.Context, endpoint string) bool {
	ok, _ := c.Ping(ctx, endpoint)
	return ok
}

// Ping is HealthCheck plus the measured round trip.
func (c *Client) Ping(ctx context.Context, endpoint string) (bool, time.Duration) {
	base, err := ValidateEndpoint(endpoint)
	if err != nil {
		return false, 0
	}
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", http.NoBody)
	if err != nil {
		return false, 0
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, elapsed
	}
	defer utils.DrainClose(resp.Body, maxErrorBody)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, elapsed
}

// ProbeBatch asks the worker at endpoint to probe urls. On success the result
// slice has exactly len(urls) entries in input order. Any failure of the call
// itself is returned as *CallError.
func (c *Client) ProbeBatch(ctx context.Context, endpoint string, urls []string, opts ProbeOptions) ([]domain.ProbeResult, error) {
	if len(urls) == 0 {
		return []domain.ProbeResult{}, nil
	}
	if len(urls) > domain.MaxURLsPerWorkerCall {
		return nil, ErrBatchTooLarge
	}
	base, err := ValidateEndpoint(endpoint)
	if err != nil {
		return nil, &CallError{Err: err}
	}

	body, err := json.Marshal(probeRequest{
		URLs:         urls,
		Method:       opts.Method,
		TimeoutMs:    opts.Timeout.Milliseconds(),
		Retries:      opts.Retries,
		PreviewBytes: opts.PreviewBytes,
	})
	if err != nil {
		return nil, &CallError{Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/probe", bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &CallError{Err: err}
	}
	defer utils.DrainClose(resp.Body, maxErrorBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &CallError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &CallError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	var decoded probeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &CallError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), maxErrorBody),
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}

	return align(urls, decoded.Results), nil
}

// align maps worker results back onto the requested urls. Results are matched
// by url first, then by position; anything missing becomes an error result.
func align(urls []string, got []domain.ProbeResult) []domain.ProbeResult {
	byURL := make(map[string][]domain.ProbeResult, len(got))
	for _, r := range got {
		byURL[r.URL] = append(byURL[r.URL], r)
	}

	out := make([]domain.ProbeResult, len(urls))
	for i, u := range urls {
		if queue := byURL[u]; len(queue) > 0 {
			out[i] = queue[0]
			byURL[u] = queue[1:]
			continue
		}
		if i < len(got) && got[i].URL == "" {
			r := got[i]
			r.URL = u
			out[i] = r
			continue
		}
		out[i] = domain.ErrorResult(u, errors.New("missing from worker response"))
	}
	return out
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
