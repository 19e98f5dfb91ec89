package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
)

const (
	maxRedirects = 10
	// maxCountedBody bounds how much of a GET body is read to measure size.
	maxCountedBody = 10 << 20
)

// ErrTooManyRedirects is returned when a target redirects more than maxRedirects times.
var ErrTooManyRedirects = errors.New("too many redirects")

// HTTPProberOptions configure the local prober.
type HTTPProberOptions struct {
	Method       string  // HEAD or GET
	Retries      int     // extra attempts after a transport error
	PreviewBytes int     // GET only
	UserAgent    string
	RateLimit    float64 // probes per second across the process, 0 = unlimited
	Client       *http.Client
}

// HTTPProber probes URLs from this process.
type HTTPProber struct {
	client       *http.Client
	method       string
	retries      int
	previewBytes int
	userAgent    string
	limiter      *rate.Limiter
}

// NewHTTPProber builds a prober. Per-URL timeouts come from the caller's context.
func NewHTTPProber(opts HTTPProberOptions) *HTTPProber {
	method := strings.ToUpper(opts.Method)
	if method != http.MethodGet {
		method = http.MethodHead
	}
	var client *http.Client
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	} else {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}

	p := &HTTPProber{
		client:       client,
		method:       method,
		retries:      opts.Retries,
		previewBytes: opts.PreviewBytes,
		userAgent:    opts.UserAgent,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p
}

// Probe fetches url, retrying transport errors. HTTP error statuses are
// results, not errors.
func (p *HTTPProber) Probe(ctx context.Context, url string) (domain.ProbeResult, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return domain.ProbeResult{}, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		res, err := p.once(ctx, url)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrTooManyRedirects) {
			break
		}
	}
	return domain.ProbeResult{}, lastErr
}

func (p *HTTPProber) once(ctx context.Context, url string) (domain.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, p.method, url, http.NoBody)
	if err != nil {
		return domain.ProbeResult{}, fmt.Errorf("build request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.ProbeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	res := domain.ProbeResult{
		URL:         url,
		FinalURL:    resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}

	if p.method == http.MethodGet {
		var preview []byte
		if p.previewBytes > 0 {
			preview, err = io.ReadAll(io.LimitReader(resp.Body, int64(p.previewBytes)))
			if err != nil {
				return domain.ProbeResult{}, fmt.Errorf("read preview: %w", err)
			}
			res.Preview = toValidUTF8(preview)
		}
		rest, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxCountedBody))
		if err != nil {
			return domain.ProbeResult{}, fmt.Errorf("read body: %w", err)
		}
		if res.Size < 0 {
			res.Size = int64(len(preview)) + rest
		}
	}
	if res.Size < 0 {
		res.Size = 0
	}
	res.ResponseTimeMs = time.Since(start).Milliseconds()
	return res, nil
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
