// Package probe runs HTTP probes locally with bounded, windowed concurrency.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
)

const (
	DefaultConcurrency = 50
	DefaultTimeout     = 10 * time.Second
)

// Prober fetches one URL. A returned error becomes an error result.
type Prober interface {
	Probe(ctx context.Context, url string) (domain.ProbeResult, error)
}

// Progress is reported after every settled chunk.
type Progress struct {
	Completed int
	Total     int
	Results   []domain.ProbeResult // everything settled so far, input order
}

// BatchOptions tune one ScanBatch call.
type BatchOptions struct {
	Concurrency int           // chunk size, <= 0 means DefaultConcurrency
	Timeout     time.Duration // per URL, <= 0 means the controller default
	OnProgress  func(Progress)
}

// Controller probes URL lists chunk by chunk. Chunk k+1 starts only once
// every probe of chunk k has settled.
type Controller struct {
	prober  Prober
	timeout time.Duration
}

// NewController wraps prober. timeout <= 0 means DefaultTimeout.
func NewController(prober Prober, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{prober: prober, timeout: timeout}
}

// ScanBatch returns exactly one result per input URL, in input order.
// Failures, timeouts and panics of individual probes become error results.
func (c *Controller) ScanBatch(ctx context.Context, urls []string, opts BatchOptions) []domain.ProbeResult {
	results := make([]domain.ProbeResult, len(urls))
	if len(urls) == 0 {
		return results
	}

	size := opts.Concurrency
	if size <= 0 {
		size = DefaultConcurrency
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	for start := 0; start < len(urls); start += size {
		end := start + size
		if end > len(urls) {
			end = len(urls)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = c.probeOne(ctx, urls[i], timeout)
			}(i)
		}
		wg.Wait()

		if opts.OnProgress != nil {
			settled := make([]domain.ProbeResult, end)
			copy(settled, results[:end])
			opts.OnProgress(Progress{Completed: end, Total: len(urls), Results: settled})
		}
	}
	return results
}

func (c *Controller) probeOne(ctx context.Context, url string, timeout time.Duration) (res domain.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.ErrorResult(url, fmt.Errorf("probe panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := c.prober.Probe(ctx, url)
	if err != nil {
		return domain.ErrorResult(url, err)
	}
	if r.URL == "" {
		r.URL = url
	}
	return r
}
