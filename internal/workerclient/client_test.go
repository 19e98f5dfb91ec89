package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
)

func newTLSWorker(t *testing.T, h http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	ts := httptest.NewTLSServer(h)
	t.Cleanup(ts.Close)
	c := New(Options{HTTPClient: ts.Client(), HealthTimeout: time.Second, CallTimeout: 2 * time.Second, UserAgent: "probeswarm-test"})
	return ts, c
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://w.example/", want: "https://w.example"},
		{in: " https://w.example/base/?q=1 ", want: "https://w.example/base"},
		{in: "http://w.example", wantErr: true},
		{in: "w.example", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ValidateEndpoint(tt.in)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInvalidWorkerURL) {
				t.Errorf("ValidateEndpoint(%q) error = %v, want ErrInvalidWorkerURL", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ValidateEndpoint(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts, c := newTLSWorker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") != "probeswarm-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(int(status.Load()))
	})

	if !c.HealthCheck(context.Background(), ts.URL) {
		t.Error("HealthCheck() = false, want true")
	}
	status.Store(http.StatusServiceUnavailable)
	if c.HealthCheck(context.Background(), ts.URL) {
		t.Error("HealthCheck() on 503 = true, want false")
	}
	if c.HealthCheck(context.Background(), strings.Replace(ts.URL, "https", "http", 1)) {
		t.Error("HealthCheck() on http endpoint = true, want false")
	}
}

func TestPingTimesOut(t *testing.T) {
	release := make(chan struct{})
	ts, _ := newTLSWorker(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := New(Options{HTTPClient: ts.Client(), HealthTimeout: 50 * time.Millisecond})
	ok, elapsed := c.Ping(context.Background(), ts.URL)
	if ok {
		t.Error("Ping() = true on hanging worker")
	}
	if elapsed > time.Second {
		t.Errorf("Ping() took %v, timeout not honoured", elapsed)
	}
}

func TestProbeBatch(t *testing.T) {
	ts, c := newTLSWorker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/probe" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req probeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "GET" || req.TimeoutMs != 1500 || req.Retries != 2 {
			t.Errorf("request options = %+v", req)
		}
		// answer out of order and drop the last url
		var resp probeResponse
		for i := len(req.URLs) - 2; i >= 0; i-- {
			resp.Results = append(resp.Results, domain.ProbeResult{URL: req.URLs[i], Status: 200 + i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	urls := []string{"https://a/", "https://b/", "https://c/"}
	got, err := c.ProbeBatch(context.Background(), ts.URL, urls, ProbeOptions{Method: "GET", Timeout: 1500 * time.Millisecond, Retries: 2})
	if err != nil {
		t.Fatalf("ProbeBatch() error = %v", err)
	}
	if len(got) != len(urls) {
		t.Fatalf("ProbeBatch() len = %d, want %d", len(got), len(urls))
	}
	for i, u := range urls[:2] {
		if got[i].URL != u || got[i].Status != 200+i {
			t.Errorf("result[%d] = %+v", i, got[i])
		}
	}
	if got[2].Status != domain.StatusProbeError || got[2].ContentType != domain.ContentTypeError {
		t.Errorf("missing url result = %+v, want error result", got[2])
	}
}

func TestProbeBatchRejectsOversizedBatch(t *testing.T) {
	c := New(Options{})
	urls := make([]string, domain.MaxURLsPerWorkerCall+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://%d.example/", i)
	}
	if _, err := c.ProbeBatch(context.Background(), "https://w.example", urls, ProbeOptions{}); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("ProbeBatch() error = %v, want ErrBatchTooLarge", err)
	}
}

func TestProbeBatchCallErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantBody   string
	}{
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "error code: 1020", http.StatusForbidden)
			},
			wantStatus: http.StatusForbidden,
			wantBody:   "1020",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "boom",
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			wantStatus: http.StatusOK,
			wantBody:   "{not json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, c := newTLSWorker(t, tt.handler)
			_, err := c.ProbeBatch(context.Background(), ts.URL, []string{"https://a/"}, ProbeOptions{})
			var ce *CallError
			if !errors.As(err, &ce) {
				t.Fatalf("ProbeBatch() error = %v, want *CallError", err)
			}
			if ce.StatusCode != tt.wantStatus || !strings.Contains(ce.Body, tt.wantBody) {
				t.Errorf("CallError = %+v", ce)
			}
		})
	}
}

func TestProbeBatchEmpty(t *testing.T) {
	c := New(Options{})
	got, err := c.ProbeBatch(context.Background(), "https://unused.invalid", nil, ProbeOptions{})
	if err != nil || len(got) != 0 {
		t.Errorf("ProbeBatch(nil) = %v, %v", got, err)
	}
}
