package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/logger"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestMatchHost(t *testing.T) {
	tests := []struct {
		host, pattern string
		want          bool
	}{
		{"probeswarm.example.com", "probeswarm.example.com", true},
		{"probeswarm.example.com:8080", "probeswarm.example.com", true},
		{"PROBESWARM.example.com", "probeswarm.example.com", true},
		{"api.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"evil-example.com", "*.example.com", false},
		{"other.dev", "probeswarm.example.com", false},
	}
	for _, tt := range tests {
		if got := matchHost(tt.host, tt.pattern); got != tt.want {
			t.Errorf("matchHost(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}

func TestEnforceHostRejectsWithEnvelope(t *testing.T) {
	h := EnforceHost([]string{"probeswarm.local"}, logger.New("error", false))(okHandler)

	req := httptest.NewRequest(http.MethodGet, "http://other.local/api/tasks", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Success || body.Message != "Forbidden" {
		t.Errorf("body = %s (%v)", rec.Body.String(), err)
	}

	req = httptest.NewRequest(http.MethodGet, "http://probeswarm.local:8080/api/tasks", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed host status = %d", rec.Code)
	}
}

func TestAllowOnlyCIDRS(t *testing.T) {
	h := AllowOnlyCIDRS([]string{"10.0.0.0/8"}, false, logger.New("error", false))(okHandler)
	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:5555", http.StatusOK},
		{"192.168.1.1:5555", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestRateLimitPerIP(t *testing.T) {
	h := RateLimit(RateLimitConfig{Burst: 2, RefillPerIPPerMin: 1})(okHandler)

	hit := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := hit("10.0.0.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d refused: %d", i, rec.Code)
		}
	}
	rec := hit("10.0.0.1:1000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", rec.Header())
	}

	if rec := hit("10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("other client refused: %d", rec.Code)
	}
}

func TestIPLimiterSweepsIdleVisitors(t *testing.T) {
	start := time.Now()
	l := newIPLimiter(RateLimitConfig{Burst: 1, RefillPerIPPerMin: 60, IdleTTL: time.Minute, SweepInterval: time.Second}, start)
	l.allow("a", start)
	l.allow("b", start)
	if l.size() != 2 {
		t.Fatalf("size = %d", l.size())
	}

	ok, _, _ := l.allow("c", start.Add(2*time.Minute))
	if !ok {
		t.Error("fresh visitor refused")
	}
	if l.size() != 1 {
		t.Errorf("size after sweep = %d, want 1", l.size())
	}
}
