package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/probeswarm/internal/app"
	"github.com/MrSnakeDoc/probeswarm/internal/config"
	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	t      *testing.T
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		ShutdownTimeout:     5 * time.Second,
		WorkerDefaultQuota:  1000,
		WorkerHealthTimeout: time.Second,
		WorkerCallTimeout:   2 * time.Second,
		WorkerMaxAttempts:   2,
		ProbeTimeout:        2 * time.Second,
		ProbeMethod:         http.MethodGet,
		ProbePreviewBytes:   16,
		ProbeUserAgent:      "probeswarm-test",
		ScanConcurrency:     5,
		AutomationTick:      time.Hour,
		IncrementalEnabled:  true,
		IncrementalInterval: time.Hour,
		RescanInterval:      24 * time.Hour,
		AutomationTemplate:  "https://{domain}/",
		RateLimitBurst:      1000,
		RateLimitPerMin:     1000,
	}

	a := app.Build(cfg, logger.New("error", false), client)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return &harness{t: t, server: srv}
}

func (h *harness) do(method, path, body string) (int, apiResponse) {
	h.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	if err != nil {
		h.t.Fatal(err)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out apiResponse
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			h.t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, out
}

func (h *harness) mustOK(method, path, body string, into any) apiResponse {
	h.t.Helper()
	status, resp := h.do(method, path, body)
	if status != http.StatusOK || !resp.Success {
		h.t.Fatalf("%s %s = %d %+v", method, path, status, resp)
	}
	if into != nil {
		if err := json.Unmarshal(resp.Data, into); err != nil {
			h.t.Fatalf("decode data: %v", err)
		}
	}
	return resp
}

// target serves the probed site.
func newTarget(t *testing.T) (host, port string) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello from target"))
	}))
	t.Cleanup(ts.Close)
	u, _ := url.Parse(ts.URL)
	return u.Hostname(), u.Port()
}

func TestScanFallsBackToLocalWhenWorkerIsUnreachable(t *testing.T) {
	h := newHarness(t)
	host, port := newTarget(t)

	var worker domain.Worker
	h.mustOK(http.MethodPost, "/api/workers", `{"url":"https://127.0.0.1:1","quota":100}`, &worker)

	h.mustOK(http.MethodPost, "/api/domains", `{"domains":["`+host+`"]}`, nil)

	var task struct {
		ID     string            `json:"id"`
		Status domain.TaskStatus `json:"status"`
	}
	body := `{"name":"e2e","target":"all","url_template":"http://{domain}:` + port + `/ok\nhttp://{domain}:` + port + `/missing"}`
	h.mustOK(http.MethodPost, "/api/tasks", body, &task)
	if task.Status != domain.TaskPending {
		t.Fatalf("created status = %s", task.Status)
	}

	h.mustOK(http.MethodPost, "/api/tasks/"+task.ID+"/start", "", nil)

	var done domain.Task
	deadline := time.Now().Add(10 * time.Second)
	for {
		h.mustOK(http.MethodGet, "/api/tasks/"+task.ID, "", &done)
		if domain.IsTerminalStatus(done.Status) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task still %s", done.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if done.Status != domain.TaskCompleted || done.ScannedURLs != 2 || done.Hits != 1 {
		t.Fatalf("task = %+v", done)
	}

	var page struct {
		Results []domain.Result `json:"results"`
		Total   int64           `json:"total"`
	}
	h.mustOK(http.MethodGet, "/api/tasks/"+task.ID+"/results?limit=10", "", &page)
	if page.Total != 2 || len(page.Results) != 2 {
		t.Fatalf("results = %+v", page)
	}
	for _, r := range page.Results {
		if r.Source != "local" {
			t.Errorf("result source = %q, want local", r.Source)
		}
	}

	var pool struct {
		Workers []domain.Worker `json:"workers"`
	}
	h.mustOK(http.MethodGet, "/api/workers", "", &pool)
	if len(pool.Workers) != 1 || pool.Workers[0].ErrorCount != 2 || pool.Workers[0].PermanentlyDisabled {
		t.Errorf("worker after transient failures = %+v", pool.Workers)
	}

	status, resp := h.do(http.MethodPost, "/api/tasks/"+task.ID+"/start", "")
	if status != http.StatusConflict || resp.Success {
		t.Errorf("restart completed task = %d %+v", status, resp)
	}

	var counts struct {
		Total     int64 `json:"total"`
		Unscanned int64 `json:"unscanned"`
	}
	h.mustOK(http.MethodGet, "/api/domains", "", &counts)
	if counts.Total != 1 || counts.Unscanned != 0 {
		t.Errorf("domain counts = %+v", counts)
	}

	h.mustOK(http.MethodPost, "/api/tasks/reset", "", nil)
	h.mustOK(http.MethodGet, "/api/tasks/"+task.ID, "", &done)
	if done.Status != domain.TaskPending || done.ScannedURLs != 0 {
		t.Errorf("after reset = %+v", done)
	}

	h.mustOK(http.MethodDelete, "/api/tasks/"+task.ID, "", nil)
	if status, _ := h.do(http.MethodGet, "/api/tasks/"+task.ID, ""); status != http.StatusNotFound {
		t.Errorf("deleted task lookup = %d, want 404", status)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantMsg    string
	}{
		{"empty body", http.MethodPost, "/api/workers", "", 400, "Request body is empty"},
		{"whitespace body", http.MethodPost, "/api/tasks", "  \n", 400, "Request body is empty"},
		{"malformed json", http.MethodPost, "/api/automation", "{nope", 400, "Invalid JSON in request body"},
		{"bad automation action", http.MethodPost, "/api/automation", `{"action":"pause"}`, 400, "Invalid action. Must be: enable, disable, toggle"},
		{"bad scheduler action", http.MethodPost, "/api/scheduler", `{"action":"restart"}`, 400, "Invalid action. Must be: start, stop, update-config"},
		{"bad trigger type", http.MethodPost, "/api/scheduler/trigger", `{"type":"weekly"}`, 400, "Invalid type. Must be: incremental, rescan"},
		{"bad worker action", http.MethodPost, "/api/workers/abc", `{"action":"nuke"}`, 400, "Invalid action. Must be: enable, disable, reset-quota, update-quota"},
		{"plain http worker", http.MethodPost, "/api/workers", `{"url":"http://probe.example.dev"}`, 400, ""},
		{"negative quota", http.MethodPost, "/api/workers", `{"url":"https://probe.example.dev","quota":-1}`, 400, "quota must not be negative"},
		{"unknown worker", http.MethodPost, "/api/workers/abc", `{"action":"enable"}`, 404, ""},
		{"unknown task", http.MethodGet, "/api/tasks/nope", "", 404, ""},
		{"delete unknown task", http.MethodDelete, "/api/tasks/nope", "", 404, ""},
		{"start unknown task", http.MethodPost, "/api/tasks/nope/start", "", 404, ""},
		{"template without placeholder", http.MethodPost, "/api/tasks", `{"url_template":"https://static.example/"}`, 400, ""},
		{"short interval", http.MethodPost, "/api/scheduler", `{"action":"update-config","incrementalInterval":1000}`, 400, ""},
		{"bad results limit", http.MethodGet, "/api/tasks/x/results?limit=zero", "", 400, "Invalid limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := h.do(tt.method, tt.path, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.wantStatus, resp)
			}
			if resp.Success {
				t.Error("success = true on a rejected request")
			}
			if tt.wantMsg != "" && resp.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", resp.Message, tt.wantMsg)
			}
		})
	}
}

func TestWorkerAdministration(t *testing.T) {
	h := newHarness(t)

	var w domain.Worker
	h.mustOK(http.MethodPost, "/api/workers", `{"url":"https://probe.example.dev/"}`, &w)
	if w.DailyQuota != 1000 || w.URL != "https://probe.example.dev" {
		t.Fatalf("worker = %+v", w)
	}

	status, _ := h.do(http.MethodPost, "/api/workers", `{"url":"https://PROBE.example.dev"}`)
	if status != http.StatusConflict {
		t.Errorf("duplicate add = %d, want 409", status)
	}

	h.mustOK(http.MethodPost, "/api/workers/"+w.ID, `{"action":"update-quota","quota":0}`, &w)
	if w.DailyQuota != 0 {
		t.Errorf("quota = %d", w.DailyQuota)
	}
	h.mustOK(http.MethodPost, "/api/workers/"+w.ID, `{"action":"disable"}`, &w)
	if !w.Disabled {
		t.Error("worker not disabled")
	}
	h.mustOK(http.MethodPost, "/api/workers/"+w.ID, `{"action":"enable"}`, &w)
	if w.Disabled || w.PermanentlyDisabled {
		t.Error("worker not enabled")
	}

	var stats struct {
		Stats domain.PoolStats `json:"stats"`
	}
	h.mustOK(http.MethodGet, "/api/workers", "", &stats)
	if stats.Stats.TotalWorkers != 1 || stats.Stats.EligibleWorkers != 0 {
		t.Errorf("stats = %+v", stats.Stats)
	}

	var sum struct {
		Workers int `json:"workers"`
	}
	h.mustOK(http.MethodPost, "/api/workers/reload", "", &sum)
	if sum.Workers != 1 {
		t.Errorf("reload workers = %d", sum.Workers)
	}

	var ping struct {
		Healthy bool `json:"healthy"`
	}
	h.mustOK(http.MethodPost, "/api/workers/test", `{"url":"https://127.0.0.1:1"}`, &ping)
	if ping.Healthy {
		t.Error("unreachable worker reported healthy")
	}

	h.mustOK(http.MethodDelete, "/api/workers/"+w.ID, "", nil)
	if status, _ := h.do(http.MethodDelete, "/api/workers/"+w.ID, ""); status != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", status)
	}
}

func TestAutomationAndScheduler(t *testing.T) {
	h := newHarness(t)

	var st domain.AutomationState
	h.mustOK(http.MethodPost, "/api/automation", `{"action":"disable"}`, &st)
	if st.Enabled || st.LastPaused == nil {
		t.Fatalf("after disable = %+v", st)
	}
	var again domain.AutomationState
	h.mustOK(http.MethodGet, "/api/automation", "", &again)
	if !again.LastPaused.Equal(*st.LastPaused) {
		t.Errorf("lastPaused changed between reads: %v vs %v", st.LastPaused, again.LastPaused)
	}

	status, _ := h.do(http.MethodPost, "/api/scheduler/trigger", `{"type":"incremental"}`)
	if status != http.StatusConflict {
		t.Errorf("trigger while disabled = %d, want 409", status)
	}

	h.mustOK(http.MethodPost, "/api/automation", `{"action":"toggle"}`, &st)
	if !st.Enabled {
		t.Fatal("toggle did not re-enable")
	}

	var sched struct {
		Started            bool  `json:"started"`
		RescanEnabled      bool  `json:"rescan_enabled"`
		RescanIntervalMs   int64 `json:"rescan_interval_ms"`
		IncrementalEnabled bool  `json:"incremental_enabled"`
	}
	h.mustOK(http.MethodPost, "/api/scheduler", `{"action":"update-config","rescanEnabled":true,"rescanInterval":7200000}`, &sched)
	if !sched.RescanEnabled || sched.RescanIntervalMs != 7200000 || !sched.IncrementalEnabled {
		t.Errorf("scheduler = %+v", sched)
	}

	h.mustOK(http.MethodPost, "/api/scheduler", `{"action":"start"}`, &sched)
	if !sched.Started {
		t.Error("scheduler not started")
	}

	var tasks []domain.Task
	deadline := time.Now().Add(5 * time.Second)
	for len(tasks) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		h.mustOK(http.MethodGet, "/api/tasks", "", &tasks)
	}
	if len(tasks) != 2 {
		t.Errorf("scheduled tasks = %d, want 2", len(tasks))
	}

	h.mustOK(http.MethodPost, "/api/scheduler", `{"action":"stop"}`, &sched)
	if sched.Started {
		t.Error("scheduler not stopped")
	}
}

func TestInfraEndpoints(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := h.server.Client().Get(h.server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}

	resp, err := h.server.Client().Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "probeswarm_workers") {
		t.Error("metrics missing probeswarm_workers")
	}

	var preview struct {
		URLs []string `json:"urls"`
	}
	h.mustOK(http.MethodPost, "/api/template/preview", `{"template":"https://{domain}/a,https://{sld}.net/"}`, &preview)
	if len(preview.URLs) != 2 || preview.URLs[1] != "https://example.net/" {
		t.Errorf("preview = %v", preview.URLs)
	}
}
