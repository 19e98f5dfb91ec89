package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/pool"
	"github.com/MrSnakeDoc/probeswarm/internal/probe"
	redisstore "github.com/MrSnakeDoc/probeswarm/internal/store/redis"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

type funcProber func(ctx context.Context, url string) (domain.ProbeResult, error)

func (f funcProber) Probe(ctx context.Context, url string) (domain.ProbeResult, error) {
	return f(ctx, url)
}

type staticGate bool

func (g staticGate) IsEnabled() bool { return bool(g) }

type fixture struct {
	store   *redisstore.Store
	pool    *pool.Pool
	svc     *Service
	remote  *workerclient.Client
	localN  *atomic.Int32
	release chan struct{} // nil means local probes never block
}

type fixtureOpts struct {
	workerClient *http.Client
	blockLocal   bool
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("error", false)
	store := redisstore.NewStore(client)
	p := pool.New(store, nil, workerclient.MustDefaultClassifier(), log, pool.Options{})

	f := &fixture{store: store, pool: p, localN: &atomic.Int32{}}
	if fo.blockLocal {
		f.release = make(chan struct{})
	}
	local := probe.NewController(funcProber(func(ctx context.Context, url string) (domain.ProbeResult, error) {
		f.localN.Add(1)
		if f.release != nil {
			select {
			case <-f.release:
			case <-ctx.Done():
				return domain.ProbeResult{}, ctx.Err()
			}
		}
		if strings.Contains(url, "missing") {
			return domain.ProbeResult{URL: url, Status: 404}, nil
		}
		return domain.ProbeResult{URL: url, Status: 200, ContentType: "text/html", Size: 10}, nil
	}), time.Minute)

	f.remote = workerclient.New(workerclient.Options{HTTPClient: fo.workerClient, CallTimeout: 5 * time.Second})
	f.svc = New(store, p, f.remote, local, staticGate(true), log, Options{MaxAttempts: 3})
	t.Cleanup(func() {
		if f.release != nil {
			select {
			case <-f.release:
			default:
				close(f.release)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return f
}

func waitForStatus(t *testing.T, svc *Service, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := svc.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == want && !svc.IsRunning(id) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %s, want %s", id, task.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newWorkerServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func okWorker(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URLs []string `json:"urls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		results := make([]domain.ProbeResult, len(req.URLs))
		for i, u := range req.URLs {
			results[i] = domain.ProbeResult{URL: u, Status: 204}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

func TestLocalFallbackWithoutWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	task, err := f.svc.CreateTask(ctx, CreateRequest{
		Name:        "three urls",
		Target:      "example.com",
		URLTemplate: "https://{domain}/a\nhttps://{domain}/b\nhttps://{domain}/missing",
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := waitForStatus(t, f.svc, task.ID, domain.TaskCompleted)
	if done.TotalURLs != 3 || done.ScannedURLs != 3 || done.Hits != 2 {
		t.Errorf("task = %+v", done)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}

	results, total, err := f.svc.Results(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(results) != 3 {
		t.Fatalf("results = %d/%d", len(results), total)
	}
	for _, r := range results {
		if r.Source != SourceLocal || r.Domain != "example.com" {
			t.Errorf("result = %+v", r)
		}
	}
	if f.localN.Load() != 3 {
		t.Errorf("local probes = %d", f.localN.Load())
	}
}

func TestRemoteChunksSpreadAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	ts := newWorkerServer(t, okWorker(&calls))
	f := newFixture(t, fixtureOpts{workerClient: ts.Client()})

	w1, err := f.pool.AddWorker(ctx, ts.URL+"/one", 1000)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := f.pool.AddWorker(ctx, ts.URL+"/two", 1000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.store.AddDomains(ctx, []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com", "e.example.com"}); err != nil {
		t.Fatal(err)
	}
	task, err := f.svc.CreateTask(ctx, CreateRequest{
		Target:      domain.TargetAll,
		URLTemplate: "https://{domain}/1\nhttps://{domain}/2\nhttps://{domain}/3\nhttps://{domain}/4\nhttps://{domain}/5",
		Concurrency: 25,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, f.svc, task.ID, domain.TaskCompleted)
	if done.TotalURLs != 25 || done.ScannedURLs != 25 || done.Hits != 25 {
		t.Errorf("task = %+v", done)
	}
	if c := calls.Load(); c != 3 {
		t.Errorf("worker calls = %d, want 3 chunks", c)
	}
	if f.localN.Load() != 0 {
		t.Errorf("local probes = %d, want 0", f.localN.Load())
	}

	a, _ := f.pool.Get(w1.ID)
	b, _ := f.pool.Get(w2.ID)
	if a.DailyUsage+b.DailyUsage != 25 || a.DailyUsage == 0 || b.DailyUsage == 0 {
		t.Errorf("usage = %d + %d", a.DailyUsage, b.DailyUsage)
	}

	unscanned, err := f.store.UnscannedDomains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unscanned) != 0 {
		t.Errorf("unscanned after completion = %v", unscanned)
	}
}

func TestBlockedWorkerDisabledAndTaskCompletes(t *testing.T) {
	ctx := context.Background()
	ts := newWorkerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("error code: 1020 access denied"))
	})
	f := newFixture(t, fixtureOpts{workerClient: ts.Client()})

	worker, err := f.pool.AddWorker(ctx, ts.URL, 1000)
	if err != nil {
		t.Fatal(err)
	}
	task, err := f.svc.CreateTask(ctx, CreateRequest{Target: "example.org", URLTemplate: "https://{domain}/x\nhttps://{domain}/y"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, f.svc, task.ID, domain.TaskCompleted)
	if done.ScannedURLs != 2 {
		t.Errorf("scanned = %d", done.ScannedURLs)
	}

	w, err := f.pool.Get(worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !w.PermanentlyDisabled || w.DisabledReason == "" {
		t.Errorf("worker after block = %+v", w)
	}
	stored, err := f.store.ListWorkers(ctx)
	if err != nil || len(stored) != 1 || stored[0].ID != worker.ID || !stored[0].PermanentlyDisabled {
		t.Errorf("stored workers = %+v, %v", stored, err)
	}
	if f.localN.Load() != 2 {
		t.Errorf("local probes = %d, want 2", f.localN.Load())
	}
}

func TestTransientWorkerFailureRetriesAnotherWorker(t *testing.T) {
	ctx := context.Background()
	var goodCalls atomic.Int32
	good := okWorker(&goodCalls)
	ts := newWorkerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/flaky") {
			http.Error(w, "overloaded", http.StatusBadGateway)
			return
		}
		good(w, r)
	})
	f := newFixture(t, fixtureOpts{workerClient: ts.Client()})

	flaky, err := f.pool.AddWorker(ctx, ts.URL+"/flaky", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.pool.AddWorker(ctx, ts.URL+"/good", 1000); err != nil {
		t.Fatal(err)
	}

	task, err := f.svc.CreateTask(ctx, CreateRequest{Target: "example.net", URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.svc, task.ID, domain.TaskCompleted)

	w, _ := f.pool.Get(flaky.ID)
	if w.ErrorCount != 1 || w.PermanentlyDisabled {
		t.Errorf("flaky worker = %+v", w)
	}
	if goodCalls.Load() != 1 || f.localN.Load() != 0 {
		t.Errorf("good calls = %d, local = %d", goodCalls.Load(), f.localN.Load())
	}
}

func TestStartRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{blockLocal: true})

	task, err := f.svc.CreateTask(ctx, CreateRequest{Target: "example.com", URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); !errors.Is(err, domain.ErrTaskAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrTaskAlreadyRunning", err)
	}
	if _, err := f.svc.ResetAll(ctx); !errors.Is(err, domain.ErrTasksRunning) {
		t.Errorf("ResetAll while running error = %v, want ErrTasksRunning", err)
	}

	close(f.release)
	done := waitForStatus(t, f.svc, task.ID, domain.TaskCompleted)

	if _, err := f.svc.Start(ctx, task.ID); !errors.Is(err, domain.ErrTaskNotPending) {
		t.Errorf("Start on completed error = %v, want ErrTaskNotPending", err)
	}
	if _, err := f.svc.Start(ctx, "missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Start on unknown error = %v, want ErrTaskNotFound", err)
	}

	again, _ := f.svc.GetTask(ctx, task.ID)
	if again.ScannedURLs != done.ScannedURLs {
		t.Errorf("scanned changed after completion: %d -> %d", done.ScannedURLs, again.ScannedURLs)
	}

	n, err := f.svc.ResetAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetAll() = %d, %v", n, err)
	}
	reset, _ := f.svc.GetTask(ctx, task.ID)
	if reset.Status != domain.TaskPending || reset.ScannedURLs != 0 {
		t.Errorf("after reset = %+v", reset)
	}
	if _, total, _ := f.svc.Results(ctx, task.ID, 0, 0); total != 0 {
		t.Errorf("results after reset = %d", total)
	}
}

func TestStartAutomatedRespectsGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.svc.SetGate(staticGate(false))

	task, err := f.svc.CreateTask(ctx, CreateRequest{Target: "example.com", URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartAutomated(ctx, task.ID); !errors.Is(err, domain.ErrAutomationDisabled) {
		t.Fatalf("StartAutomated() error = %v, want ErrAutomationDisabled", err)
	}
	still, _ := f.svc.GetTask(ctx, task.ID)
	if still.Status != domain.TaskPending {
		t.Errorf("status = %s, want pending", still.Status)
	}

	// manual start bypasses the gate
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, f.svc, task.ID, domain.TaskCompleted)
}

func TestExpansionFailureFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	task, err := f.svc.CreateTask(ctx, CreateRequest{Target: "bad host.com", URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	failed := waitForStatus(t, f.svc, task.ID, domain.TaskFailed)
	if failed.Error == "" || failed.CompletedAt == nil {
		t.Errorf("failed task = %+v", failed)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	tests := []CreateRequest{
		{URLTemplate: ""},
		{URLTemplate: "https://static.example/"},
		{URLTemplate: "https://{domain}/", Concurrency: -1},
		{URLTemplate: "https://{domain}/", Concurrency: domain.MaxConcurrency + 1},
	}
	for _, req := range tests {
		if _, err := f.svc.CreateTask(ctx, req); !errors.Is(err, domain.ErrInvalidTask) {
			t.Errorf("CreateTask(%+v) error = %v, want ErrInvalidTask", req, err)
		}
	}

	task, err := f.svc.CreateTask(ctx, CreateRequest{URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Target != domain.TargetAll || task.Concurrency != domain.DefaultConcurrency || task.Name == "" || task.Status != domain.TaskPending {
		t.Errorf("defaults = %+v", task)
	}
}

func TestResolveDomains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	if _, err := f.store.AddDomains(ctx, []string{"a.example.com", "b.example.com", "example.com", "other.org"}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkScanned(ctx, []string{"a.example.com", "other.org"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		task domain.Task
		want []string
	}{
		{name: "all", task: domain.Task{Target: "all"}, want: []string{"a.example.com", "b.example.com", "example.com", "other.org"}},
		{name: "all incremental", task: domain.Task{Target: "all", Incremental: true}, want: []string{"b.example.com", "example.com"}},
		{name: "wildcard and exact", task: domain.Task{Target: "*.example.com, Direct.NET"}, want: []string{"a.example.com", "b.example.com", "direct.net"}},
		{name: "wildcard incremental", task: domain.Task{Target: "*.example.com,other.org", Incremental: true}, want: []string{"b.example.com"}},
		{name: "duplicates", task: domain.Task{Target: "x.io,x.io"}, want: []string{"x.io"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.resolveDomains(ctx, tt.task)
			if err != nil {
				t.Fatal(err)
			}
			sort.Strings(got)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("resolveDomains() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandSharedURLOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name     string
		template string
		want     int
	}{
		{name: "shared tld", template: "https://{tld}.example/", want: 1},
		{name: "shared and distinct", template: "https://{tld}.example/\nhttps://{domain}/", want: 3},
		{name: "distinct", template: "https://{domain}/", want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := domain.Task{Target: "a.shop.io,b.shop.io", URLTemplate: tt.template}
			targets, domains, err := f.svc.expand(ctx, task)
			if err != nil {
				t.Fatal(err)
			}
			if len(targets) != tt.want {
				t.Fatalf("expand() = %d targets, want %d", len(targets), tt.want)
			}
			seen := map[string]bool{}
			for _, tg := range targets {
				if seen[tg.url] {
					t.Errorf("url %s expanded twice", tg.url)
				}
				seen[tg.url] = true
			}
			if targets[0].domain != domains[0] {
				t.Errorf("shared url owned by %s, want %s", targets[0].domain, domains[0])
			}
		})
	}
}

func TestRecoverFailsStaleRunningTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	task, err := f.svc.CreateTask(ctx, CreateRequest{URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	// left running by a previous process
	if _, err := f.store.StartTask(ctx, task.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	n, err := f.svc.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v", n, err)
	}
	got, _ := f.svc.GetTask(ctx, task.ID)
	if got.Status != domain.TaskFailed || got.Error == "" {
		t.Errorf("recovered task = %+v", got)
	}
}

func TestShutdownRefusesNewStarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	task, err := f.svc.CreateTask(ctx, CreateRequest{URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("Start after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownDeadlineFailsRunningTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{blockLocal: true})

	task, err := f.svc.CreateTask(ctx, CreateRequest{Target: "example.com", URLTemplate: "https://{domain}/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := f.svc.Shutdown(sctx); err == nil {
		t.Fatal("Shutdown() returned nil while a task was blocked")
	}
	got, _ := f.svc.GetTask(ctx, task.ID)
	if got.Status != domain.TaskFailed {
		t.Errorf("status after forced shutdown = %s, want failed", got.Status)
	}
}
