package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"refreshbot/internal/controller"
	"refreshbot/internal/eventbus"
	"refreshbot/internal/storage"
	"refreshbot/internal/task/policy"
	"refreshbot/internal/task/queue"
	"refreshbot/pkg/logx"
)

type fakeEngine struct {
	bus eventbus.Bus

	mu        sync.Mutex
	state     controller.State
	startErr  error
	enqErr    error
	enqAdded  bool
	enqueued  []string
	prios     []*queue.Priority
	configErr error

	// afterSubscribe runs once a stream has subscribed and taken its state.
	afterSubscribe func(f *fakeEngine)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		bus: eventbus.New(),
		state: controller.State{
			Status: controller.StatusIdle,
			Phase:  controller.PhaseNone,
			Config: controller.Config{MaxPerDay: 5, QualityThreshold: 70},
			Queue:  []queue.Item{},
		},
		enqAdded: true,
	}
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.state.Status != controller.StatusIdle {
		return controller.ErrInvalidTransition
	}
	f.state.Status = controller.StatusRunning
	return nil
}

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Status == controller.StatusIdle {
		return controller.ErrNotRunning
	}
	f.state.Status = controller.StatusIdle
	return nil
}

func (f *fakeEngine) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Status != controller.StatusRunning {
		return controller.ErrInvalidTransition
	}
	f.state.Status = controller.StatusPaused
	return nil
}

func (f *fakeEngine) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Status != controller.StatusPaused {
		return controller.ErrInvalidTransition
	}
	f.state.Status = controller.StatusRunning
	return nil
}

func (f *fakeEngine) Configure(cfg controller.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	f.state.Config = cfg
	return nil
}

func (f *fakeEngine) Enqueue(_ context.Context, rawURL string, p *queue.Priority) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqErr != nil {
		return false, f.enqErr
	}
	f.enqueued = append(f.enqueued, rawURL)
	f.prios = append(f.prios, p)
	return f.enqAdded, nil
}

func (f *fakeEngine) Snapshot() controller.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *fakeEngine) SubscribeState(buffer int) (controller.State, <-chan eventbus.Event, func()) {
	f.mu.Lock()
	ch, unsub := f.bus.Subscribe(buffer)
	st := f.state.Clone()
	hook := f.afterSubscribe
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return st, ch, unsub
}

// emit folds d into the engine state and publishes it, like the controller.
func (f *fakeEngine) emit(d controller.Delta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Apply(d)
	f.bus.Publish(eventbus.Event{Type: eventbus.TypeStateDelta, Data: d})
}

// with runs fn under the engine lock; handlers run on server goroutines.
func (f *fakeEngine) with(fn func(f *fakeEngine)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeEngine) prio(i int) *queue.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prios[i]
}

func newTestServer(t *testing.T, eng Engine, hist HistoryReader, token string) *httptest.Server {
	t.Helper()
	s := New(Config{Token: token, Heartbeat: 50 * time.Millisecond}, eng, hist, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, hdr ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&m)
	return resp, m
}

func TestLifecycleCommands(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestServer(t, eng, nil, "")

	steps := []struct {
		path string
		code int
		want controller.Status
	}{
		{"/api/pause", http.StatusConflict, controller.StatusIdle},
		{"/api/start", http.StatusOK, controller.StatusRunning},
		{"/api/start", http.StatusConflict, controller.StatusRunning},
		{"/api/pause", http.StatusOK, controller.StatusPaused},
		{"/api/resume", http.StatusOK, controller.StatusRunning},
		{"/api/stop", http.StatusOK, controller.StatusIdle},
		{"/api/stop", http.StatusConflict, controller.StatusIdle},
	}
	for _, st := range steps {
		resp, _ := do(t, http.MethodPost, ts.URL+st.path, "")
		if resp.StatusCode != st.code {
			t.Fatalf("%s: code=%d want %d", st.path, resp.StatusCode, st.code)
		}
		if got := eng.Snapshot().Status; got != st.want {
			t.Fatalf("%s: status=%s want %s", st.path, got, st.want)
		}
	}
}

func TestFatalStartIs422(t *testing.T) {
	eng := newFakeEngine()
	eng.with(func(f *fakeEngine) { f.startErr = policy.Fatal(errors.New("pipeline has no credentials")) })
	ts := newTestServer(t, eng, nil, "")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/start", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	if !strings.Contains(body["error"].(string), "credentials") {
		t.Fatalf("error=%v", body["error"])
	}
}

func TestEnqueue(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestServer(t, eng, nil, "")

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/queue", `{"url":"https://example.com/a","priority":"critical"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	if p := eng.prio(0); p == nil || *p != queue.PriorityCritical {
		t.Fatalf("priority=%v", p)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/queue", `{"url":"https://example.com/b"}`)
	if resp.StatusCode != http.StatusCreated || eng.prio(1) != nil {
		t.Fatalf("code=%d prio=%v", resp.StatusCode, eng.prio(1))
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/queue", `{"url":"https://example.com/c","priority":"urgent"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown priority code=%d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/queue", `{"url":"x","extra":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field code=%d", resp.StatusCode)
	}

	eng.with(func(f *fakeEngine) { f.enqAdded = false })
	resp, body := do(t, http.MethodPost, ts.URL+"/api/queue", `{"url":"https://example.com/a"}`)
	if resp.StatusCode != http.StatusOK || body["added"] != false {
		t.Fatalf("duplicate code=%d body=%v", resp.StatusCode, body)
	}

	cases := map[error]int{
		queue.ErrInvalidURL:    http.StatusBadRequest,
		queue.ErrExcluded:      http.StatusBadRequest,
		controller.ErrBusy:     http.StatusServiceUnavailable,
		controller.ErrDeferred: http.StatusAccepted,
	}
	for err, code := range cases {
		eng.with(func(f *fakeEngine) { f.enqErr = err })
		resp, _ := do(t, http.MethodPost, ts.URL+"/api/queue", `{"url":"https://example.com/z"}`)
		if resp.StatusCode != code {
			t.Fatalf("%v: code=%d want %d", err, resp.StatusCode, code)
		}
	}
}

func TestConfigMergesPartialBody(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestServer(t, eng, nil, "")

	resp, _ := do(t, http.MethodPut, ts.URL+"/api/config", `{"maxPerDay": 9}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	want := controller.Config{MaxPerDay: 9, QualityThreshold: 70}
	if diff := cmp.Diff(want, eng.Snapshot().Config); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	eng.with(func(f *fakeEngine) { f.configErr = errors.New("maxPerDay must be positive") })
	resp, _ = do(t, http.MethodPut, ts.URL+"/api/config", `{"maxPerDay": 0}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config code=%d", resp.StatusCode)
	}
}

func TestHistoryFromStore(t *testing.T) {
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		if err := store.AppendHistory(ctx, storage.HistoryRecord{URL: u, Action: storage.ActionPublished, At: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	ts := newTestServer(t, newFakeEngine(), store, "")

	resp, err := http.Get(ts.URL + "/api/history?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []storage.HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].URL != "https://example.com/3" {
		t.Fatalf("history=%+v", recs)
	}

	bad, _ := do(t, http.MethodGet, ts.URL+"/api/history?limit=-1", "")
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit code=%d", bad.StatusCode)
	}
}

func TestTokenRequired(t *testing.T) {
	ts := newTestServer(t, newFakeEngine(), nil, "s3cret")

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/state", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodGet, ts.URL+"/api/state", "", "Authorization", "Bearer s3cret")
	if resp.StatusCode != http.StatusOK || body["status"] != "idle" {
		t.Fatalf("code=%d body=%v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz code=%d", resp.StatusCode)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	off := newTestServer(t, newFakeEngine(), nil, "")
	resp, _ := do(t, http.MethodGet, off.URL+"/debug/pprof/", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof off: code=%d", resp.StatusCode)
	}

	s := New(Config{Pprof: true}, newFakeEngine(), nil, logx.Nop())
	on := httptest.NewServer(s.Handler())
	defer on.Close()
	r, err := http.Get(on.URL + "/debug/pprof/goroutine?debug=1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("pprof on: code=%d", r.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestServer(t, eng, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	published := false
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			if name == "state" && !published {
				published = true
				eng.bus.Publish(eventbus.Event{Type: eventbus.TypeActivity, Data: controller.Activity{Message: "hello"}})
			}
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "hello") {
			break
		}
	}
	if diff := cmp.Diff([]string{"state", eventbus.TypeActivity}, events); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestEventStreamFoldsEachDeltaOnce(t *testing.T) {
	eng := newFakeEngine()
	eng.with(func(f *fakeEngine) {
		f.state.Stats.TotalProcessed = 4
		f.afterSubscribe = func(f *fakeEngine) {
			f.emit(controller.Delta{Counters: &controller.Counters{TotalProcessed: 1, SuccessCount: 1}})
		}
	})
	ts := newTestServer(t, eng, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var folded controller.State
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	event := ""
	for deltas := 0; deltas < 1 && sc.Scan(); {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		switch event {
		case "state":
			if err := json.Unmarshal([]byte(data), &folded); err != nil {
				t.Fatalf("state: %v", err)
			}
		case eventbus.TypeStateDelta:
			var d controller.Delta
			if err := json.Unmarshal([]byte(data), &d); err != nil {
				t.Fatalf("delta: %v", err)
			}
			folded.Apply(d)
			deltas++
		}
	}

	want := eng.Snapshot().Stats
	if folded.Stats.TotalProcessed != want.TotalProcessed || folded.Stats.SuccessCount != want.SuccessCount {
		t.Fatalf("folded total=%d success=%d, engine total=%d success=%d",
			folded.Stats.TotalProcessed, folded.Stats.SuccessCount, want.TotalProcessed, want.SuccessCount)
	}
}

func TestShutdownEndsEventStreams(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Heartbeat: time.Hour}, newFakeEngine(), nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() && sc.Text() != "event: state" {
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v after %s", err, time.Since(start))
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Shutdown took %s", took)
	}
}
