package controller

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"refreshbot/internal/storage"
	"refreshbot/internal/task/queue"
	"refreshbot/pkg/logx"
)

type fakeSource struct {
	origins []string
	urls    []string
	err     error
	calls   atomic.Int32
}

func (s *fakeSource) Origins() []string { return s.origins }

func (s *fakeSource) Candidates(context.Context) ([]string, error) {
	s.calls.Add(1)
	return slices.Clone(s.urls), s.err
}

type fakeScorer struct {
	scores map[string]int
}

func (s *fakeScorer) Score(_ context.Context, url string) (HealthReport, error) {
	v, ok := s.scores[url]
	if !ok {
		return HealthReport{}, errors.New("unreachable")
	}
	return HealthReport{Score: v}, nil
}

type fakePipeline struct {
	noCreds bool
	gen     func(ctx context.Context, kw string, n int) (Content, error)

	mu   sync.Mutex
	urls []string
}

func (p *fakePipeline) HasCredentials() bool { return !p.noCreds }

func (p *fakePipeline) Generate(ctx context.Context, kw string, opts GenerateOptions) (Content, error) {
	p.mu.Lock()
	p.urls = append(p.urls, opts.URL)
	n := len(p.urls)
	p.mu.Unlock()
	if p.gen != nil {
		return p.gen(ctx, kw, n)
	}
	return goodContent(kw, 90), nil
}

func (p *fakePipeline) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.urls)
}

type fakePublisher struct {
	mu   sync.Mutex
	urls []string
}

func (p *fakePublisher) Publish(_ context.Context, it queue.Item, c Content) (PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, it.URL)
	return PublishResult{PublishedURL: "https://example.com/p/" + c.Slug}, nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.urls)
}

func goodContent(kw string, quality int) Content {
	return Content{
		Title:        kw,
		Slug:         strings.ReplaceAll(kw, " ", "-"),
		HTML:         "<p>" + kw + "</p>",
		QualityScore: quality,
		WordCount:    120,
	}
}

func testTimings() Timings {
	return Timings{
		PauseCheck:       5 * time.Millisecond,
		OffHoursCheck:    10 * time.Millisecond,
		QuotaWait:        10 * time.Millisecond,
		IdleWait:         10 * time.Millisecond,
		RetryBase:        time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		RetryJitter:      0.1,
		LoopBackoffBase:  time.Millisecond,
		LoopBackoffMax:   5 * time.Millisecond,
		CircuitThreshold: 10,
		CircuitCooldown:  time.Hour,
		ThrottleWindow:   10,
		ScanTimeout:      time.Second,
		ScoreTimeout:     time.Second,
		CallTimeout:      5 * time.Second,
		PersistTimeout:   time.Second,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ActiveHoursStart, cfg.ActiveHoursEnd = 0, 0
	cfg.EnableWeekends = true
	cfg.Timezone = "UTC"
	cfg.ProcessingIntervalMinutes = 0
	cfg.MaxPerDay = 100
	cfg.QualityThreshold = 70
	cfg.AutoPublish = true
	return cfg
}

type harness struct {
	c      *Controller
	source *fakeSource
	scorer *fakeScorer
	pipe   *fakePipeline
	pub    *fakePublisher
	store  storage.Store
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{origins: []string{"https://example.com"}},
		scorer: &fakeScorer{scores: map[string]int{}},
		pipe:   &fakePipeline{},
		pub:    &fakePublisher{},
		store:  storage.NewMemory(),
	}
	h.c = h.build(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.c.Stop(ctx)
	})
	return h
}

func (h *harness) build(cfg Config, opts ...Option) *Controller {
	opts = append([]Option{WithTimings(testTimings())}, opts...)
	return New(cfg, Deps{
		Scorer:    h.scorer,
		Pipeline:  h.pipe,
		Publisher: h.pub,
		Source:    h.source,
		Store:     h.store,
		Log:       logx.Nop(),
	}, opts...)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		if ok, err := h.c.Enqueue(context.Background(), u, nil); !ok || err != nil {
			t.Fatalf("Enqueue(%s) = %v, %v", u, ok, err)
		}
	}
}

func waitFor(t *testing.T, c *Controller, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; status=%s phase=%s stats=%+v", what, s.Status, s.Phase, s.Stats)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func hasActivity(s State, substr string) bool {
	for _, a := range s.Activity {
		if strings.Contains(a.Message, substr) {
			return true
		}
	}
	return false
}
