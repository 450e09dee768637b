package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"refreshbot/internal/eventbus"
	"refreshbot/internal/storage"
	"refreshbot/internal/task/policy"
	"refreshbot/internal/task/queue"
	"refreshbot/internal/task/scheduler"
	"refreshbot/pkg/logx"
)

// Deps are the engine's collaborators. Store backs the queue snapshot and,
// when it also implements HistorySink, the history log.
type Deps struct {
	Scorer    HealthScorer
	Pipeline  ContentPipeline
	Publisher Publisher
	Source    ScanSource
	Store     queue.Snapshotter
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func WithTimings(t Timings) Option { return func(c *Controller) { c.timings = t } }

func WithRand(r *rand.Rand) Option { return func(c *Controller) { c.rng = r } }

// Controller runs the scan, score, generate and publish cycle on a single
// goroutine.
//
// Everything the loop touches (queue, candidate pool, breaker, throttle,
// quota) is owned by that goroutine while it runs, and by the lifecycle
// mutex while it does not. Host calls reach a running loop through the
// paused flag, the wake channel, the inbox and the pending config slot.
type Controller struct {
	deps    Deps
	log     logx.Logger
	bus     eventbus.Bus
	history HistorySink
	now     func() time.Time
	timings Timings
	rng     *rand.Rand

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	restored bool

	paused     atomic.Bool
	wake       chan struct{}
	inbox      chan enqueueReq
	pendingCfg atomic.Pointer[Config]

	stateMu sync.Mutex
	state   State

	// Owned by the loop goroutine.
	cfg        Config
	queue      *queue.Queue
	pool       []string
	poolKeys   map[string]struct{}
	breaker    *policy.CircuitBreaker
	throttle   *policy.Throttle
	retry      policy.RetryPolicy
	gate       policy.QualityGate
	window     scheduler.ActiveWindow
	scan       scheduler.Schedule
	quota      *scheduler.DailyQuota
	lastScan   time.Time
	cycles     int
	qualitySum int
	qualityN   int
	offHours   bool
	atQuota    bool
}

type enqueueReq struct {
	item  queue.Item
	reply chan enqueueResult
}

type enqueueResult struct {
	added bool
	err   error
}

// New builds an idle controller. cfg is validated only at Start, so a
// controller can be built from a partial config and fixed via Configure.
func New(cfg Config, deps Deps, opts ...Option) *Controller {
	c := &Controller{
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "controller")),
		bus:     deps.Bus,
		now:     time.Now,
		timings: DefaultTimings(),
		wake:    make(chan struct{}, 1),
		inbox:   make(chan enqueueReq, 64),
	}
	for _, o := range opts {
		o(c)
	}
	if c.bus == nil {
		c.bus = eventbus.New()
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if h, ok := deps.Store.(HistorySink); ok {
		c.history = h
	}

	c.queue = queue.New(deps.Store, nil, deps.Log, queue.WithClock(c.now), queue.WithSaveTimeout(c.timings.PersistTimeout))
	c.poolKeys = map[string]struct{}{}
	c.breaker = policy.NewCircuitBreaker(c.timings.CircuitThreshold, c.timings.CircuitCooldown)
	c.throttle = policy.NewThrottle(policy.ThrottleConfig{})
	c.quota = scheduler.NewDailyQuota(cfg.MaxPerDay, nil)
	c.state = State{Status: StatusIdle, Phase: PhaseNone, Queue: []queue.Item{}}
	c.applyConfig(cfg, false)
	return c
}

// Subscribe streams state deltas and activity events.
func (c *Controller) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return c.bus.Subscribe(buffer)
}

// SubscribeState returns the current state together with a subscription
// that starts right after it. Folding the stream onto the returned state
// counts every delta exactly once.
func (c *Controller) SubscribeState(buffer int) (State, <-chan eventbus.Event, func()) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	ch, unsub := c.bus.Subscribe(buffer)
	return c.state.Clone(), ch, unsub
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.Clone()
}

// Done is closed when the current run's loop exits. It is nil when idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start checks preconditions, begins a session and launches the loop.
// A precondition failure is a policy.FatalError: status becomes error and
// the loop does not start.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, c.Snapshot().Status)
	}

	if err := c.preflight(c.cfg); err != nil {
		msg := err.Error()
		c.emit(Delta{Status: ptr(StatusError), Phase: ptr(PhaseNone), LastError: &msg})
		c.activity(ActivityError, "Start refused: "+msg, nil)
		return err
	}

	now := c.now()
	if !c.restored {
		n, dropped, err := c.queue.Restore(ctx)
		switch {
		case err != nil:
			c.activity(ActivityWarning, "Could not restore saved queue; starting empty", map[string]any{"error": err.Error()})
		case n > 0 || dropped > 0:
			c.activity(ActivityInfo, fmt.Sprintf("Restored %d queued pages", n), map[string]any{"dropped": dropped})
		}
		c.restored = true
	}
	c.queue.ClampRetries(c.retryCeiling())
	c.seedQuota(ctx, now)

	c.breaker = policy.NewCircuitBreaker(c.timings.CircuitThreshold, c.timings.CircuitCooldown)
	c.throttle.Reset(c.throttleConfig(c.cfg))
	c.qualitySum, c.qualityN = 0, 0
	c.lastScan = time.Time{}
	c.cycles = 0
	c.offHours, c.atQuota = false, false
	c.paused.Store(false)

	empty := ""
	c.emit(Delta{
		Status:        ptr(StatusRunning),
		Phase:         ptr(PhaseNone),
		CurrentURL:    &empty,
		LastError:     &empty,
		Stats:         &Stats{SessionStartedAt: now, ProcessedToday: c.quota.Count(now), NextScanAt: now},
		Queue:         ptr(c.queue.Items()),
		PoolSize:      ptr(len(c.pool)),
		Circuit:       ptr(c.breaker.Snapshot()),
		ThrottleDelay: ptr(c.throttle.Delay()),
	})
	c.activity(ActivitySuccess, "Engine started", map[string]any{"queued": c.queue.Len()})

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	return nil
}

// Stop aborts every pending wait, lets the loop finish its current
// mutation, saves the queue and returns to idle.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return ErrNotRunning
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("stop: %w", ctx.Err())
	}
	c.cancel = nil
	c.done = nil
	c.paused.Store(false)

	// Requests that never reached the loop are applied now.
	c.drainInbox()
	if p := c.pendingCfg.Swap(nil); p != nil {
		c.applyConfig(*p, true)
	}

	pctx, cancel := context.WithTimeout(context.Background(), c.timings.PersistTimeout)
	defer cancel()
	if err := c.queue.Persist(pctx); err != nil {
		c.log.Warn("final queue save failed", logx.Err(err))
	}
	empty := ""
	c.emit(Delta{Status: ptr(StatusIdle), Phase: ptr(PhaseNone), CurrentURL: &empty, Queue: ptr(c.queue.Items()), PoolSize: ptr(len(c.pool))})
	c.activity(ActivityInfo, "Engine stopped", map[string]any{"queued": c.queue.Len()})
	return nil
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || c.paused.Load() {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.Snapshot().Status)
	}
	c.paused.Store(true)
	c.emit(Delta{Status: ptr(StatusPaused)})
	c.activity(ActivityInfo, "Engine paused", nil)
	c.poke()
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || !c.paused.Load() {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.Snapshot().Status)
	}
	c.paused.Store(false)
	c.emit(Delta{Status: ptr(StatusRunning)})
	c.activity(ActivityInfo, "Engine resumed", nil)
	c.poke()
	return nil
}

// Configure validates cfg and installs it: at once when idle, otherwise at
// the running loop's next cycle boundary.
func (c *Controller) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		c.applyConfig(cfg, true)
		return nil
	}
	c.pendingCfg.Store(&cfg)
	c.poke()
	return nil
}

// Enqueue adds a page by hand. priority nil means high. When running, the
// loop applies it; if ctx ends first the request still applies later and
// ErrDeferred is returned.
func (c *Controller) Enqueue(ctx context.Context, rawURL string, priority *queue.Priority) (bool, error) {
	p := queue.PriorityHigh
	if priority != nil {
		if !priority.Valid() {
			return false, fmt.Errorf("unknown priority %q", *priority)
		}
		p = *priority
	}
	if _, err := queue.NormalizeURL(rawURL); err != nil {
		return false, err
	}
	it := queue.NewItem(rawURL, p, 0, queue.SourceManual, c.now())

	c.mu.Lock()
	if c.cancel == nil {
		defer c.mu.Unlock()
		if !c.restored {
			if _, _, err := c.queue.Restore(ctx); err != nil {
				c.log.Warn("queue restore failed", logx.Err(err))
			}
			c.restored = true
		}
		res := c.enqueue(it)
		return res.added, res.err
	}
	req := enqueueReq{item: it, reply: make(chan enqueueResult, 1)}
	select {
	case c.inbox <- req:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return false, ErrBusy
	}
	select {
	case res := <-req.reply:
		return res.added, res.err
	case <-ctx.Done():
		return false, ErrDeferred
	}
}

// enqueue runs on whichever side owns the queue.
func (c *Controller) enqueue(it queue.Item) enqueueResult {
	added, err := c.queue.Push(it)
	switch {
	case errors.Is(err, queue.ErrExcluded):
		c.activity(ActivityWarning, "Skipped excluded page", map[string]any{"url": it.URL, "reason": err.Error()})
	case err != nil:
		c.activity(ActivityWarning, "Could not queue page", map[string]any{"url": it.URL, "error": err.Error()})
	case !added:
		c.activity(ActivityInfo, "Page already queued", map[string]any{"url": it.URL})
	default:
		c.dropFromPool(it.URL)
		c.emit(Delta{Queue: ptr(c.queue.Items()), PoolSize: ptr(len(c.pool))})
		c.activity(ActivityInfo, "Queued page", map[string]any{"url": it.URL, "priority": string(it.Priority), "source": string(it.Source)})
	}
	return enqueueResult{added: added, err: err}
}

func (c *Controller) drainInbox() {
	for {
		select {
		case req := <-c.inbox:
			req.reply <- c.enqueue(req.item)
		default:
			return
		}
	}
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) preflight(cfg Config) error {
	var errs []error
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.deps.Pipeline == nil {
		errs = append(errs, errors.New("no content pipeline configured"))
	} else if cr, ok := c.deps.Pipeline.(Credentialed); ok && !cr.HasCredentials() {
		errs = append(errs, errors.New("content pipeline has no credentials"))
	}
	if cfg.AutoPublish {
		if c.deps.Publisher == nil {
			errs = append(errs, errors.New("autoPublish is on but no publisher is configured"))
		} else if cr, ok := c.deps.Publisher.(Credentialed); ok && !cr.HasCredentials() {
			errs = append(errs, errors.New("publisher has no credentials"))
		}
	}
	if c.deps.Scorer == nil {
		errs = append(errs, errors.New("no health scorer configured"))
	}
	if c.deps.Source == nil || len(c.deps.Source.Origins()) == 0 {
		errs = append(errs, errors.New("no candidate url source configured"))
	}
	if len(errs) == 0 {
		return nil
	}
	return policy.Fatal(errors.Join(errs...))
}

// applyConfig installs cfg into the loop-owned helpers. cfg is assumed valid
// unless it is the constructor's, in which case bad parts fall back to defaults.
func (c *Controller) applyConfig(cfg Config, announce bool) {
	c.cfg = cfg
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	c.window = scheduler.ActiveWindow{Start: cfg.ActiveHoursStart, End: cfg.ActiveHoursEnd, Weekends: cfg.EnableWeekends, Location: loc}
	if sch, err := scheduler.ScanSchedule(cfg.ScanSchedule, cfg.ScanIntervalHours); err == nil {
		c.scan = sch
	} else if c.scan.Expr == "" {
		c.scan, _ = scheduler.Every(24 * time.Hour)
	}
	c.quota.SetMax(cfg.MaxPerDay)
	c.quota.SetLocation(loc)
	c.retry = policy.RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Base:     c.timings.RetryBase,
		MaxDelay: c.timings.RetryMaxDelay,
		Jitter:   c.timings.RetryJitter,
	}
	c.gate = policy.QualityGate{Threshold: cfg.QualityThreshold, AutoPublish: cfg.AutoPublish}
	c.queue.SetFilter(queue.NewFilter(cfg.ExcludedURLs, cfg.ExcludedCategories))

	if announce {
		if c.state.Config.ProcessingIntervalMinutes != cfg.ProcessingIntervalMinutes {
			c.throttle.Reset(c.throttleConfig(cfg))
		}
		c.queue.ClampRetries(c.retryCeiling())
		if !c.lastScan.IsZero() {
			c.emit(Delta{NextScanAt: ptr(c.scan.Next(c.lastScan))})
		}
		c.emit(Delta{Config: ptr(cfg), ThrottleDelay: ptr(c.throttle.Delay()), Queue: ptr(c.queue.Items())})
		c.activity(ActivityInfo, "Configuration updated", nil)
		return
	}
	c.throttle.Reset(c.throttleConfig(cfg))
	c.emit(Delta{Config: ptr(cfg)})
}

// retryCeiling is the highest RetryCount a queued item may carry.
func (c *Controller) retryCeiling() int {
	return max(c.cfg.RetryAttempts-1, 0)
}

func (c *Controller) throttleConfig(cfg Config) policy.ThrottleConfig {
	return policy.ThrottleConfig{
		Base:      cfg.processingInterval(),
		Window:    c.timings.ThrottleWindow,
		SlowAbove: c.timings.ThrottleSlowAbove,
	}
}

func (c *Controller) seedQuota(ctx context.Context, now time.Time) {
	if c.history == nil {
		c.quota.Seed(now, 0)
		return
	}
	n, err := c.history.CountSince(ctx, c.quota.DayStart(now), storage.ActionPublished, storage.ActionGenerated, storage.ActionSkipped)
	if err != nil {
		c.log.Warn("could not count today's processed pages", logx.Err(err))
		n = 0
	}
	c.quota.Seed(now, n)
}
