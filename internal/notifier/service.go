package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"refreshbot/internal/controller"
	"refreshbot/internal/eventbus"
	rtsup "refreshbot/internal/runtime/supervisor"
	kit "refreshbot/internal/transport"
	"refreshbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	queue chan kit.Notification
	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
	dropped int
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "notifier")),
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config. Target, level and pacing apply to the next
// message; Enabled and QueueSize take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if levelRank(cfg.MinLevel) < 0 {
		cfg.MinLevel = string(controller.ActivityWarning)
	}
	s.cfg = cfg
	// Burst = rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start subscribes to the bus and starts the sender. It is idempotent and
// a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan kit.Notification, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q := s.queue

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
		s.unsub = unsub
		s.sup.Go("forward", func(c context.Context) error {
			s.forwardLoop(c, events)
			return nil
		})
	}
	s.sup.GoRestart("worker", func(c context.Context) error {
		return s.workerLoop(c, q)
	}, time.Second, 30*time.Second)
}

// Stop stops intake and drains what is queued until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	// The forward loop ends with the bus channel; the worker drains q.
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	sup.Cancel()
	return nil
}

func (s *Service) forwardLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a, ok := e.Data.(controller.Activity)
			if e.Type != eventbus.TypeActivity || !ok {
				continue
			}
			if err := s.NotifyActivity(ctx, a); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("activity not forwarded", logx.Err(err))
			}
		}
	}
}

// NotifyActivity queues a if its type is at or above MinLevel.
func (s *Service) NotifyActivity(ctx context.Context, a controller.Activity) error {
	s.mu.Lock()
	floor, target := s.cfg.MinLevel, s.cfg.Target
	s.mu.Unlock()
	if levelRank(string(a.Type)) < levelRank(floor) {
		return nil
	}
	return s.Notify(ctx, kit.Notification{
		Channel: "telegram",
		Level:   string(a.Type),
		Target:  target,
		Text:    FormatActivity(a),
		Options: &kit.SendOptions{DisablePreview: true},
	})
}

// Notify queues n without blocking. A message identical to one sent within
// DedupWindow is dropped silently.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	if key := dedupKey(n); s.cfg.DedupWindow > 0 && !s.dedupAllow(key, s.cfg.DedupWindow) {
		return nil
	}
	select {
	case s.queue <- n:
		return nil
	default:
		s.hmu.Lock()
		s.dropped++
		s.hmu.Unlock()
		return ErrQueueFull
	}
}

// Snapshot returns recently sent messages and how many were dropped.
func (s *Service) Snapshot() ([]HistoryItem, int) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...), s.dropped
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// workerLoop sends until q is closed and drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan kit.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, n)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, n kit.Notification) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixForLevel(n.Level) + n.Text
	attempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(callCtx, n.Target, text, n.Options)
		cancel()
		if err == nil {
			s.appendHistory(text)
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			s.log.Warn("notification dropped after retries", logx.Err(err))
			return
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

var levels = map[string]int{
	string(controller.ActivityInfo):    0,
	string(controller.ActivitySuccess): 1,
	string(controller.ActivityWarning): 2,
	string(controller.ActivityError):   3,
}

func levelRank(l string) int {
	if r, ok := levels[strings.ToLower(strings.TrimSpace(l))]; ok {
		return r
	}
	return -1
}

func prefixForLevel(l string) string {
	switch l {
	case string(controller.ActivityError):
		return "🚨 "
	case string(controller.ActivityWarning):
		return "⚠️ "
	case string(controller.ActivitySuccess):
		return "✅ "
	default:
		return ""
	}
}

// FormatActivity renders a as plain text: the message, then details one per
// line in key order.
func FormatActivity(a controller.Activity) string {
	var b strings.Builder
	b.WriteString(a.Message)
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Details[k])
	}
	return b.String()
}

func dedupKey(n kit.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%s|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Level, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential from RetryBase, jittered 0.7..1.3, capped.
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
