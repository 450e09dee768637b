package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"refreshbot/internal/controller"
	"refreshbot/internal/eventbus"
	kit "refreshbot/internal/transport"
	"refreshbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sent %d messages, want %d", len(f.sent()), n)
	return nil
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Target:     kit.ChatTarget{ChatID: 42},
		MinLevel:   "warning",
		RatePerSec: 100,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func TestForwardsActivityAtOrAboveLevel(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := eventbus.New()
	f := &fakeSender{}
	s := New(testConfig(), f, bus, logx.Nop())
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeActivity, Data: controller.Activity{Type: controller.ActivityInfo, Message: "Scan found 3 new candidate pages"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeStateDelta, Data: controller.Delta{}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeActivity, Data: controller.Activity{
		Type:    controller.ActivityError,
		Message: "Gave up after 3 attempts",
		Details: map[string]any{"url": "https://example.com/a", "stage": "generating"},
	}})

	got := waitSent(t, f, 1)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("sent = %q", got)
	}
	want := "🚨 Gave up after 3 attempts\nstage: generating\nurl: https://example.com/a"
	if got[0] != want {
		t.Fatalf("text = %q\nwant %q", got[0], want)
	}
}

func TestRetriesAndDedups(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := &fakeSender{fail: 2}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, f, nil, logx.Nop())
	s.Start(context.Background())

	ctx := context.Background()
	a := controller.Activity{Type: controller.ActivityWarning, Message: "Circuit opened after 5 consecutive failures"}
	if err := s.NotifyActivity(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.NotifyActivity(ctx, a); err != nil {
		t.Fatal(err)
	}
	got := waitSent(t, f, 1)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !strings.HasPrefix(got[0], "⚠️ Circuit opened") {
		t.Fatalf("sent = %q", got)
	}
	hist, dropped := s.Snapshot()
	if len(hist) != 1 || dropped != 0 {
		t.Fatalf("history=%d dropped=%d", len(hist), dropped)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := &fakeSender{}
	off := testConfig()
	off.Enabled = false
	s := New(off, f, nil, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled notify = %v", err)
	}

	s = New(testConfig(), f, nil, logx.Nop())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started notify = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start = %v", err)
	}
}

func TestLevelRank(t *testing.T) {
	t.Parallel()
	if levelRank("ERROR") <= levelRank("warning") || levelRank("info") != 0 || levelRank("debug") != -1 {
		t.Fatalf("ranks wrong")
	}
	s := New(Config{MinLevel: "bogus"}, nil, nil, logx.Nop())
	if s.cfg.MinLevel != "warning" {
		t.Fatalf("min level default = %q", s.cfg.MinLevel)
	}
}
