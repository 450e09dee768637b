package policy

import (
	"testing"
	"time"
)

func TestThrottleWidensOnPoorQuality(t *testing.T) {
	t.Parallel()
	th := NewThrottle(ThrottleConfig{Base: 4 * time.Minute})
	if th.Delay() != 4*time.Minute {
		t.Fatalf("initial delay %v", th.Delay())
	}
	th.Observe(40, time.Second)
	th.Observe(40, time.Second)
	if th.Delay() != 4*time.Minute {
		t.Fatalf("reacted before min samples: %v", th.Delay())
	}
	got := th.Observe(40, time.Second)
	if got != 6*time.Minute {
		t.Fatalf("delay=%v want 6m", got)
	}
	for i := 0; i < 20; i++ {
		got = th.Observe(30, time.Second)
	}
	if got != 16*time.Minute {
		t.Fatalf("delay=%v want capped at 4x base", got)
	}
}

func TestThrottleEasesOnGoodQuality(t *testing.T) {
	t.Parallel()
	th := NewThrottle(ThrottleConfig{Base: 4 * time.Minute})
	var got time.Duration
	for i := 0; i < 20; i++ {
		got = th.Observe(95, time.Second)
	}
	if got != time.Minute {
		t.Fatalf("delay=%v want floor of base/4", got)
	}
}

func TestThrottleHoldsInMiddleBand(t *testing.T) {
	t.Parallel()
	th := NewThrottle(ThrottleConfig{Base: 2 * time.Minute})
	for i := 0; i < 10; i++ {
		th.Observe(75, time.Second)
	}
	if th.Delay() != 2*time.Minute {
		t.Fatalf("delay moved to %v", th.Delay())
	}
}

func TestThrottleSlowItemsWiden(t *testing.T) {
	t.Parallel()
	th := NewThrottle(ThrottleConfig{Base: 2 * time.Minute, SlowAbove: time.Minute})
	for i := 0; i < 3; i++ {
		th.Observe(90, 3*time.Minute)
	}
	if th.Delay() <= 2*time.Minute {
		t.Fatalf("slow items did not widen: %v", th.Delay())
	}
}

func TestThrottleWindowIsBounded(t *testing.T) {
	t.Parallel()
	th := NewThrottle(ThrottleConfig{Base: time.Minute, Window: 5})
	for i := 0; i < 5; i++ {
		th.Observe(10, 0)
	}
	for i := 0; i < 5; i++ {
		th.Observe(100, 0)
	}
	q, _, n := th.Averages()
	if n != 5 || q != 100 {
		t.Fatalf("avg=%v n=%d: old samples not evicted", q, n)
	}
}

func TestQualityGate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		score int
		auto  bool
		want  Verdict
	}{
		{60, true, VerdictReject},
		{85, true, VerdictPublish},
		{90, false, VerdictHold},
		{84, false, VerdictReject},
	}
	for _, tc := range cases {
		g := QualityGate{Threshold: 85, AutoPublish: tc.auto}
		if got := g.Route(tc.score); got != tc.want {
			t.Fatalf("score=%d auto=%v: %s want %s", tc.score, tc.auto, got, tc.want)
		}
	}
}
