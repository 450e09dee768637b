package policy

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker(5, 30*time.Minute)
	for i := 1; i < 5; i++ {
		if b.RecordFailure(t0) {
			t.Fatalf("opened after %d failures", i)
		}
	}
	if !b.RecordFailure(t0) {
		t.Fatalf("did not open at threshold")
	}
	if ok, until, _ := b.Allow(t0.Add(time.Minute)); ok || !until.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("allow=%v until=%v", ok, until)
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker(3, time.Minute)
	b.RecordFailure(t0)
	b.RecordFailure(t0)
	b.RecordSuccess()
	if b.Snapshot().Failures != 0 {
		t.Fatalf("success did not reset")
	}
	b.RecordFailure(t0)
	b.RecordFailure(t0)
	if b.Snapshot().Open {
		t.Fatalf("opened without consecutive threshold")
	}
}

func TestBreakerAutoResetsAfterCooldown(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker(2, 10*time.Minute)
	b.RecordFailure(t0)
	b.RecordFailure(t0)

	if ok, _, _ := b.Allow(t0.Add(10*time.Minute - time.Nanosecond)); ok {
		t.Fatalf("closed before cooldown elapsed")
	}
	ok, _, reset := b.Allow(t0.Add(10 * time.Minute))
	if !ok || !reset {
		t.Fatalf("ok=%v reset=%v", ok, reset)
	}
	snap := b.Snapshot()
	if snap.Open || snap.Failures != 0 || snap.Trips != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if _, _, again := b.Allow(t0.Add(11 * time.Minute)); again {
		t.Fatalf("reset reported twice")
	}
}

func TestBreakerFailuresWhileOpenDoNotExtend(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker(1, time.Minute)
	b.RecordFailure(t0)
	if b.RecordFailure(t0.Add(30 * time.Second)) {
		t.Fatalf("reopened while open")
	}
	if got := b.Snapshot().OpenUntil; !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("open until moved to %v", got)
	}
}
