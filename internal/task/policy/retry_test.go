package policy

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestDecideRetryBound(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Attempts: 3, Base: time.Second, MaxDelay: time.Minute}
	rng := rand.New(rand.NewSource(1))
	err := errors.New("timeout")

	retries := 0
	tries := 0
	for {
		tries++
		d := p.Decide(retries, err, rng)
		retries = d.RetryCount
		if !d.Retry {
			break
		}
		if retries >= p.Attempts {
			t.Fatalf("requeued with retry count %d >= attempts %d", retries, p.Attempts)
		}
	}
	if tries != 3 {
		t.Fatalf("tries=%d want exactly Attempts", tries)
	}
}

func TestDecideZeroAttemptsMeansSingleTry(t *testing.T) {
	t.Parallel()
	d := RetryPolicy{}.Decide(0, errors.New("x"), nil)
	if d.Retry || d.RetryCount != 1 {
		t.Fatalf("decision=%+v", d)
	}
}

func TestDecideNoRetry(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Attempts: 5}
	d := p.Decide(0, NoRetry(errors.New("invalid keyword")), nil)
	if d.Retry {
		t.Fatalf("NoRetry error was retried")
	}
}

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: 40 * time.Second, Jitter: 0.2}
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		prev := time.Duration(0)
		for k := 0; k < 10; k++ {
			d := p.Backoff(k, rng)
			if d > p.MaxDelay {
				t.Fatalf("seed %d k=%d: %v exceeds cap", seed, k, d)
			}
			if d < prev {
				t.Fatalf("seed %d k=%d: %v < previous %v", seed, k, d, prev)
			}
			if prev < p.MaxDelay && d != p.MaxDelay && d <= prev {
				t.Fatalf("seed %d k=%d: %v not strictly above %v below the cap", seed, k, d, prev)
			}
			prev = d
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: 10 * time.Second, MaxDelay: time.Hour, Jitter: 0.2}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		d := p.Backoff(2, rng)
		if d < 32*time.Second || d > 48*time.Second {
			t.Fatalf("backoff(2)=%v outside 40s±20%%", d)
		}
	}
	if got := p.Backoff(2, nil); got != 40*time.Second {
		t.Fatalf("no rng: %v", got)
	}
}

func TestDelayHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: time.Minute}
	if got := p.Delay(1, RetryAfter(errors.New("429"), 20*time.Second), nil); got != 20*time.Second {
		t.Fatalf("hint ignored: %v", got)
	}
	if got := p.Delay(1, RetryAfter(errors.New("429"), time.Hour), nil); got != time.Minute {
		t.Fatalf("hint not capped: %v", got)
	}
}

func TestFatalWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("no credentials")
	err := Fatal(base)
	if !IsFatal(err) || !errors.Is(err, base) {
		t.Fatalf("fatal wrapping broken: %v", err)
	}
	if IsFatal(base) || Fatal(nil) != nil {
		t.Fatalf("false positive")
	}
}
