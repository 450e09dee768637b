package controller

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"refreshbot/internal/task/policy"
	"refreshbot/pkg/logx"
)

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := c.timings.LoopBackoffBase
	for ctx.Err() == nil {
		err := c.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = c.timings.LoopBackoffBase
			continue
		}

		now := c.now()
		opened := c.breaker.RecordFailure(now)
		msg := err.Error()
		c.emit(Delta{Phase: ptr(PhaseNone), LastError: &msg, Circuit: ptr(c.breaker.Snapshot())})
		c.activity(ActivityError, "Cycle failed", map[string]any{"error": msg, "retryIn": backoff.String()})
		if opened {
			c.activity(ActivityWarning, "Circuit opened after repeated failures", map[string]any{"until": c.breaker.Snapshot().OpenUntil})
		}
		if !c.sleep(ctx, backoff, false) {
			return
		}
		backoff = min(backoff*2, c.timings.LoopBackoffMax)
	}
}

// cycle is one pass of the main loop. A panic in any phase becomes its error.
func (c *Controller) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	c.drainInbox()
	if p := c.pendingCfg.Swap(nil); p != nil {
		c.applyConfig(*p, true)
	}

	if c.paused.Load() {
		c.sleep(ctx, c.timings.PauseCheck, true)
		return nil
	}

	now := c.now()
	if !c.window.Allows(now) {
		open := c.window.NextOpen(now)
		if !c.offHours {
			c.offHours = true
			c.emit(Delta{Phase: ptr(PhaseNone), CurrentURL: ptr("")})
			c.activity(ActivityInfo, "Outside active hours, waiting", map[string]any{"resumeAt": open})
		}
		c.sleep(ctx, clampWait(open.Sub(now), c.timings.OffHoursCheck), true)
		return nil
	}
	if c.offHours {
		c.offHours = false
		c.activity(ActivityInfo, "Active hours started", nil)
	}

	if c.quota.Exhausted(now) {
		reset := c.quota.ResetAt(now)
		if !c.atQuota {
			c.atQuota = true
			c.emit(Delta{Phase: ptr(PhaseNone), CurrentURL: ptr("")})
			c.activity(ActivityWarning, fmt.Sprintf("Daily limit of %d reached", c.cfg.MaxPerDay), map[string]any{"resetAt": reset})
		}
		c.sleep(ctx, clampWait(reset.Sub(now), c.timings.QuotaWait), true)
		return nil
	}
	if c.atQuota {
		c.atQuota = false
		c.emit(Delta{ProcessedToday: ptr(c.quota.Count(now))})
	}

	c.cycles++
	c.emit(Delta{CycleCount: ptr(c.cycles)})

	if c.scan.Due(now, c.lastScan) {
		c.runScan(ctx)
	}
	if c.queue.Len() == 0 && len(c.pool) > 0 {
		c.runScore(ctx)
	}
	if c.queue.Len() > 0 {
		ok, until, reset := c.breaker.Allow(c.now())
		if reset {
			c.emit(Delta{Circuit: ptr(c.breaker.Snapshot())})
			c.activity(ActivityInfo, "Circuit closed, resuming generation", nil)
		}
		if !ok {
			c.log.Debug("generation held", logx.Err(policy.ErrCircuitOpen), logx.Time("until", until))
			c.emit(Delta{Phase: ptr(PhaseNone), CurrentURL: ptr("")})
			c.sleep(ctx, until.Sub(c.now()), true)
			return nil
		}
		c.runItem(ctx)
		return nil
	}
	if len(c.pool) > 0 {
		return nil
	}

	c.emit(Delta{Phase: ptr(PhaseNone), CurrentURL: ptr("")})
	wait := c.timings.IdleWait
	if next := c.scan.Next(c.lastScan); !c.lastScan.IsZero() && !next.IsZero() {
		wait = clampWait(next.Sub(c.now()), wait)
	}
	c.sleep(ctx, wait, true)
	return nil
}

// clampWait bounds d to (0, ceiling].
func clampWait(d, ceiling time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return min(d, ceiling)
}
