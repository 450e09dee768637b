package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"refreshbot/internal/keyword"
	"refreshbot/internal/storage"
	"refreshbot/internal/task/policy"
	"refreshbot/internal/task/queue"
	"refreshbot/pkg/logx"
)

// runScan collects candidate URLs into the pool. A failed scan still counts
// as a scan so a broken source is retried on schedule, not every cycle.
func (c *Controller) runScan(ctx context.Context) {
	c.emit(Delta{Phase: ptr(PhaseScanning), CurrentURL: ptr("")})

	sctx, cancel := context.WithTimeout(ctx, c.timings.ScanTimeout)
	urls, err := c.deps.Source.Candidates(sctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	now := c.now()
	c.lastScan = now
	if err != nil {
		c.activity(ActivityWarning, "Scan failed", map[string]any{"error": err.Error(), "partial": len(urls)})
	}

	added, excluded := 0, 0
	for _, u := range urls {
		if err := c.queue.Admit(u); err != nil {
			excluded++
			continue
		}
		if !c.queue.Contains(u) && c.addToPool(u, false) {
			added++
		}
	}

	next := c.scan.Next(now)
	c.emit(Delta{LastScanAt: &now, NextScanAt: &next, PoolSize: ptr(len(c.pool))})
	if err == nil || len(urls) > 0 {
		c.activity(ActivityInfo, fmt.Sprintf("Scan found %d new candidate pages", added), map[string]any{
			"found":    len(urls),
			"excluded": excluded,
			"pool":     len(c.pool),
		})
	}
}

type scored struct {
	url    string
	report HealthReport
	err    error
}

// runScore scores one batch from the pool, a few at a time, and queues the
// pages below the health floor.
func (c *Controller) runScore(ctx context.Context) {
	n := min(c.cfg.scoreBatch(), len(c.pool))
	batch := slices.Clone(c.pool[:n])
	c.pool = slices.Delete(c.pool, 0, n)
	for _, u := range batch {
		delete(c.poolKeys, poolKey(u))
	}
	c.emit(Delta{Phase: ptr(PhaseScoring), CurrentURL: ptr(""), PoolSize: ptr(len(c.pool))})

	results := make([]scored, len(batch))
	var g errgroup.Group
	g.SetLimit(c.cfg.scoreLimit())
	for i, u := range batch {
		g.Go(func() error {
			results[i] = c.scoreOne(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// Stopped mid-batch: keep the pages for the next session.
		for _, u := range slices.Backward(batch) {
			c.addToPool(u, true)
		}
		return
	}

	queued, healthy, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
			c.log.Warn("health score failed", logx.String("url", r.url), logx.Err(r.err))
		case r.report.Score >= c.cfg.MinHealthScore:
			healthy++
		default:
			it := queue.NewItem(r.url, queue.PriorityForScore(r.report.Score), r.report.Score, queue.SourceScan, c.now())
			if ok, err := c.queue.Push(it); ok {
				queued++
			} else if err != nil {
				c.log.Debug("scored page not queued", logx.String("url", r.url), logx.Err(err))
			}
		}
	}
	c.emit(Delta{Queue: ptr(c.queue.Items()), PoolSize: ptr(len(c.pool))})
	c.activity(ActivityInfo, fmt.Sprintf("Scored %d pages, queued %d", len(batch), queued), map[string]any{
		"healthy":   healthy,
		"failed":    failed,
		"remaining": len(c.pool),
	})
}

func (c *Controller) scoreOne(ctx context.Context, u string) (res scored) {
	res.url = u
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("health scorer panicked", logx.String("url", u), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res.err = fmt.Errorf("panic: %v", r)
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, c.timings.ScoreTimeout)
	defer cancel()
	res.report, res.err = c.deps.Scorer.Score(sctx, u)
	return res
}

// runItem takes the queue head through generation, the quality gate and
// publishing.
func (c *Controller) runItem(ctx context.Context) {
	it, ok := c.queue.Shift()
	if !ok {
		return
	}
	start := c.now()
	c.emit(Delta{Phase: ptr(PhaseGenerating), CurrentURL: ptr(it.URL), Queue: ptr(c.queue.Items())})

	kw := keyword.Derive(it.URL)
	if kw == "" {
		c.fail(ctx, it, PhaseGenerating, kw, policy.NoRetry(errors.New("no usable keyword in url")))
		return
	}

	gctx, cancel := context.WithTimeout(ctx, c.timings.CallTimeout)
	content, err := c.deps.Pipeline.Generate(gctx, kw, GenerateOptions{URL: it.URL, Status: c.cfg.DefaultStatus})
	cancel()
	if ctx.Err() != nil {
		c.queue.Requeue(it)
		return
	}
	if err != nil {
		c.fail(ctx, it, PhaseGenerating, kw, err)
		return
	}

	rec := storage.HistoryRecord{
		ItemID:       it.ID,
		URL:          it.URL,
		Keyword:      kw,
		Title:        content.Title,
		Slug:         content.Slug,
		QualityScore: content.QualityScore,
		WordCount:    content.WordCount,
		RetryCount:   it.RetryCount,
	}
	counters := Counters{TotalProcessed: 1}

	verdict := c.gate.Route(content.QualityScore)
	if verdict == policy.VerdictPublish && c.deps.Publisher == nil {
		verdict = policy.VerdictHold
	}
	switch verdict {
	case policy.VerdictReject:
		rec.Action = storage.ActionSkipped
		rec.Content = content.HTML
		counters.SkippedCount = 1
		c.activity(ActivityWarning, fmt.Sprintf("Quality %d below %d, kept for review", content.QualityScore, c.cfg.QualityThreshold), map[string]any{"url": it.URL, "title": content.Title})

	case policy.VerdictHold:
		rec.Action = storage.ActionGenerated
		rec.Content = content.HTML
		counters.SuccessCount = 1
		counters.TotalWordsGenerated = content.WordCount
		c.breaker.RecordSuccess()
		c.activity(ActivitySuccess, "Generated, ready for manual publishing", map[string]any{"url": it.URL, "title": content.Title, "quality": content.QualityScore})

	case policy.VerdictPublish:
		c.emit(Delta{Phase: ptr(PhasePublishing)})
		pctx, cancel := context.WithTimeout(ctx, c.timings.CallTimeout)
		res, err := c.deps.Publisher.Publish(pctx, it, content)
		cancel()
		if ctx.Err() != nil {
			c.queue.Requeue(it)
			return
		}
		if err != nil {
			c.fail(ctx, it, PhasePublishing, kw, err)
			return
		}
		rec.Action = storage.ActionPublished
		rec.PublishedURL = res.PublishedURL
		counters.SuccessCount = 1
		counters.TotalWordsGenerated = content.WordCount
		c.breaker.RecordSuccess()
		c.activity(ActivitySuccess, "Published", map[string]any{"url": it.URL, "publishedUrl": res.PublishedURL, "quality": content.QualityScore})
	}

	now := c.now()
	took := now.Sub(start)
	rec.At = now
	rec.TookMS = took.Milliseconds()
	c.appendHistory(ctx, rec)

	today := c.quota.Add(now, 1)
	c.qualitySum += content.QualityScore
	c.qualityN++
	avg := float64(c.qualitySum) / float64(c.qualityN)
	delay := c.throttle.Observe(content.QualityScore, took)

	c.emit(Delta{
		Phase:           ptr(PhaseNone),
		CurrentURL:      ptr(""),
		Counters:        &counters,
		ProcessedToday:  &today,
		AvgQualityScore: &avg,
		Circuit:         ptr(c.breaker.Snapshot()),
		ThrottleDelay:   &delay,
		History:         &rec,
	})
	c.sleep(ctx, delay, false)
}

// fail applies the retry policy to a failed attempt. A retried item waits
// out its backoff and goes back into the queue; otherwise it is finalized
// as an error.
func (c *Controller) fail(ctx context.Context, it queue.Item, stage Phase, kw string, err error) {
	now := c.now()
	if c.breaker.RecordFailure(now) {
		snap := c.breaker.Snapshot()
		c.activity(ActivityWarning, fmt.Sprintf("Circuit opened after %d consecutive failures", snap.Failures), map[string]any{"until": snap.OpenUntil})
	}
	msg := err.Error()
	d := c.retry.Decide(it.RetryCount, err, c.rng)
	it.RetryCount = d.RetryCount
	it.LastError = msg

	if d.Retry {
		c.emit(Delta{Phase: ptr(PhaseNone), CurrentURL: ptr(""), LastError: &msg, Circuit: ptr(c.breaker.Snapshot())})
		c.activity(ActivityWarning, fmt.Sprintf("%s failed, retrying in %s", stage, d.Delay.Round(time.Second)), map[string]any{
			"url":     it.URL,
			"attempt": d.RetryCount,
			"error":   msg,
		})
		// Requeue even when stopped so the item is saved with its count.
		c.sleep(ctx, d.Delay, false)
		if !c.queue.Requeue(it) {
			// Queued again while backing off; the newer entry wins.
			c.activity(ActivityWarning, "Retry dropped, URL was queued again", map[string]any{
				"url":     it.URL,
				"attempt": it.RetryCount,
				"error":   it.LastError,
			})
			return
		}
		c.emit(Delta{Queue: ptr(c.queue.Items())})
		return
	}

	rec := storage.HistoryRecord{
		ItemID:     it.ID,
		At:         now,
		URL:        it.URL,
		Keyword:    kw,
		Action:     storage.ActionError,
		Stage:      string(stage),
		Error:      msg,
		RetryCount: d.RetryCount,
	}
	c.appendHistory(ctx, rec)
	c.emit(Delta{
		Phase:      ptr(PhaseNone),
		CurrentURL: ptr(""),
		Counters:   &Counters{TotalProcessed: 1, ErrorCount: 1},
		LastError:  &msg,
		Circuit:    ptr(c.breaker.Snapshot()),
		History:    &rec,
	})
	c.activity(ActivityError, fmt.Sprintf("Gave up after %d attempts", d.RetryCount), map[string]any{"url": it.URL, "stage": string(stage), "error": msg})
}

func (c *Controller) appendHistory(ctx context.Context, rec storage.HistoryRecord) {
	if c.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timings.PersistTimeout)
	defer cancel()
	if err := c.history.AppendHistory(hctx, rec); err != nil {
		c.log.Warn("history append failed", logx.String("url", rec.URL), logx.Err(err))
	}
}

func (c *Controller) addToPool(u string, front bool) bool {
	key := poolKey(u)
	if _, dup := c.poolKeys[key]; dup {
		return false
	}
	c.poolKeys[key] = struct{}{}
	if front {
		c.pool = slices.Insert(c.pool, 0, u)
	} else {
		c.pool = append(c.pool, u)
	}
	return true
}

func (c *Controller) dropFromPool(u string) {
	key := poolKey(u)
	if _, ok := c.poolKeys[key]; !ok {
		return
	}
	delete(c.poolKeys, key)
	c.pool = slices.DeleteFunc(c.pool, func(p string) bool { return poolKey(p) == key })
}

func poolKey(u string) string {
	if key, err := queue.NormalizeURL(u); err == nil {
		return key
	}
	return u
}
