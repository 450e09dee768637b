package controller

import (
	"context"
	"time"
)

// sleep waits for d or until ctx ends, serving enqueue requests meanwhile.
// A wakeable sleep also returns early on Pause, Resume or Configure. It
// reports false when ctx ended.
func (c *Controller) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = c.wake
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-wake:
			return true
		case req := <-c.inbox:
			req.reply <- c.enqueue(req.item)
			if wakeable {
				return true
			}
		}
	}
}
