package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"refreshbot/pkg/logx"
)

var ErrExcluded = errors.New("url excluded")

// Snapshotter is the durable key-value slot the queue is saved into.
type Snapshotter interface {
	SaveQueue(ctx context.Context, data []byte) error
	LoadQueue(ctx context.Context) ([]byte, error)
}

// Queue is the ordered, deduplicated work list.
//
// It is not safe for concurrent use: the controller loop owns it. Every
// mutation writes a snapshot; a failed write is logged and otherwise ignored.
type Queue struct {
	items  []Item
	keys   map[string]struct{}
	filter *Filter

	store       Snapshotter
	saveTimeout time.Duration
	log         logx.Logger
	now         func() time.Time

	saveErrors int
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithSaveTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.saveTimeout = d
		}
	}
}

func New(store Snapshotter, filter *Filter, log logx.Logger, opts ...Option) *Queue {
	q := &Queue{
		keys:        map[string]struct{}{},
		filter:      filter,
		store:       store,
		saveTimeout: 5 * time.Second,
		log:         log.With(logx.String("comp", "queue")),
		now:         time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetFilter swaps the exclusion filter. Items already queued stay.
func (q *Queue) SetFilter(f *Filter) { q.filter = f }

func (q *Queue) Len() int { return len(q.items) }

// Items returns a copy in processing order.
func (q *Queue) Items() []Item { return slices.Clone(q.items) }

// SaveErrors counts snapshot writes that failed since creation.
func (q *Queue) SaveErrors() int { return q.saveErrors }

func (q *Queue) Contains(rawURL string) bool {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	_, ok := q.keys[key]
	return ok
}

// Admit runs the exclusion filter without touching the queue.
func (q *Queue) Admit(rawURL string) error {
	if ok, reason := q.filter.Check(rawURL); !ok {
		return fmt.Errorf("%w: %s", ErrExcluded, reason)
	}
	return nil
}

// Push filters, dedups and inserts it in order. Pushing a URL that is
// already queued returns false and no error.
func (q *Queue) Push(it Item) (bool, error) {
	if err := q.Admit(it.URL); err != nil {
		return false, err
	}
	if !q.insert(it) {
		return false, nil
	}
	q.persist()
	return true, nil
}

// Shift removes and returns the head.
func (q *Queue) Shift() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items = slices.Delete(q.items, 0, 1)
	if key, err := NormalizeURL(it.URL); err == nil {
		delete(q.keys, key)
	}
	q.persist()
	return it, true
}

// Requeue puts a retried item back at its ordered position. It skips the
// exclusion filter since the item was admitted before. Returns false when
// the URL has been queued again in the meantime.
func (q *Queue) Requeue(it Item) bool {
	if !q.insert(it) {
		return false
	}
	q.persist()
	return true
}

func (q *Queue) Remove(rawURL string) bool {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if _, ok := q.keys[key]; !ok {
		return false
	}
	q.items = slices.DeleteFunc(q.items, func(it Item) bool {
		k, err := NormalizeURL(it.URL)
		return err == nil && k == key
	})
	delete(q.keys, key)
	q.persist()
	return true
}

// ClampRetries caps RetryCount so no queued item exceeds max.
func (q *Queue) ClampRetries(max int) {
	changed := false
	for i := range q.items {
		if q.items[i].RetryCount > max {
			q.items[i].RetryCount = max
			changed = true
		}
	}
	if changed {
		q.persist()
	}
}

// Sort re-derives the order. Insertions keep the queue sorted already; this
// exists for restored data.
func (q *Queue) Sort() {
	slices.SortStableFunc(q.items, compare)
	q.persist()
}

func (q *Queue) insert(it Item) bool {
	key, err := NormalizeURL(it.URL)
	if err != nil {
		return false
	}
	if _, dup := q.keys[key]; dup {
		return false
	}
	it = q.fill(it)
	pos, _ := slices.BinarySearchFunc(q.items, it, compare)
	q.items = slices.Insert(q.items, pos, it)
	q.keys[key] = struct{}{}
	return true
}

func (q *Queue) fill(it Item) Item {
	if it.ID == "" || it.AddedAt.IsZero() {
		fresh := NewItem(it.URL, it.Priority, it.HealthScore, it.Source, q.now())
		if it.ID == "" {
			it.ID = fresh.ID
		}
		if it.AddedAt.IsZero() {
			it.AddedAt = fresh.AddedAt
		}
	}
	it.HealthScore = clampScore(it.HealthScore)
	if !it.Priority.Valid() {
		it.Priority = PriorityForScore(it.HealthScore)
	}
	if it.Source == "" {
		it.Source = SourceScan
	}
	if it.RetryCount < 0 {
		it.RetryCount = 0
	}
	return it
}

func compare(a, b Item) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// Persist writes a snapshot now and reports the error.
func (q *Queue) Persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	data, err := EncodeSnapshot(q.items, q.now())
	if err != nil {
		return err
	}
	if err := q.store.SaveQueue(ctx, data); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (q *Queue) persist() {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.saveTimeout)
	defer cancel()
	if err := q.Persist(ctx); err != nil {
		q.saveErrors++
		q.log.Warn("queue snapshot failed", logx.Err(err), logx.Int("len", len(q.items)))
	}
}

// Restore replaces the queue with the stored snapshot. Malformed entries are
// dropped; the result is returned with the dropped count.
func (q *Queue) Restore(ctx context.Context) (restored, dropped int, err error) {
	if q.store == nil {
		return 0, 0, nil
	}
	data, err := q.store.LoadQueue(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load queue: %w", err)
	}
	items, dropped, err := DecodeSnapshot(data, q.now())
	if err != nil {
		return 0, 0, err
	}

	q.items = q.items[:0]
	q.keys = map[string]struct{}{}
	for _, it := range items {
		if !q.insert(it) {
			dropped++
		}
	}
	slices.SortStableFunc(q.items, compare)
	if dropped > 0 {
		q.log.Warn("dropped malformed queue entries", logx.Int("dropped", dropped), logx.Int("restored", len(q.items)))
	}
	return len(q.items), dropped, nil
}
