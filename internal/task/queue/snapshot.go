package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Items   []json.RawMessage `json:"items"`
}

// EncodeSnapshot serializes items in their current order.
func EncodeSnapshot(items []Item, now time.Time) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("encode item %s: %w", it.ID, err)
		}
		raw = append(raw, b)
	}
	return json.Marshal(snapshotFile{Version: snapshotVersion, SavedAt: now.UTC(), Items: raw})
}

// wireItem accepts both the current snake_case keys and the older camelCase
// ones, and loosely typed timestamps.
type wireItem struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Priority    string          `json:"priority"`
	HealthScore *float64        `json:"health_score"`
	HealthAlt   *float64        `json:"healthScore"`
	AddedAt     json.RawMessage `json:"added_at"`
	AddedAlt    json.RawMessage `json:"addedAt"`
	Source      string          `json:"source"`
	RetryCount  *float64        `json:"retry_count"`
	RetryAlt    *float64        `json:"retryCount"`
	LastError   string          `json:"last_error"`
	LastErrAlt  string          `json:"lastError"`
}

// DecodeSnapshot parses a stored queue. Empty input is an empty queue. A bare
// JSON array is accepted as the legacy form. Entries that fail to decode or
// have no url are counted in dropped and skipped; only an unreadable
// envelope is an error.
func DecodeSnapshot(data []byte, now time.Time) (items []Item, dropped int, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, 0, nil
	}

	var raw []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, 0, fmt.Errorf("decode legacy queue: %w", err)
		}
	} else {
		var f snapshotFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, 0, fmt.Errorf("decode queue snapshot: %w", err)
		}
		if f.Version > snapshotVersion {
			return nil, 0, fmt.Errorf("decode queue snapshot: unsupported version %d", f.Version)
		}
		raw = f.Items
	}

	items = make([]Item, 0, len(raw))
	for _, r := range raw {
		it, ok := decodeItem(r, now)
		if !ok {
			dropped++
			continue
		}
		items = append(items, it)
	}
	return items, dropped, nil
}

func decodeItem(r json.RawMessage, now time.Time) (Item, bool) {
	var w wireItem
	if err := json.Unmarshal(r, &w); err != nil {
		return Item{}, false
	}
	if strings.TrimSpace(w.URL) == "" {
		return Item{}, false
	}
	if _, err := NormalizeURL(w.URL); err != nil {
		return Item{}, false
	}

	it := Item{
		ID:        strings.TrimSpace(w.ID),
		URL:       strings.TrimSpace(w.URL),
		Source:    Source(strings.ToLower(w.Source)),
		LastError: firstNonEmpty(w.LastError, w.LastErrAlt),
	}
	if v := firstNum(w.HealthScore, w.HealthAlt); v != nil {
		it.HealthScore = clampScore(int(*v))
	} else {
		it.HealthScore = 50
	}
	if v := firstNum(w.RetryCount, w.RetryAlt); v != nil && *v > 0 {
		it.RetryCount = int(*v)
	}
	if p, ok := ParsePriority(w.Priority); ok {
		it.Priority = p
	} else {
		it.Priority = PriorityForScore(it.HealthScore)
	}
	if it.Source != SourceManual && it.Source != SourceScan {
		it.Source = SourceScan
	}
	it.AddedAt = parseLooseTime(w.AddedAt)
	if it.AddedAt.IsZero() {
		it.AddedAt = parseLooseTime(w.AddedAlt)
	}
	if it.AddedAt.IsZero() {
		it.AddedAt = now
	}
	return it, true
}

// parseLooseTime reads an RFC 3339 string or a unix epoch in milliseconds.
func parseLooseTime(r json.RawMessage) time.Time {
	if len(r) == 0 {
		return time.Time{}
	}
	var s string
	if json.Unmarshal(r, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}
	var ms float64
	if json.Unmarshal(r, &ms) == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

func firstNum(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
