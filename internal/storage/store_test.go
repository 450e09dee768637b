package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"refreshbot/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "refreshbot.db"), HistoryKeep: 3}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		out[driver] = st
	}
	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func TestQueueSlotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			data, err := st.LoadQueue(ctx)
			if err != nil || len(data) != 0 {
				t.Fatalf("empty load: %q %v", data, err)
			}
			if err := st.SaveQueue(ctx, []byte(`{"version":1,"items":[]}`)); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := st.SaveQueue(ctx, []byte(`{"version":1,"items":[{"url":"https://a.example"}]}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			data, err = st.LoadQueue(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if string(data) != `{"version":1,"items":[{"url":"https://a.example"}]}` {
				t.Fatalf("load=%s", data)
			}
		})
	}
}

func TestHistoryAppendRecentCount(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	recs := []HistoryRecord{
		{ItemID: "1", At: day.Add(-time.Hour), URL: "https://a.example/old", Action: ActionPublished},
		{ItemID: "2", At: day.Add(time.Hour), URL: "https://a.example/a", Action: ActionPublished, QualityScore: 90, WordCount: 1200},
		{ItemID: "3", At: day.Add(2 * time.Hour), URL: "https://a.example/b", Action: ActionSkipped, QualityScore: 60, Content: "<p>draft</p>"},
		{ItemID: "4", At: day.Add(3 * time.Hour), URL: "https://a.example/c", Action: ActionError, Stage: "publish", Error: "503"},
	}
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			for _, r := range recs {
				if err := st.AppendHistory(ctx, r); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			got, err := st.RecentHistory(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].ItemID != "4" || got[1].ItemID != "3" {
				t.Fatalf("recent=%+v", got)
			}
			if got[0].Stage != "publish" || got[1].Content != "<p>draft</p>" || !got[1].At.Equal(recs[2].At) {
				t.Fatalf("fields lost: %+v", got)
			}

			n, err := st.CountSince(ctx, day)
			if err != nil || n != 3 {
				t.Fatalf("count all=%d err=%v", n, err)
			}
			n, err = st.CountSince(ctx, day, ActionPublished, ActionGenerated, ActionSkipped)
			if err != nil || n != 2 {
				t.Fatalf("count processed=%d err=%v", n, err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.SaveQueue(ctx, []byte("[]"))
	_ = st.AppendHistory(ctx, HistoryRecord{URL: "https://a.example", Action: ActionGenerated})
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	data, _ := st.LoadQueue(ctx)
	if string(data) != "[]" {
		t.Fatalf("queue=%q", data)
	}
	recs, _ := st.RecentHistory(ctx, 0)
	if len(recs) != 1 {
		t.Fatalf("history=%+v", recs)
	}
}

func TestFileStoreCompactsHistory(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json"), HistoryKeep: 2}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	for i := 0; i < 5; i++ {
		if err := st.AppendHistory(ctx, HistoryRecord{URL: "https://a.example", ItemID: string(rune('a' + i)), Action: ActionPublished}); err != nil {
			t.Fatal(err)
		}
	}
	recs, _ := st.RecentHistory(ctx, 0)
	if len(recs) != 2 || recs[0].ItemID != "e" || recs[1].ItemID != "d" {
		t.Fatalf("after compaction got %d records: %+v", len(recs), recs)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
