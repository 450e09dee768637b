package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	kit "refreshbot/internal/transport"
	"refreshbot/pkg/logx"
)

type sent struct {
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
	ThreadID string `json:"message_thread_id"`
}

func fakeAPI(t *testing.T) (*httptest.Server, func() []sent) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []sent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bot123:abc/sendMessage") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var raw map[string]any
		_ = json.Unmarshal(body, &raw)
		s := sent{ChatID: fmt.Sprint(raw["chat_id"]), Text: fmt.Sprint(raw["text"])}
		if v, ok := raw["message_thread_id"]; ok {
			s.ThreadID = fmt.Sprint(v)
		}
		mu.Lock()
		got = append(got, s)
		n := len(got)
		mu.Unlock()
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1700000000,"chat":{"id":42,"type":"private"}}}`, 100+n)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []sent {
		mu.Lock()
		defer mu.Unlock()
		return append([]sent(nil), got...)
	}
}

func TestSendTextOffline(t *testing.T) {
	srv, got := fakeAPI(t)
	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref, err := s.SendText(context.Background(), kit.ChatTarget{ChatID: 42, ThreadID: 9}, "engine stopped", nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 101 || ref.ChatID != 42 {
		t.Fatalf("ref = %+v", ref)
	}
	msgs := got()
	if len(msgs) != 1 || msgs[0].Text != "engine stopped" || msgs[0].ChatID != "42" || msgs[0].ThreadID != "9" {
		t.Fatalf("sent = %+v", msgs)
	}
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	srv, got := fakeAPI(t)
	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("line of activity\n", 400) // 6800 runes
	if _, err := s.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, long, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(got()); n != 2 {
		t.Fatalf("sent %d messages, want 2", n)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("empty token accepted")
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 8) + "<b>bold</b>"
	chunks := splitText(s, 10, "HTML")
	if chunks[0] != strings.Repeat("a", 8) {
		t.Fatalf("chunks = %q", chunks)
	}
	if strings.Join(chunks, "") != s {
		t.Fatalf("split lost text: %q", chunks)
	}
}
