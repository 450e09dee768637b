package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"refreshbot/internal/controller"
	"refreshbot/internal/task/policy"
)

func modelServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
				"finishReason": "STOP",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateParsesArticle(t *testing.T) {
	body := "<h2>Why it matters</h2><p>" + strings.Repeat("tread ", 99) + "depth</p>"
	reply, _ := json.Marshal(map[string]any{"title": "Winter Tyres: 2026 Guide", "slug": "", "html": body, "quality": 88})
	srv := modelServer(t, "```json\n"+string(reply)+"\n```")

	p, err := New(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL, MinWords: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasCredentials() {
		t.Fatalf("HasCredentials = false with a key")
	}
	c, err := p.Generate(context.Background(), "winter tyres", controller.GenerateOptions{URL: "https://example.com/winter-tyres"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if c.Title != "Winter Tyres: 2026 Guide" || c.Slug != "winter-tyres-2026-guide" {
		t.Fatalf("content = %+v", c)
	}
	if c.WordCount != 103 || c.QualityScore != 88 {
		t.Fatalf("words=%d quality=%d", c.WordCount, c.QualityScore)
	}
}

func TestGenerateScalesQualityForShortOutput(t *testing.T) {
	reply, _ := json.Marshal(map[string]any{"title": "Short", "html": "<p>" + strings.Repeat("w ", 50) + "</p>", "quality": 90})
	srv := modelServer(t, string(reply))
	p, err := New(context.Background(), Config{APIKey: "k", BaseURL: srv.URL, MinWords: 100})
	if err != nil {
		t.Fatal(err)
	}
	c, err := p.Generate(context.Background(), "short", controller.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if c.QualityScore != 45 {
		t.Fatalf("quality = %d, want 45", c.QualityScore)
	}
}

func TestGenerateWithoutKey(t *testing.T) {
	p, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.HasCredentials() {
		t.Fatalf("HasCredentials = true without a key")
	}
	_, err = p.Generate(context.Background(), "x", controller.GenerateOptions{})
	if !policy.IsNoRetry(err) {
		t.Fatalf("err = %v, want no-retry", err)
	}
}

func TestClassify(t *testing.T) {
	limited := genai.APIError{
		Code:    429,
		Status:  "RESOURCE_EXHAUSTED",
		Details: []map[string]any{{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "17s"}},
	}
	err := classify(limited)
	var ra policy.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 17*time.Second {
		t.Fatalf("429 = %v", err)
	}
	if err := classify(genai.APIError{Code: 400}); !policy.IsNoRetry(err) {
		t.Fatalf("400 = %v, want no-retry", err)
	}
	if err := classify(genai.APIError{Code: 503}); policy.IsNoRetry(err) {
		t.Fatalf("503 marked no-retry")
	}
	if err := classify(errors.New("dial tcp: refused")); policy.IsNoRetry(err) {
		t.Fatalf("network error marked no-retry")
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Winter Tyres: 2026 Guide": "winter-tyres-2026-guide",
		"  --Hello__World--  ":     "hello-world",
		"Ünïcode only":             "n-code-only",
		"":                         "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
