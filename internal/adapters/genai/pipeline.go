// Package genai generates refreshed page content with a Gemini model.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"google.golang.org/genai"

	"refreshbot/internal/controller"
	"refreshbot/internal/task/policy"
)

const defaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey      string
	Model       string
	Language    string
	MinWords    int
	Temperature float32
	// BaseURL overrides the API endpoint. Tests point it at a local server.
	BaseURL string
}

// Pipeline asks the model for a complete article as JSON and checks what
// comes back before handing it to the quality gate.
type Pipeline struct {
	client *genai.Client
	cfg    Config
	strip  *bluemonday.Policy
}

func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Language == "" {
		cfg.Language = "English"
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 600
	}
	strip := bluemonday.StrictPolicy()
	strip.AddSpaceWhenStrippingTag(true)
	p := &Pipeline{cfg: cfg, strip: strip}
	if cfg.APIKey == "" {
		// Start reports the missing key; building must not fail on it.
		return p, nil
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Pipeline) HasCredentials() bool { return p.client != nil }

func (p *Pipeline) Name() string { return "genai:" + p.cfg.Model }

type article struct {
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	HTML    string `json:"html"`
	Quality int    `json:"quality"`
}

func (p *Pipeline) Generate(ctx context.Context, keyword string, opts controller.GenerateOptions) (controller.Content, error) {
	if p.client == nil {
		return controller.Content{}, policy.NoRetry(errors.New("genai: no api key"))
	}
	temp := p.cfg.Temperature
	if temp <= 0 {
		temp = 0.7
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, genai.Text(p.prompt(keyword, opts)), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return controller.Content{}, classify(err)
	}

	var a article
	if err := json.Unmarshal([]byte(stripFences(resp.Text())), &a); err != nil {
		return controller.Content{}, fmt.Errorf("genai: decode article: %w", err)
	}
	a.Title = strings.TrimSpace(a.Title)
	if a.Title == "" || strings.TrimSpace(a.HTML) == "" {
		return controller.Content{}, errors.New("genai: article missing title or body")
	}
	words := len(strings.Fields(p.strip.Sanitize(a.HTML)))
	quality := min(max(a.Quality, 0), 100)
	if words < p.cfg.MinWords {
		// Short output is a quality problem, not a failure.
		quality = quality * words / p.cfg.MinWords
	}
	slug := Slugify(a.Slug)
	if slug == "" {
		slug = Slugify(a.Title)
	}
	return controller.Content{
		Title:        a.Title,
		Slug:         slug,
		HTML:         a.HTML,
		QualityScore: quality,
		WordCount:    words,
	}, nil
}

const systemPrompt = `You rewrite outdated web pages. Reply with one JSON object only:
{"title": string, "slug": string, "html": string, "quality": integer 0-100}.
"html" is the article body using p, h2, h3, ul, ol, li, strong, em and a tags.
"quality" is your honest rating of accuracy, depth and readability.`

func (p *Pipeline) prompt(keyword string, opts controller.GenerateOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an up-to-date article in %s about %q.\n", p.cfg.Language, keyword)
	fmt.Fprintf(&b, "It replaces the page at %s.\n", opts.URL)
	fmt.Fprintf(&b, "Aim for at least %d words.\n", p.cfg.MinWords)
	return b.String()
}

var fence = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.*?)\\s*```\\s*$")

func stripFences(s string) string {
	if m := fence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// classify maps API errors onto the retry policy: rate limits carry their
// wait, client errors other than 429 are permanent.
func classify(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var p *genai.APIError
		if !errors.As(err, &p) || p == nil {
			return fmt.Errorf("genai: %w", err)
		}
		apiErr = *p
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return policy.RetryAfter(fmt.Errorf("genai: %w", err), retryDelay(apiErr))
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return policy.NoRetry(fmt.Errorf("genai: %w", err))
	default:
		return fmt.Errorf("genai: %w", err)
	}
}

// retryDelay reads google.rpc.RetryInfo from the error details.
func retryDelay(e genai.APIError) time.Duration {
	for _, d := range e.Details {
		if t, _ := d["@type"].(string); !strings.HasSuffix(t, "RetryInfo") {
			continue
		}
		if s, ok := d["retryDelay"].(string); ok {
			if v, err := time.ParseDuration(s); err == nil {
				return v
			}
			if n, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64); err == nil {
				return time.Duration(n * float64(time.Second))
			}
		}
	}
	return time.Minute
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and keeps runs of ASCII letters and digits joined by
// single hyphens.
func Slugify(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "-")
	}
	return s
}
