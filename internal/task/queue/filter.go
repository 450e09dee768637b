package queue

import (
	"net/url"
	"path"
	"strconv"
	"strings"
)

// systemSegments are path segments that never lead to editable content.
var systemSegments = map[string]string{
	"wp-admin":     "admin path",
	"wp-login.php": "login path",
	"wp-json":      "api path",
	"xmlrpc.php":   "api path",
	"wp-content":   "asset path",
	"wp-includes":  "asset path",
	"feed":         "feed",
	"tag":          "tag archive",
	"author":       "author archive",
	"cart":         "shop system page",
	"checkout":     "shop system page",
	"my-account":   "shop system page",
	"search":       "search page",
	"login":        "login path",
}

var nonContentExt = map[string]bool{
	".xml": true, ".rss": true, ".json": true, ".txt": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".svg": true,
	".pdf": true, ".zip": true, ".css": true, ".js": true,
}

var systemQuery = []string{"s", "p", "attachment_id", "replytocom", "preview", "add-to-cart"}

// Filter drops URLs that must never enter the queue.
type Filter struct {
	urls       map[string]struct{}
	categories map[string]struct{}
}

// NewFilter builds a filter from excluded URLs (compared normalized) and
// excluded category path segments (compared case-insensitively).
func NewFilter(excludedURLs, excludedCategories []string) *Filter {
	f := &Filter{urls: map[string]struct{}{}, categories: map[string]struct{}{}}
	for _, u := range excludedURLs {
		if n, err := NormalizeURL(u); err == nil {
			f.urls[n] = struct{}{}
		}
	}
	for _, c := range excludedCategories {
		c = strings.Trim(strings.ToLower(strings.TrimSpace(c)), "/")
		if c != "" {
			f.categories[c] = struct{}{}
		}
	}
	return f
}

// Check returns ok=false and a reason when raw is excluded.
func (f *Filter) Check(raw string) (ok bool, reason string) {
	norm, err := NormalizeURL(raw)
	if err != nil {
		return false, err.Error()
	}
	if f != nil {
		if _, hit := f.urls[norm]; hit {
			return false, "excluded url"
		}
	}
	u, err := url.Parse(norm)
	if err != nil {
		return false, "unparseable url"
	}
	if ext := strings.ToLower(path.Ext(u.Path)); nonContentExt[ext] {
		return false, "non-content file " + ext
	}
	q := u.Query()
	for _, k := range systemQuery {
		if q.Has(k) {
			return false, "system query " + k
		}
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segs {
		seg = strings.ToLower(seg)
		if seg == "" {
			continue
		}
		if r, hit := systemSegments[seg]; hit {
			return false, r
		}
		if seg == "page" && i+1 < len(segs) {
			if _, err := strconv.Atoi(segs[i+1]); err == nil {
				return false, "pagination"
			}
		}
		if f != nil {
			if _, hit := f.categories[seg]; hit {
				return false, "excluded category " + seg
			}
		}
	}
	return true, ""
}
