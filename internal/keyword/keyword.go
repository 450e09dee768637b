// Package keyword turns a page URL into the topic label handed to the
// content pipeline.
package keyword

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	reNumeric   = regexp.MustCompile(`^\d+$`)
	reHex       = regexp.MustCompile(`^[0-9a-f]{6,}$`)
	reShortCode = regexp.MustCompile(`^[a-z]{1,3}[-_]?\d+$`)
	reUUID      = regexp.MustCompile(`^[0-9a-f]{8}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{12}$`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

var pageExt = map[string]bool{
	".html": true, ".htm": true, ".shtml": true, ".php": true,
	".asp": true, ".aspx": true, ".jsp": true, ".cfm": true,
}

var placeholder = map[string]bool{"index": true, "default": true}

// Derive returns a readable topic for rawURL: the last path segment, else
// its parent, else the registrable domain name. It returns "" only when
// rawURL has neither a usable path nor a host.
func Derive(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	segs := strings.FieldsFunc(u.EscapedPath(), func(r rune) bool { return r == '/' })
	for i := len(segs) - 1; i >= 0 && i >= len(segs)-2; i-- {
		label := clean(segs[i])
		if !IsNonSemantic(label) {
			return humanize(label)
		}
	}
	return domainLabel(u.Hostname())
}

// clean decodes a raw path segment and drops a page file extension.
func clean(seg string) string {
	if dec, err := url.PathUnescape(seg); err == nil {
		seg = dec
	}
	seg = strings.ToLower(strings.TrimSpace(seg))
	if ext := path.Ext(seg); pageExt[ext] {
		seg = strings.TrimSuffix(seg, ext)
	}
	return seg
}

// IsNonSemantic reports whether a cleaned segment is an opaque identifier
// rather than words: a number, a hex hash, a short letters+digits code, a
// UUID, an index page, or nothing at all.
func IsNonSemantic(seg string) bool {
	s := strings.ToLower(strings.Trim(seg, " -_+."))
	if s == "" || placeholder[s] {
		return true
	}
	switch {
	case reNumeric.MatchString(s):
		return true
	case reUUID.MatchString(s):
		return true
	case reShortCode.MatchString(s):
		return true
	case reHex.MatchString(s) && strings.ContainsAny(s, "0123456789"):
		return true
	}
	return false
}

func humanize(s string) string {
	s = strings.NewReplacer("-", " ", "_", " ", "+", " ", ".", " ").Replace(s)
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

func domainLabel(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if host == "" {
		return ""
	}
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		reg = host
	}
	name, _, _ := strings.Cut(reg, ".")
	return humanize(name)
}
