// Package headers implements the request header filtering policies applied
// before a request is forwarded upstream.
package headers

import (
	"fmt"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"
)

// Policy filters an inbound header collection down to the entries that may be
// forwarded upstream. Implementations never modify the input and never fail;
// an empty result is valid.
type Policy interface {
	Filter(in http.Header) http.Header
}

// maskHeaders is the browser-like identity the deny-list policy applies after
// filtering, overwriting any same-named survivors.
var maskHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "*/*",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate, br",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
}

// AllowList forwards only headers whose name matches a configured entry or
// one of the configured patterns; everything else is dropped.
type AllowList struct {
	names    map[string]bool
	patterns []*regexp.Regexp
}

// NewAllowList builds an allow-list from exact header names and optional
// regular expressions. Names are canonicalized once here; patterns are
// matched against the canonical form of each inbound name.
func NewAllowList(names, patterns []string) (*AllowList, error) {
	p := &AllowList{names: make(map[string]bool, len(names))}
	for _, name := range names {
		p.names[textproto.CanonicalMIMEHeaderKey(name)] = true
	}
	for _, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile header pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

func (p *AllowList) Filter(in http.Header) http.Header {
	out := make(http.Header, len(p.names))
	for key, values := range in {
		if !p.names[key] && !p.matchesPattern(key) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

func (p *AllowList) matchesPattern(key string) bool {
	for _, re := range p.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// DenyList forwards everything except a case-insensitive name set, then
// overlays the synthetic browser identity on the result.
type DenyList struct {
	names map[string]bool
}

// NewDenyList builds a deny-list from header names; matching is
// case-insensitive.
func NewDenyList(names []string) *DenyList {
	p := &DenyList{names: make(map[string]bool, len(names))}
	for _, name := range names {
		p.names[strings.ToLower(name)] = true
	}
	return p
}

func (p *DenyList) Filter(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		if p.names[strings.ToLower(key)] {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	for name, value := range maskHeaders {
		out.Set(name, value)
	}
	return out
}
