// Package linknorm validates raw user input and reduces it to one canonical
// marketplace product link.
//
// Only string-level unwrapping is performed: affiliate redirect links carry
// the destination in an origin_link query parameter, possibly percent-encoded
// several times, and are unwrapped recursively up to MaxRedirectDepth levels.
// No network request is ever made.
package linknorm

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxLength bounds the trimmed input in characters.
	DefaultMaxLength = 2048
	// MaxRedirectDepth is the number of nested redirect layers that may be unwrapped.
	MaxRedirectDepth = 2
)

var (
	linkPattern = regexp.MustCompile(`(?i)https?://[^\s\p{Z}"'<>]+`)

	marketHost    = regexp.MustCompile(`(?i)(^|\.)shopee\.[a-z.]+$`)
	shortSubHost  = regexp.MustCompile(`(?i)^[a-z0-9-]+\.shp\.ee$`)
	shortSHost    = regexp.MustCompile(`(?i)^s\.shopee\.[a-z.]+$`)
	shortBareHost = map[string]bool{"shope.ee": true, "shp.ee": true}

	productPaths = []*regexp.Regexp{
		regexp.MustCompile(`(?i)-i\.(\d+)\.(\d+)/?$`),
		regexp.MustCompile(`(?i)^/product/(\d+)/(\d+)/?$`),
		regexp.MustCompile(`(?i)^/universal-link/product/(\d+)/(\d+)/?$`),
	}
)

// Normalizer turns raw text into a canonical link.
type Normalizer struct {
	maxLength int
}

// New returns a Normalizer; maxLength <= 0 selects DefaultMaxLength.
func New(maxLength int) *Normalizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Normalizer{maxLength: maxLength}
}

// Normalize validates raw and returns the canonical link. Every rejection is
// a *Rejection.
func (n *Normalizer) Normalize(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", reject(ReasonEmpty)
	}
	if utf8.RuneCountInString(value) > n.maxLength {
		return "", reject(ReasonTooLong)
	}

	links := linkPattern.FindAllString(value, -1)
	switch {
	case len(links) == 0:
		return "", reject(ReasonNoLink)
	case len(links) > 1:
		return "", reject(ReasonMultipleLinks)
	}
	link := strings.TrimSpace(links[0])
	if link != value {
		return "", reject(ReasonExtraText)
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", reject(ReasonUnsupported)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", reject(ReasonScheme)
	}

	canonical, ok := resolve(link, 0)
	if !ok {
		return "", reject(ReasonUnsupported)
	}
	return canonical, nil
}

// resolve returns the canonical form of link, unwrapping redirect layers.
func resolve(link string, depth int) (string, bool) {
	if depth > MaxRedirectDepth {
		return "", false
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	host := normalizeHost(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	switch {
	case isShortHost(host):
		if isRedirectPath(path) {
			return unwrap(u, depth)
		}
		token, _, _ := strings.Cut(strings.TrimLeft(path, "/"), "/")
		if token == "" {
			return "", false
		}
		return link, true
	case marketHost.MatchString(host):
		if isProductPath(path) {
			return link, true
		}
		if isRedirectPath(path) {
			return unwrap(u, depth)
		}
	}
	return "", false
}

func unwrap(u *url.URL, depth int) (string, bool) {
	origin, ok := decodeHTTPURL(originLink(u.RawQuery))
	if !ok {
		return "", false
	}
	return resolve(origin, depth+1)
}

// decodeHTTPURL percent-decodes raw until it parses as an absolute http(s)
// URL, stopping at a fixed point or after MaxRedirectDepth+1 rounds.
func decodeHTTPURL(raw string) (string, bool) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", false
	}
	for i := 0; i <= MaxRedirectDepth; i++ {
		if u, err := url.Parse(candidate); err == nil &&
			(u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return candidate, true
		}
		decoded, err := url.PathUnescape(candidate)
		if err != nil || decoded == candidate {
			break
		}
		candidate = decoded
	}
	return "", false
}

// originLink returns the first origin_link value, matching the key
// case-insensitively and keeping query order.
func originLink(rawQuery string) string {
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil || !strings.EqualFold(key, "origin_link") {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			value = rawValue
		}
		return strings.TrimSpace(value)
	}
	return ""
}

func normalizeHost(host string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(host)), ".")
}

func isShortHost(host string) bool {
	return shortBareHost[host] || shortSubHost.MatchString(host) || shortSHost.MatchString(host)
}

func isRedirectPath(path string) bool {
	return strings.ToLower(strings.TrimRight(path, "/")) == "/an_redir"
}

func isProductPath(path string) bool {
	for _, re := range productPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
