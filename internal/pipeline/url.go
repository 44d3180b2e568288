package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL reduces a source URL to the canonical deduplication key. Two
// URLs name the same item iff their normalized forms are equal, so the same
// function must be applied on both sides of every comparison.
//
// The canonical form lowercases the URL, coerces the scheme to https, strips
// a conventional "www." host prefix and any default port, strips a trailing
// path slash, and drops the query string and fragment. The result is a fixed
// point: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("empty url")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" && u.Scheme == "" {
		// Bare "example.com/watch" style input; reparse with a scheme so the
		// host lands in the right field.
		u, err = url.Parse("https://" + trimmed)
		if err != nil {
			return "", fmt.Errorf("parse schemeless url: %w", err)
		}
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = "https"

	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")
	for strings.HasPrefix(host, "www.") {
		host = strings.TrimPrefix(host, "www.")
	}
	u.Host = host

	path := strings.ToLower(u.Path)
	for strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	u.Path = path
	u.RawPath = ""

	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

// Host extracts the lowercase hostname from a URL for labeling purposes. It
// returns "unknown" rather than an error for malformed input.
func Host(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "unknown"
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
