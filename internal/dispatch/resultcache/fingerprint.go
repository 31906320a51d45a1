// Package resultcache stores terminal scrape results keyed by a
// fingerprint of the request, with memory and redis backends.
package resultcache

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/scrapehive/dispatcher/pkg/types"
)

// Fingerprint returns the cache identity of a request: an XXHash64 over
// the normalized URL plus every request field that changes the fetched
// content. Two requests with the same fingerprint are interchangeable.
func Fingerprint(req *types.ScrapeRequest) string {
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		// Unparseable URLs still get a stable fingerprint; validation
		// rejects them before dispatch anyway.
		normalized = req.URL
	}

	var b strings.Builder
	b.WriteString(normalized)
	b.WriteByte('|')
	b.WriteString(string(req.Method))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(req.Stealth))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(req.Parse))

	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// NormalizeURL converts a URL to canonical form: lowered scheme and host,
// default ports stripped, path cleaned, query sorted, fragment dropped.
func NormalizeURL(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "//") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL: missing host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ".")

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = normalizePath(u.Path)
	u.RawQuery = normalizeQuery(u.RawQuery)
	u.Fragment = ""

	return u.String(), nil
}

func normalizePath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	parts := strings.Split(path, "/")
	var resolved []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 && resolved[len(resolved)-1] != ".." {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if len(result) > 1 && strings.HasSuffix(path, "/") {
		result += "/"
	}
	return result
}

// normalizeQuery sorts query parameters so URLs with the same params in
// different order share a fingerprint.
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}
	return strings.Join(parts, "&")
}
