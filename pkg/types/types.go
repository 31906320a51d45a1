// Package types holds the wire and data types shared between the
// dispatcher's packages: scrape requests and results, runner and proxy
// descriptors, and the extended Duration used in YAML configuration.
package types

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ScrapeMethod selects how a runner should fetch a page.
type ScrapeMethod string

const (
	// MethodAuto lets the dispatcher start with a plain HTTP fetch and
	// escalate to a rendered fetch when the fast path comes back empty or
	// the runner signals that rendering is required.
	MethodAuto ScrapeMethod = "auto"
	// MethodHTTPOnly forces a plain HTTP fetch with no escalation.
	MethodHTTPOnly ScrapeMethod = "http_only"
	// MethodRendered forces a full browser render.
	MethodRendered ScrapeMethod = "rendered"
)

// Valid reports whether m is one of the known scrape methods.
func (m ScrapeMethod) Valid() bool {
	switch m {
	case MethodAuto, MethodHTTPOnly, MethodRendered:
		return true
	}
	return false
}

// RunnerStatus is the lifecycle state of a registered runner.
type RunnerStatus string

const (
	RunnerActive  RunnerStatus = "active"
	RunnerIdle    RunnerStatus = "idle"
	RunnerOffline RunnerStatus = "offline"
	RunnerError   RunnerStatus = "error"
)

// ResultStatus is the terminal state of a scrape attempt as reported by a
// runner.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusTimeout ResultStatus = "timeout"
)

// ScrapeRequest is a single scrape submitted to the dispatcher.
type ScrapeRequest struct {
	URL      string       `json:"url"`
	Method   ScrapeMethod `json:"method,omitempty"`
	Stealth  bool         `json:"stealth,omitempty"`
	UseCache bool         `json:"use_cache,omitempty"`
	Parse    bool         `json:"parse,omitempty"`
	// CallerKey identifies the submitting client for rate limiting.
	// Empty means the anonymous bucket.
	CallerKey string `json:"caller_key,omitempty"`
}

// Validate checks the request is well formed and normalizes the method,
// defaulting an empty method to auto.
func (r *ScrapeRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	if r.Method == "" {
		r.Method = MethodAuto
	}
	if !r.Method.Valid() {
		return fmt.Errorf("unknown scrape method %q", r.Method)
	}
	return nil
}

// ScrapeResult is the terminal outcome of a dispatched scrape.
type ScrapeResult struct {
	Content        string       `json:"content,omitempty"`
	Status         ResultStatus `json:"status"`
	MethodUsed     ScrapeMethod `json:"method_used"`
	RunnerUsed     string       `json:"runner_used,omitempty"`
	ProxyUsed      string       `json:"proxy_used,omitempty"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	FromCache      bool         `json:"from_cache,omitempty"`
	Attempts       int          `json:"attempts,omitempty"`
}

// ProxyCredentials is one upstream proxy endpoint. Host:port is the pool
// identity; credentials are opaque to the dispatcher.
type ProxyCredentials struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Key returns the pool identity for the proxy.
func (p ProxyCredentials) Key() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// RunnerCapabilities describes which fetch methods a runner supports.
type RunnerCapabilities struct {
	HTTPOnly bool `json:"http_only" yaml:"http_only"`
	Rendered bool `json:"rendered" yaml:"rendered"`
}

// Supports reports whether the runner can serve an attempt using method m.
// Auto attempts match any runner.
func (c RunnerCapabilities) Supports(m ScrapeMethod) bool {
	switch m {
	case MethodHTTPOnly:
		return c.HTTPOnly
	case MethodRendered:
		return c.Rendered
	default:
		return c.HTTPOnly || c.Rendered
	}
}

// CompressionAlgorithm names a cache content compression scheme.
type CompressionAlgorithm string

const (
	CompressionNone   CompressionAlgorithm = "none"
	CompressionSnappy CompressionAlgorithm = "snappy"
	CompressionLZ4    CompressionAlgorithm = "lz4"
)

// Valid reports whether a is a supported compression algorithm.
func (a CompressionAlgorithm) Valid() bool {
	switch a {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML/JSON support for the standard Go
// suffixes plus d (days) and w (weeks). Bare integers are rejected so a
// config cannot silently mean nanoseconds.
type Duration time.Duration

// ParseDuration parses s, accepting everything time.ParseDuration accepts
// plus the d and w suffixes.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if rest, ok := strings.CutSuffix(s, "w"); ok {
		n, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return Duration(n * float64(7*24*time.Hour)), nil
	}
	if rest, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(d), nil
}

// ToDuration returns the wrapped time.Duration.
func (d Duration) ToDuration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("duration must be a quoted string")
	}
	parsed, perr := ParseDuration(raw)
	if perr != nil {
		return perr
	}
	*d = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}
