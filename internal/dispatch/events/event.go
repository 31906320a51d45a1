// Package events records one event per terminal scrape outcome and fans
// it out to the configured sinks (log file, ClickHouse).
package events

import (
	"time"

	"github.com/scrapehive/dispatcher/pkg/types"
)

// ScrapeEvent is the per-submission audit record.
type ScrapeEvent struct {
	Timestamp      time.Time          `json:"timestamp"`
	RequestID      string             `json:"request_id"`
	URL            string             `json:"url"`
	Method         types.ScrapeMethod `json:"method"`
	MethodUsed     types.ScrapeMethod `json:"method_used,omitempty"`
	Status         string             `json:"status"`
	RunnerID       string             `json:"runner_id,omitempty"`
	Proxy          string             `json:"proxy,omitempty"`
	Attempts       int                `json:"attempts"`
	ResponseTimeMs int64              `json:"response_time_ms"`
	FromCache      bool               `json:"from_cache"`
	Error          string             `json:"error,omitempty"`
}

// Emitter is implemented by event sinks. Emit is fire-and-forget and
// non-blocking; errors are logged inside the emitter, never returned.
type Emitter interface {
	Emit(event *ScrapeEvent)
	Close() error
}

// NoopEmitter is used when event logging is disabled.
type NoopEmitter struct{}

func (n *NoopEmitter) Emit(event *ScrapeEvent) {}

func (n *NoopEmitter) Close() error { return nil }

// MultiEmitter fans one event out to several sinks.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter wraps the given emitters. With zero or one emitter the
// caller should use that emitter directly.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event *ScrapeEvent) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Close closes every sink, returning the first error seen.
func (m *MultiEmitter) Close() error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
