// Package metrics collects Prometheus metrics for the dispatcher and
// renders them onto the fasthttp metrics listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector holds all dispatcher metrics.
type Collector struct {
	scrapesTotal   *prometheus.CounterVec
	scrapeDuration *prometheus.HistogramVec
	scrapeAttempts *prometheus.HistogramVec

	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
	cacheErrorsTotal prometheus.Counter

	rateLimitedTotal prometheus.Counter

	runnerInvocationsTotal *prometheus.CounterVec
	proxyOutcomesTotal     *prometheus.CounterVec

	activeRunners    prometheus.Gauge
	poolSize         prometheus.Gauge
	proxiesAvailable prometheus.Gauge

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewCollector registers the dispatcher metrics on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry registers on a custom registry; tests use this
// to avoid duplicate-registration panics.
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.scrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "scrapes_total",
			Help:      "Total number of scrape submissions by terminal status",
		},
		[]string{"status", "method_used"},
	)

	c.scrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "scrape_duration_seconds",
			Help:      "End-to-end time to resolve a scrape submission",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"status"},
	)

	c.scrapeAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "scrape_attempts",
			Help:      "Attempts consumed per scrape submission",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"status"},
	)

	c.cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of result cache hits",
	})

	c.cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of result cache misses",
	})

	c.cacheErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookup_errors_total",
		Help:      "Total number of cache lookups downgraded to misses after backend errors",
	})

	c.rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "rate_limited_total",
		Help:      "Total number of submissions rejected by the rate limiter",
	})

	c.runnerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runners",
			Name:      "invocations_total",
			Help:      "Total runner invocations by outcome",
		},
		[]string{"outcome"},
	)

	c.proxyOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxies",
			Name:      "outcomes_total",
			Help:      "Total proxy attempt outcomes",
		},
		[]string{"outcome"},
	)

	c.activeRunners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runners",
		Name:      "active",
		Help:      "Number of runners currently active",
	})

	c.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxies",
		Name:      "pool_size",
		Help:      "Number of proxies in the pool",
	})

	c.proxiesAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxies",
		Name:      "available",
		Help:      "Number of proxies currently selectable (not cooling down)",
	})

	// registries implement Gatherer; fall back for bare Registerers
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	registerer.MustRegister(
		c.scrapesTotal,
		c.scrapeDuration,
		c.scrapeAttempts,
		c.cacheHitsTotal,
		c.cacheMissesTotal,
		c.cacheErrorsTotal,
		c.rateLimitedTotal,
		c.runnerInvocationsTotal,
		c.proxyOutcomesTotal,
		c.activeRunners,
		c.poolSize,
		c.proxiesAvailable,
	)

	return c
}

// RecordScrape records one terminal submission outcome.
func (c *Collector) RecordScrape(status, methodUsed string, duration time.Duration, attempts int) {
	if c == nil {
		return
	}
	c.scrapesTotal.WithLabelValues(status, methodUsed).Inc()
	c.scrapeDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.scrapeAttempts.WithLabelValues(status).Observe(float64(attempts))
}

func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHitsTotal.Inc()
}

func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMissesTotal.Inc()
}

func (c *Collector) RecordCacheError() {
	if c == nil {
		return
	}
	c.cacheErrorsTotal.Inc()
}

func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimitedTotal.Inc()
}

// RecordRunnerInvocation counts one invoke by outcome label
// (success, timeout, unavailable, rejected, failed).
func (c *Collector) RecordRunnerInvocation(outcome string) {
	if c == nil {
		return
	}
	c.runnerInvocationsTotal.WithLabelValues(outcome).Inc()
}

// RecordProxyOutcome counts one proxy attempt outcome (success, failure).
func (c *Collector) RecordProxyOutcome(success bool) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.proxyOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetPoolGauges refreshes the point-in-time pool gauges.
func (c *Collector) SetPoolGauges(activeRunners, poolSize, proxiesAvailable int) {
	if c == nil {
		return
	}
	c.activeRunners.Set(float64(activeRunners))
	c.poolSize.Set(float64(poolSize))
	c.proxiesAvailable.Set(float64(proxiesAvailable))
}

// ServeHTTP renders the metrics in Prometheus exposition format.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}
