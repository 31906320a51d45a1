package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

func TestCollector_Recording(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry("dispatcher", registry, zap.NewNop())

	c.RecordScrape("success", "http_only", 150*time.Millisecond, 1)
	c.RecordScrape("failed", "", 2*time.Second, 3)

	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordCacheError()

	c.RecordRateLimited()

	c.RecordRunnerInvocation("success")
	c.RecordRunnerInvocation("timeout")
	c.RecordProxyOutcome(true)
	c.RecordProxyOutcome(false)

	c.SetPoolGauges(3, 25, 20)

	assert.NotNil(t, c)
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector

	// a dispatcher running without metrics calls through a nil collector
	c.RecordScrape("success", "http_only", time.Second, 1)
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordCacheError()
	c.RecordRateLimited()
	c.RecordRunnerInvocation("success")
	c.RecordProxyOutcome(true)
	c.SetPoolGauges(0, 0, 0)
}

func TestCollector_HTTPEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry("dispatcher", registry, zap.NewNop())

	c.RecordScrape("success", "http_only", 100*time.Millisecond, 1)
	c.RecordCacheHit()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	ctx.Request.Header.SetMethod("GET")

	c.ServeHTTP(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	body := string(ctx.Response.Body())
	assert.Contains(t, body, "dispatcher_dispatch_scrapes_total")
	assert.Contains(t, body, "dispatcher_cache_hits_total")
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "# TYPE")
}
