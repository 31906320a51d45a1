package metricsserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type mockMetricsHandler struct {
	called bool
}

func (m *mockMetricsHandler) ServeHTTP(ctx *fasthttp.RequestCtx) {
	m.called = true
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("# HELP test_metric A test metric\n# TYPE test_metric counter\ntest_metric 42\n")
}

func TestStart_Disabled(t *testing.T) {
	handler := &mockMetricsHandler{}

	server := Start(false, ":19091", "/metrics", handler, zap.NewNop())

	assert.Nil(t, server, "disabled metrics should not start a server")
	assert.False(t, handler.called)
}

func TestHandler_CorrectPath(t *testing.T) {
	mockHandler := &mockMetricsHandler{}
	handler := newHandler("/metrics", mockHandler)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")

	handler(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, mockHandler.called)
	assert.Contains(t, string(ctx.Response.Body()), "test_metric 42")
}

func TestHandler_WrongPath(t *testing.T) {
	mockHandler := &mockMetricsHandler{}
	handler := newHandler("/metrics", mockHandler)

	testCases := []struct {
		name string
		path string
	}{
		{"root path", "/"},
		{"health path", "/health"},
		{"wrong metrics path", "/metric"},
		{"nested path", "/metrics/detailed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockHandler.called = false
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI(tc.path)

			handler(ctx)

			assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
			assert.False(t, mockHandler.called)
		})
	}
}

func TestHandler_CustomPath(t *testing.T) {
	mockHandler := &mockMetricsHandler{}
	handler := newHandler("/custom/metrics", mockHandler)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/custom/metrics")
	handler(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, mockHandler.called)

	mockHandler.called = false
	ctx2 := &fasthttp.RequestCtx{}
	ctx2.Request.SetRequestURI("/metrics")
	handler(ctx2)

	assert.Equal(t, fasthttp.StatusNotFound, ctx2.Response.StatusCode())
	assert.False(t, mockHandler.called)
}
