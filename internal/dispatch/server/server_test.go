package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/common/httputil"
	"github.com/scrapehive/dispatcher/internal/dispatch/events"
	"github.com/scrapehive/dispatcher/internal/dispatch/orchestrator"
	"github.com/scrapehive/dispatcher/internal/dispatch/proxypool"
	"github.com/scrapehive/dispatcher/internal/dispatch/ratelimit"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
	"github.com/scrapehive/dispatcher/internal/dispatch/resultcache"
	"github.com/scrapehive/dispatcher/internal/dispatch/runnerclient"
	"github.com/scrapehive/dispatcher/pkg/types"
)

type stubInvoker struct {
	response *runnerclient.Response
	err      error
}

func (s *stubInvoker) Invoke(context.Context, string, *runnerclient.Request) (*runnerclient.Response, error) {
	return s.response, s.err
}

func newTestServer(t *testing.T, invoker runnerclient.Invoker) *Server {
	t.Helper()

	reg := registry.NewRegistry(time.Minute, false, zap.NewNop())
	pool := proxypool.NewPool(proxypool.Settings{
		CooldownThreshold: 3,
		CooldownBase:      30 * time.Second,
		CooldownMax:       10 * time.Minute,
		ExplorationFloor:  0.05,
		LatencyBaseline:   2 * time.Second,
		StalenessWindow:   24 * time.Hour,
	}, zap.NewNop())

	dispatcher := orchestrator.NewDispatcher(
		reg,
		pool,
		resultcache.NewMemoryStore(time.Minute, 100),
		ratelimit.New(ratelimit.Config{Enabled: false}),
		invoker,
		&events.NoopEmitter{},
		nil,
		orchestrator.Config{
			MaxAttempts:     3,
			AttemptTimeout:  time.Second,
			RetryBackoff:    time.Millisecond,
			MinContentBytes: 8,
		},
		zap.NewNop(),
	)

	return NewServer(dispatcher, reg, pool, nil, nil, zap.NewNop())
}

func doRequest(server *Server, method, path, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(path)
	req.Header.SetMethod(method)
	if body != "" {
		req.SetBodyString(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	server.Handler()(ctx)
	return ctx
}

func registerRunner(t *testing.T, server *Server, id string) {
	t.Helper()
	body := fmt.Sprintf(
		`{"id":%q,"url":"http://%s:8000","capabilities":{"http_only":true,"rendered":true}}`, id, id)
	ctx := doRequest(server, "POST", PathRunners, body)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func addProxy(t *testing.T, server *Server, host string) {
	t.Helper()
	ctx := doRequest(server, "POST", PathProxies, fmt.Sprintf(`{"host":%q,"port":8080}`, host))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	ctx := doRequest(server, "GET", PathHealth, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp httputil.APIResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, ctx.Response.Header.Peek("X-Request-ID"))
}

func TestReadyReflectsRunnerAvailability(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	ctx := doRequest(server, "GET", PathReady, "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	registerRunner(t, server, "r1")

	ctx = doRequest(server, "GET", PathReady, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestRunnerLifecycle(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	registerRunner(t, server, "r1")
	registerRunner(t, server, "r2")

	ctx := doRequest(server, "GET", PathRunners, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"r1"`)
	assert.Contains(t, string(ctx.Response.Body()), `"r2"`)

	ctx = doRequest(server, "POST", PathRunners+"/r1/heartbeat", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = doRequest(server, "DELETE", PathRunners+"/r1", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = doRequest(server, "GET", PathRunners, "")
	assert.NotContains(t, string(ctx.Response.Body()), `"r1"`)
}

func TestRegisterRunnerValidation(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	ctx := doRequest(server, "POST", PathRunners, `{"url":"http://r1:8000"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = doRequest(server, "POST", PathRunners, `not json`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestProxyLifecycle(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	addProxy(t, server, "10.0.0.1")

	ctx := doRequest(server, "GET", PathProxies, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "10.0.0.1:8080")

	ctx = doRequest(server, "DELETE", PathProxies+"/10.0.0.1:8080", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = doRequest(server, "DELETE", PathProxies+"/10.0.0.1:8080", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestAddProxyValidation(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	ctx := doRequest(server, "POST", PathProxies, `{"host":"10.0.0.1"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestScrapeSuccess(t *testing.T) {
	content := strings.Repeat("page ", 10)
	server := newTestServer(t, &stubInvoker{response: &runnerclient.Response{
		Status:     types.StatusSuccess,
		Content:    content,
		MethodUsed: types.MethodHTTPOnly,
	}})
	registerRunner(t, server, "r1")
	addProxy(t, server, "10.0.0.1")

	ctx := doRequest(server, "POST", PathScrape, `{"url":"https://example.com"}`)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp struct {
		Success bool               `json:"success"`
		Data    types.ScrapeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, content, resp.Data.Content)
	assert.Equal(t, "r1", resp.Data.RunnerUsed)
}

func TestScrapeErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, server *Server)
		body       string
		invokerErr error
		expected   int
	}{
		{
			name:     "invalid request",
			setup:    func(t *testing.T, server *Server) {},
			body:     `{"url":"not-a-url"}`,
			expected: fasthttp.StatusBadRequest,
		},
		{
			name:     "malformed body",
			setup:    func(t *testing.T, server *Server) {},
			body:     `not json`,
			expected: fasthttp.StatusBadRequest,
		},
		{
			name:     "no runners",
			setup:    func(t *testing.T, server *Server) { addProxy(t, server, "10.0.0.1") },
			body:     `{"url":"https://example.com"}`,
			expected: fasthttp.StatusServiceUnavailable,
		},
		{
			name:     "no proxies",
			setup:    func(t *testing.T, server *Server) { registerRunner(t, server, "r1") },
			body:     `{"url":"https://example.com"}`,
			expected: fasthttp.StatusServiceUnavailable,
		},
		{
			name: "attempts exhausted",
			setup: func(t *testing.T, server *Server) {
				registerRunner(t, server, "r1")
				addProxy(t, server, "10.0.0.1")
			},
			body:       `{"url":"https://example.com"}`,
			invokerErr: runnerclient.ErrScrapeFailed,
			expected:   fasthttp.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, &stubInvoker{err: tt.invokerErr})
			tt.setup(t, server)

			ctx := doRequest(server, "POST", PathScrape, tt.body)
			assert.Equal(t, tt.expected, ctx.Response.StatusCode())
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})
	registerRunner(t, server, "r1")
	addProxy(t, server, "10.0.0.1")

	ctx := doRequest(server, "GET", PathStatus, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp struct {
		Data StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "ok", resp.Data.Status)
	assert.Equal(t, 1, resp.Data.TotalRunners)
	assert.Equal(t, 1, resp.Data.TotalProxies)
	assert.Greater(t, resp.Data.Goroutines, 0)
}

type stubRefresher struct {
	called bool
	err    error
}

func (s *stubRefresher) RefreshNow(context.Context) error {
	s.called = true
	return s.err
}

func TestRefreshProxies(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	ctx := doRequest(server, "POST", PathProxyRefresh, "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode(), "no provider configured")

	refresher := &stubRefresher{}
	server.refresher = refresher
	ctx = doRequest(server, "POST", PathProxyRefresh, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, refresher.called)

	server.refresher = &stubRefresher{err: errors.New("provider unreachable")}
	ctx = doRequest(server, "POST", PathProxyRefresh, "")
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
}

func TestRouting(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})

	tests := []struct {
		method   string
		path     string
		expected int
	}{
		{"GET", "/nonexistent", fasthttp.StatusNotFound},
		{"GET", PathScrape, fasthttp.StatusMethodNotAllowed},
		{"PUT", PathRunners, fasthttp.StatusMethodNotAllowed},
		{"GET", PathRunners + "/r1/heartbeat", fasthttp.StatusMethodNotAllowed},
		{"GET", PathRunners + "/r1", fasthttp.StatusMethodNotAllowed},
		{"GET", PathRunners + "/r1/extra/deep", fasthttp.StatusNotFound},
		{"PUT", PathProxies + "/10.0.0.1:8080", fasthttp.StatusMethodNotAllowed},
		{"GET", PathProxyRefresh, fasthttp.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			ctx := doRequest(server, tt.method, tt.path, "")
			assert.Equal(t, tt.expected, ctx.Response.StatusCode(), "%s %s", tt.method, tt.path)
		})
	}
}

func TestGetAddress(t *testing.T) {
	server := newTestServer(t, &stubInvoker{})
	assert.Empty(t, server.GetAddress())
}
