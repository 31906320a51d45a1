package dispatch_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/dispatch/events"
	"github.com/scrapehive/dispatcher/internal/dispatch/orchestrator"
	"github.com/scrapehive/dispatcher/internal/dispatch/proxypool"
	"github.com/scrapehive/dispatcher/internal/dispatch/ratelimit"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
	"github.com/scrapehive/dispatcher/internal/dispatch/resultcache"
	"github.com/scrapehive/dispatcher/internal/dispatch/runnerclient"
	"github.com/scrapehive/dispatcher/internal/dispatch/server"
	"github.com/scrapehive/dispatcher/pkg/types"
)

// stubRunner is an HTTP test server speaking the runner wire protocol.
type stubRunner struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []runnerclient.Request
	respond  func(req runnerclient.Request) runnerclient.Response
}

// newStubRunner starts a stub whose behavior is scripted per request.
func newStubRunner(respond func(req runnerclient.Request) runnerclient.Response) *stubRunner {
	stub := &stubRunner{respond: respond}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scrape" {
			http.NotFound(w, r)
			return
		}

		var req runnerclient.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		stub.mu.Lock()
		stub.requests = append(stub.requests, req)
		respond := stub.respond
		stub.mu.Unlock()

		resp := respond(req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	return stub
}

func (s *stubRunner) URL() string { return s.server.URL }

func (s *stubRunner) Close() { s.server.Close() }

func (s *stubRunner) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubRunner) Requests() []runnerclient.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runnerclient.Request(nil), s.requests...)
}

func successResponse(content string) func(runnerclient.Request) runnerclient.Response {
	return func(req runnerclient.Request) runnerclient.Response {
		return runnerclient.Response{
			Status:     types.StatusSuccess,
			Content:    content,
			MethodUsed: req.Method,
		}
	}
}

func failureResponse(errorType, message string) func(runnerclient.Request) runnerclient.Response {
	return func(runnerclient.Request) runnerclient.Response {
		return runnerclient.Response{
			Status:    types.StatusFailed,
			Error:     message,
			ErrorType: errorType,
		}
	}
}

// harness runs the full dispatch stack in-process behind the public API
// handler, with real HTTP hops only between dispatcher and stub runners.
type harness struct {
	Registry *registry.Registry
	Proxies  *proxypool.Pool
	API      fasthttp.RequestHandler
}

type harnessOptions struct {
	LivenessTimeout time.Duration
	MaxAttempts     int
	CooldownThresh  int
}

func newHarness(opts harnessOptions) *harness {
	if opts.LivenessTimeout == 0 {
		opts.LivenessTimeout = time.Minute
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.CooldownThresh == 0 {
		opts.CooldownThresh = 3
	}

	logger := zap.NewNop()
	reg := registry.NewRegistry(opts.LivenessTimeout, false, logger)
	pool := proxypool.NewPool(proxypool.Settings{
		CooldownThreshold: opts.CooldownThresh,
		CooldownBase:      time.Minute,
		CooldownMax:       10 * time.Minute,
		ExplorationFloor:  0.05,
		LatencyBaseline:   2 * time.Second,
		StalenessWindow:   24 * time.Hour,
	}, logger)

	dispatcher := orchestrator.NewDispatcher(
		reg,
		pool,
		resultcache.NewMemoryStore(time.Minute, 1000),
		ratelimit.New(ratelimit.Config{Enabled: false}),
		runnerclient.NewClient(logger),
		&events.NoopEmitter{},
		nil,
		orchestrator.Config{
			MaxAttempts:     opts.MaxAttempts,
			AttemptTimeout:  5 * time.Second,
			RetryBackoff:    time.Millisecond,
			MinContentBytes: 16,
		},
		logger,
	)

	api := server.NewServer(dispatcher, reg, pool, nil, nil, logger)
	return &harness{Registry: reg, Proxies: pool, API: api.Handler()}
}

// call performs one in-process API request and returns the response ctx.
func (h *harness) call(method, path, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(path)
	req.Header.SetMethod(method)
	if body != "" {
		req.SetBodyString(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	h.API(ctx)
	return ctx
}

func (h *harness) registerRunner(id, url string) *fasthttp.RequestCtx {
	body := fmt.Sprintf(
		`{"id":%q,"url":%q,"capabilities":{"http_only":true,"rendered":true}}`, id, url)
	return h.call("POST", "/api/runners", body)
}

func (h *harness) addProxy(host string, port int) *fasthttp.RequestCtx {
	return h.call("POST", "/api/proxies", fmt.Sprintf(`{"host":%q,"port":%d}`, host, port))
}

func (h *harness) scrape(url string, useCache bool) *fasthttp.RequestCtx {
	return h.call("POST", "/api/scrape", fmt.Sprintf(`{"url":%q,"use_cache":%t}`, url, useCache))
}

// scrapeResult decodes the data payload of a successful scrape response.
func scrapeResult(ctx *fasthttp.RequestCtx) (*types.ScrapeResult, error) {
	var resp struct {
		Success bool               `json:"success"`
		Message string             `json:"message"`
		Data    types.ScrapeResult `json:"data"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("scrape failed: %s", resp.Message)
	}
	return &resp.Data, nil
}
