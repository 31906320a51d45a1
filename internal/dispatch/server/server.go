// Package server exposes the dispatcher's public HTTP API over fasthttp.
package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/common/httputil"
	"github.com/scrapehive/dispatcher/internal/common/requestid"
	"github.com/scrapehive/dispatcher/internal/dispatch/metrics"
	"github.com/scrapehive/dispatcher/internal/dispatch/orchestrator"
	"github.com/scrapehive/dispatcher/internal/dispatch/proxypool"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
)

// Path constants for API endpoints
const (
	PathHealth       = "/health"
	PathReady        = "/ready"
	PathScrape       = "/api/scrape"
	PathStatus       = "/api/status"
	PathRunners      = "/api/runners"
	PathProxies      = "/api/proxies"
	PathProxyRefresh = "/api/proxies/refresh"
)

// Refresher triggers an on-demand proxy provider refresh. Nil when no
// provider is configured.
type Refresher interface {
	RefreshNow(ctx context.Context) error
}

// Server routes public API requests to the dispatcher and pool managers.
type Server struct {
	dispatcher *orchestrator.Dispatcher
	registry   *registry.Registry
	proxies    *proxypool.Pool
	refresher  Refresher
	collector  *metrics.Collector
	logger     *zap.Logger

	server    *fasthttp.Server
	listener  net.Listener
	address   string
	startTime time.Time
}

func NewServer(
	dispatcher *orchestrator.Dispatcher,
	reg *registry.Registry,
	proxies *proxypool.Pool,
	refresher Refresher,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		registry:   reg,
		proxies:    proxies,
		refresher:  refresher,
		collector:  collector,
		logger:     logger,
		startTime:  time.Now().UTC(),
	}
}

// Start begins accepting HTTP requests on the given address
func (s *Server) Start(address string) error {
	s.address = address

	s.server = &fasthttp.Server{
		Handler: s.Handler(),
		Name:    "ScrapeHive-Dispatcher",
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	s.logger.Info("API server started", zap.String("address", address))
	return s.server.Serve(listener)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return s.server.ShutdownWithContext(ctx)
}

// GetAddress returns the address the server is listening on
func (s *Server) GetAddress() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Handler returns the FastHTTP request handler
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		customRequestID := string(ctx.Request.Header.Peek("X-Request-ID"))
		requestID := requestid.Generate(customRequestID)
		ctx.Response.Header.Set("X-Request-ID", requestID)

		logger := s.logger.With(zap.String("request_id", requestID))
		method := string(ctx.Method())
		path := string(ctx.Path())

		switch path {
		case PathHealth:
			s.handleHealth(ctx)
		case PathReady:
			s.handleReady(ctx)
		case PathStatus:
			s.handleStatus(ctx)
		case PathScrape:
			if method != fasthttp.MethodPost {
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
				return
			}
			s.handleScrape(ctx, requestID, logger)
		case PathRunners:
			switch method {
			case fasthttp.MethodGet:
				s.handleListRunners(ctx)
			case fasthttp.MethodPost:
				s.handleRegisterRunner(ctx, logger)
			default:
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
			}
		case PathProxies:
			switch method {
			case fasthttp.MethodGet:
				s.handleListProxies(ctx)
			case fasthttp.MethodPost:
				s.handleAddProxy(ctx, logger)
			default:
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
			}
		case PathProxyRefresh:
			if method != fasthttp.MethodPost {
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
				return
			}
			s.handleRefreshProxies(ctx, logger)
		default:
			switch {
			case strings.HasPrefix(path, PathRunners+"/"):
				s.routeRunner(ctx, method, strings.TrimPrefix(path, PathRunners+"/"), logger)
			case strings.HasPrefix(path, PathProxies+"/"):
				s.routeProxy(ctx, method, strings.TrimPrefix(path, PathProxies+"/"), logger)
			default:
				logger.Warn("Not found", zap.String("path", path))
				httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
			}
		}
	}
}

// routeRunner dispatches /api/runners/{id} and /api/runners/{id}/heartbeat
func (s *Server) routeRunner(ctx *fasthttp.RequestCtx, method, rest string, logger *zap.Logger) {
	if id, ok := strings.CutSuffix(rest, "/heartbeat"); ok {
		if method != fasthttp.MethodPost {
			httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		s.handleHeartbeat(ctx, id, logger)
		return
	}

	if strings.Contains(rest, "/") {
		httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
		return
	}

	if method != fasthttp.MethodDelete {
		httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	s.handleDeregisterRunner(ctx, rest, logger)
}

// routeProxy dispatches DELETE /api/proxies/{host:port}
func (s *Server) routeProxy(ctx *fasthttp.RequestCtx, method, rest string, logger *zap.Logger) {
	if method != fasthttp.MethodDelete {
		httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	s.handleRemoveProxy(ctx, rest, logger)
}
