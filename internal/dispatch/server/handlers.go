package server

import (
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/common/httputil"
	"github.com/scrapehive/dispatcher/internal/dispatch/orchestrator"
	"github.com/scrapehive/dispatcher/internal/dispatch/registry"
	"github.com/scrapehive/dispatcher/pkg/types"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveRunners int    `json:"active_runners"`
	PoolSize      int    `json:"pool_size"`
}

// StatusResponse represents the full operational status
type StatusResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	TotalRunners     int     `json:"total_runners"`
	ActiveRunners    int     `json:"active_runners"`
	TotalProxies     int     `json:"total_proxies"`
	AvailableProxies int     `json:"available_proxies"`
	Goroutines       int     `json:"goroutines"`
	MemoryUsedMB     uint64  `json:"memory_used_mb"`
	MemoryPercent    float64 `json:"memory_percent"`
}

// RegisterRunnerRequest is the wire format for runner registration
type RegisterRunnerRequest struct {
	ID           string                   `json:"id"`
	URL          string                   `json:"url"`
	Capabilities types.RunnerCapabilities `json:"capabilities"`
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := HealthResponse{
		Status:        "ok",
		ActiveRunners: s.registry.ActiveCount(),
		PoolSize:      s.proxies.Size(),
	}
	httputil.JSONData(ctx, resp, fasthttp.StatusOK)
}

// handleReady reports readiness to take scrape traffic. A dispatcher with
// no active runners accepts registrations but cannot serve scrapes.
func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	if s.registry.ActiveCount() == 0 {
		httputil.JSONError(ctx, "no active runners", fasthttp.StatusServiceUnavailable)
		return
	}
	httputil.JSONSuccess(ctx, "ready", fasthttp.StatusOK)
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	totalRunners := len(s.registry.Snapshot())
	activeRunners := s.registry.ActiveCount()
	totalProxies := s.proxies.Size()
	availableProxies := s.proxies.AvailableCount()

	s.collector.SetPoolGauges(activeRunners, totalProxies, availableProxies)

	resp := StatusResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		TotalRunners:     totalRunners,
		ActiveRunners:    activeRunners,
		TotalProxies:     totalProxies,
		AvailableProxies: availableProxies,
		Goroutines:       runtime.NumGoroutine(),
	}

	if v, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedMB = v.Used / 1024 / 1024
		resp.MemoryPercent = v.UsedPercent
	}

	httputil.JSONData(ctx, resp, fasthttp.StatusOK)
}

func (s *Server) handleScrape(ctx *fasthttp.RequestCtx, requestID string, logger *zap.Logger) {
	var req types.ScrapeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		logger.Warn("Invalid scrape request body", zap.Error(err))
		httputil.JSONError(ctx, "invalid JSON body", fasthttp.StatusBadRequest)
		return
	}

	result, err := s.dispatcher.Submit(ctx, &req)
	if err != nil {
		logger.Warn("Scrape submission failed",
			zap.String("url", req.URL),
			zap.Error(err))
		httputil.JSONError(ctx, err.Error(), scrapeErrorStatus(err))
		return
	}

	httputil.JSONData(ctx, result, fasthttp.StatusOK)
}

// scrapeErrorStatus maps terminal submission errors to HTTP status codes.
func scrapeErrorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return fasthttp.StatusBadRequest
	case errors.Is(err, orchestrator.ErrRateLimited):
		return fasthttp.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrNoRunnersAvailable),
		errors.Is(err, orchestrator.ErrNoProxiesAvailable):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrRunnerTimeout):
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusBadGateway
	}
}

func (s *Server) handleRegisterRunner(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	var req RegisterRunnerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		httputil.JSONError(ctx, "invalid JSON body", fasthttp.StatusBadRequest)
		return
	}

	if err := s.registry.Register(req.ID, req.URL, req.Capabilities); err != nil {
		logger.Warn("Runner registration rejected",
			zap.String("runner_id", req.ID),
			zap.Error(err))
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadRequest)
		return
	}

	logger.Info("Runner registered",
		zap.String("runner_id", req.ID),
		zap.String("url", req.URL))
	httputil.JSONSuccess(ctx, "runner registered", fasthttp.StatusOK)
}

func (s *Server) handleHeartbeat(ctx *fasthttp.RequestCtx, id string, logger *zap.Logger) {
	if err := s.registry.Heartbeat(id); err != nil {
		if errors.Is(err, registry.ErrUnknownRunner) {
			httputil.JSONError(ctx, err.Error(), fasthttp.StatusNotFound)
			return
		}
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadRequest)
		return
	}
	httputil.JSONSuccess(ctx, "heartbeat accepted", fasthttp.StatusOK)
}

func (s *Server) handleDeregisterRunner(ctx *fasthttp.RequestCtx, id string, logger *zap.Logger) {
	s.registry.Deregister(id)
	logger.Info("Runner deregistered", zap.String("runner_id", id))
	httputil.JSONSuccess(ctx, "runner deregistered", fasthttp.StatusOK)
}

func (s *Server) handleListRunners(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, s.registry.Snapshot(), fasthttp.StatusOK)
}

func (s *Server) handleAddProxy(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	var creds types.ProxyCredentials
	if err := json.Unmarshal(ctx.PostBody(), &creds); err != nil {
		httputil.JSONError(ctx, "invalid JSON body", fasthttp.StatusBadRequest)
		return
	}
	if creds.Host == "" || creds.Port == 0 {
		httputil.JSONError(ctx, "host and port are required", fasthttp.StatusBadRequest)
		return
	}

	s.proxies.Add(creds)
	logger.Info("Proxy added", zap.String("proxy", creds.Key()))
	httputil.JSONSuccess(ctx, "proxy added", fasthttp.StatusOK)
}

func (s *Server) handleRemoveProxy(ctx *fasthttp.RequestCtx, key string, logger *zap.Logger) {
	if err := s.proxies.Remove(key); err != nil {
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusNotFound)
		return
	}
	logger.Info("Proxy removed", zap.String("proxy", key))
	httputil.JSONSuccess(ctx, "proxy removed", fasthttp.StatusOK)
}

func (s *Server) handleListProxies(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, s.proxies.Snapshot(), fasthttp.StatusOK)
}

func (s *Server) handleRefreshProxies(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	if s.refresher == nil {
		httputil.JSONError(ctx, "proxy provider not configured", fasthttp.StatusBadRequest)
		return
	}

	if err := s.refresher.RefreshNow(ctx); err != nil {
		logger.Error("Manual proxy refresh failed", zap.Error(err))
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadGateway)
		return
	}

	httputil.JSONData(ctx, map[string]int{"pool_size": s.proxies.Size()}, fasthttp.StatusOK)
}
