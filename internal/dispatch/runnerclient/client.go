// Package runnerclient invokes the /scrape endpoint that every runner
// exposes, translating wire-level failures into the dispatch error
// taxonomy.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/pkg/types"
)

var (
	// ErrRunnerUnavailable covers transport failures and non-200
	// responses; the runner may be down or mid-restart.
	ErrRunnerUnavailable = errors.New("runner unavailable")
	// ErrRunnerTimeout means the attempt deadline expired mid-invoke.
	ErrRunnerTimeout = errors.New("runner invocation timed out")
	// ErrRunnerRejected means the target blocked the fetch through this
	// proxy. The attempt failed but the runner itself is healthy.
	ErrRunnerRejected = errors.New("scrape rejected by target")
	// ErrRenderRequired signals that the plain HTTP fetch was not enough
	// and the dispatcher should escalate to a rendered fetch.
	ErrRenderRequired = errors.New("page requires rendering")
	// ErrScrapeFailed covers all other runner-reported failures.
	ErrScrapeFailed = errors.New("scrape failed")
)

// error_type values in runner responses.
const (
	errorTypeBlocked        = "blocked"
	errorTypeRenderRequired = "render_required"
	errorTypeTimeout        = "timeout"
)

// Invoker is the one-method surface the orchestrator depends on, kept
// narrow so tests can substitute a fake runner.
type Invoker interface {
	Invoke(ctx context.Context, runnerURL string, req *Request) (*Response, error)
}

// Request is the wire request for POST {runnerURL}/scrape.
type Request struct {
	RequestID string                  `json:"request_id"`
	URL       string                  `json:"url"`
	Method    types.ScrapeMethod      `json:"method"`
	Stealth   bool                    `json:"stealth"`
	Parse     bool                    `json:"parse"`
	Proxy     *types.ProxyCredentials `json:"proxy,omitempty"`
}

// Response is the wire response from a runner.
type Response struct {
	Status     types.ResultStatus `json:"status"`
	Content    string             `json:"content"`
	MethodUsed types.ScrapeMethod `json:"method_used"`
	Error      string             `json:"error,omitempty"`
	ErrorType  string             `json:"error_type,omitempty"`
}

// Client invokes runners over pooled HTTP connections. Per-attempt
// deadlines come from the caller's context.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a runner client.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Invoke sends the scrape to the runner and maps the outcome onto the
// error taxonomy. A nil error means the runner reported success.
func (c *Client) Invoke(ctx context.Context, runnerURL string, req *Request) (*Response, error) {
	if runnerURL == "" {
		return nil, fmt.Errorf("runner URL is empty")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scrape request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)

	c.logger.Debug("Invoking runner",
		zap.String("runner_url", runnerURL),
		zap.String("request_id", req.RequestID),
		zap.String("url", req.URL),
		zap.String("method", string(req.Method)))

	start := time.Now().UTC()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrRunnerTimeout, ctx.Err())
		}
		c.logger.Warn("Runner invocation transport failure",
			zap.String("runner_url", runnerURL),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRunnerUnavailable, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		c.logger.Warn("Runner returned non-200 status",
			zap.String("runner_url", runnerURL),
			zap.String("request_id", req.RequestID),
			zap.Int("status_code", httpResp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrRunnerUnavailable, httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRunnerUnavailable, err)
	}

	c.logger.Debug("Runner invocation finished",
		zap.String("runner_url", runnerURL),
		zap.String("request_id", req.RequestID),
		zap.String("status", string(resp.Status)),
		zap.Duration("duration", time.Since(start)))

	if resp.Status == types.StatusSuccess {
		return &resp, nil
	}
	return &resp, classifyFailure(&resp)
}

func classifyFailure(resp *Response) error {
	switch resp.ErrorType {
	case errorTypeBlocked:
		return fmt.Errorf("%w: %s", ErrRunnerRejected, resp.Error)
	case errorTypeRenderRequired:
		return fmt.Errorf("%w: %s", ErrRenderRequired, resp.Error)
	case errorTypeTimeout:
		return fmt.Errorf("%w: %s", ErrRunnerTimeout, resp.Error)
	default:
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrScrapeFailed, resp.Error)
		}
		return ErrScrapeFailed
	}
}
