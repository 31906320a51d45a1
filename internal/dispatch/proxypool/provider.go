package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/pkg/types"
)

// ErrProviderRefresh wraps any failure while fetching the provider
// listing. Refresh failures are non-fatal: the pool keeps serving its
// current entries.
var ErrProviderRefresh = errors.New("proxy provider refresh failed")

// maxProviderPages bounds pagination against a provider that keeps
// returning a next link.
const maxProviderPages = 1000

// ProviderClient fetches the proxy listing from a token-authenticated,
// paged provider API.
type ProviderClient struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient *http.Client
	logger     *zap.Logger
}

// NewProviderClient creates a client for the provider at baseURL.
func NewProviderClient(baseURL, token string, pageSize int, logger *zap.Logger) *ProviderClient {
	return &ProviderClient{
		baseURL:  baseURL,
		token:    token,
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

type providerProxy struct {
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Valid        bool   `json:"valid"`
}

type providerPage struct {
	Results []providerProxy `json:"results"`
	Next    string          `json:"next"`
}

// FetchAll pages through the provider listing and returns every valid
// proxy it advertises.
func (pc *ProviderClient) FetchAll(ctx context.Context) ([]types.ProxyCredentials, error) {
	if pc.baseURL == "" {
		return nil, fmt.Errorf("%w: provider URL is not configured", ErrProviderRefresh)
	}

	var listing []types.ProxyCredentials
	for page := 1; page <= maxProviderPages; page++ {
		result, err := pc.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}

		for _, entry := range result.Results {
			if !entry.Valid {
				continue
			}
			listing = append(listing, types.ProxyCredentials{
				Host:     entry.ProxyAddress,
				Port:     entry.Port,
				Username: entry.Username,
				Password: entry.Password,
			})
		}

		if result.Next == "" || len(result.Results) == 0 {
			break
		}
	}

	pc.logger.Debug("Fetched proxy listing from provider",
		zap.Int("proxies", len(listing)))
	return listing, nil
}

func (pc *ProviderClient) fetchPage(ctx context.Context, page int) (*providerPage, error) {
	listURL := fmt.Sprintf("%s/proxy/list/?%s", pc.baseURL, url.Values{
		"mode":      {"direct"},
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pc.pageSize)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRefresh, err)
	}
	req.Header.Set("Authorization", "Token "+pc.token)
	req.Header.Set("Accept", "application/json")

	resp, err := pc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRefresh, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading page %d: %v", ErrProviderRefresh, page, err)
	}

	if resp.StatusCode != http.StatusOK {
		pc.logger.Warn("Proxy provider returned non-200 status",
			zap.Int("page", page),
			zap.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%w: page %d returned status %d", ErrProviderRefresh, page, resp.StatusCode)
	}

	var result providerPage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding page %d: %v", ErrProviderRefresh, page, err)
	}
	return &result, nil
}
