package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/referral-distributor/internal/circuitbreaker"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
)

// MarketAsset is one entry of the market data feed. LastValue is nil for
// assets that have never traded.
type MarketAsset struct {
	AssetID   string   `json:"asset_id"`
	Decimals  int      `json:"decimals"`
	LastValue *float64 `json:"last_gbyte_value"`
}

// MarketDataSource provides directly traded asset prices in the base currency
type MarketDataSource interface {
	FetchMarketData(ctx context.Context) (map[string]MarketAsset, error)
}

// MarketFeed fetches the market data feed over HTTP
type MarketFeed struct {
	url     string
	timeout time.Duration
	http    *resty.Client
}

var _ MarketDataSource = (*MarketFeed)(nil)

// NewMarketFeed creates a market data feed client. httpClient is optional.
func NewMarketFeed(url string, timeout time.Duration, httpClient *resty.Client) *MarketFeed {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = resty.New()
	}
	return &MarketFeed{url: url, timeout: timeout, http: httpClient}
}

// FetchMarketData returns the feed keyed by symbol. The call is bounded by
// the feed timeout.
func (f *MarketFeed) FetchMarketData(ctx context.Context) (map[string]MarketAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var data map[string]MarketAsset
	resp, err := f.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		ForceContentType("application/json").
		SetResult(&data).
		Get(f.url)
	if err != nil {
		return nil, apperrors.NewFetchFailureError("market data", err)
	}
	if resp.IsError() {
		return nil, apperrors.NewFetchFailureError("market data", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if data == nil {
		return nil, apperrors.NewFetchFailureError("market data", fmt.Errorf("empty response"))
	}
	return data, nil
}

// RateProvider returns the base currency to USD spot rate
type RateProvider interface {
	Name() string
	FetchRate(ctx context.Context) (float64, error)
}

// CoinGecko is the primary exchange rate provider
type CoinGecko struct {
	http *resty.Client
}

// NewCoinGecko creates a CoinGecko rate provider. httpClient is optional.
func NewCoinGecko(baseURL string, httpClient *resty.Client) *CoinGecko {
	if httpClient == nil {
		httpClient = resty.New()
	}
	httpClient.SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	return &CoinGecko{http: httpClient}
}

// Name returns the provider name
func (c *CoinGecko) Name() string { return "coingecko" }

// FetchRate returns the USD rate
func (c *CoinGecko) FetchRate(ctx context.Context) (float64, error) {
	var data struct {
		Byteball struct {
			USD float64 `json:"usd"`
		} `json:"byteball"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"ids": "byteball", "vs_currencies": "usd"}).
		ForceContentType("application/json").
		SetResult(&data).
		Get("/api/v3/simple/price")
	if err != nil {
		return 0, apperrors.NewFetchFailureError(c.Name(), err)
	}
	if resp.IsError() {
		return 0, apperrors.NewFetchFailureError(c.Name(), fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if data.Byteball.USD <= 0 {
		return 0, apperrors.NewFetchFailureError(c.Name(), fmt.Errorf("no usd in response %s", resp.String()))
	}
	return data.Byteball.USD, nil
}

// CryptoCompare is the fallback exchange rate provider
type CryptoCompare struct {
	http *resty.Client
}

// NewCryptoCompare creates a CryptoCompare rate provider. httpClient is optional.
func NewCryptoCompare(baseURL string, httpClient *resty.Client) *CryptoCompare {
	if httpClient == nil {
		httpClient = resty.New()
	}
	httpClient.SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	return &CryptoCompare{http: httpClient}
}

// Name returns the provider name
func (c *CryptoCompare) Name() string { return "cryptocompare" }

// FetchRate returns the USD rate
func (c *CryptoCompare) FetchRate(ctx context.Context) (float64, error) {
	var data struct {
		USD float64 `json:"USD"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"fsym": "GBYTE", "tsyms": "USD"}).
		ForceContentType("application/json").
		SetResult(&data).
		Get("/data/price")
	if err != nil {
		return 0, apperrors.NewFetchFailureError(c.Name(), err)
	}
	if resp.IsError() {
		return 0, apperrors.NewFetchFailureError(c.Name(), fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if data.USD <= 0 {
		return 0, apperrors.NewFetchFailureError(c.Name(), fmt.Errorf("no USD in response %s", resp.String()))
	}
	return data.USD, nil
}

// RateFeed asks each provider in order and returns the first rate. Every
// provider sits behind its own circuit breaker.
type RateFeed struct {
	providers []RateProvider
	breakers  []*circuitbreaker.CircuitBreaker
}

// NewRateFeed creates a rate feed over the providers in priority order.
// breakerConfig may be nil for defaults.
func NewRateFeed(breakerConfig func(name string) *circuitbreaker.Config, providers ...RateProvider) *RateFeed {
	if breakerConfig == nil {
		breakerConfig = circuitbreaker.DefaultConfig
	}
	feed := &RateFeed{providers: providers}
	for _, p := range providers {
		feed.breakers = append(feed.breakers, circuitbreaker.NewCircuitBreaker(breakerConfig(p.Name())))
	}
	return feed
}

// Name returns the feed name
func (f *RateFeed) Name() string { return "rate feed" }

// FetchRate returns the first rate any provider delivers
func (f *RateFeed) FetchRate(ctx context.Context) (float64, error) {
	var lastErr error
	for i, p := range f.providers {
		var rate float64
		err := f.breakers[i].Execute(ctx, func(ctx context.Context) error {
			r, err := p.FetchRate(ctx)
			rate = r
			return err
		})
		if err == nil {
			return rate, nil
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"provider": p.Name(),
			"error":    err.Error(),
		}).Warn("Exchange rate provider failed")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return 0, apperrors.NewFetchFailureError("exchange rate", lastErr)
}
