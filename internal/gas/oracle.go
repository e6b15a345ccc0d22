package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultPriceURL is CoinGecko's free simple-price endpoint.
const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"

// PriceOracle provides ETH/USD price with caching
type PriceOracle struct {
	mu         sync.RWMutex
	price      float64
	lastUpdate time.Time
	ttl        time.Duration
	fallback   float64
	url        string
	client     *http.Client
	now        func() time.Time
}

// OracleOption configures a PriceOracle.
type OracleOption func(*PriceOracle)

// WithPriceURL points the oracle at a different endpoint. An empty URL
// disables fetching and pins the oracle to its fallback price.
func WithPriceURL(url string) OracleOption {
	return func(o *PriceOracle) { o.url = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) OracleOption {
	return func(o *PriceOracle) { o.client = c }
}

// WithOracleClock overrides the time source used for cache expiry.
func WithOracleClock(now func() time.Time) OracleOption {
	return func(o *PriceOracle) { o.now = now }
}

// NewPriceOracle creates a price oracle with a fallback price and cache TTL
func NewPriceOracle(fallbackPrice float64, cacheTTL time.Duration, opts ...OracleOption) *PriceOracle {
	o := &PriceOracle{
		price:    fallbackPrice,
		fallback: fallbackPrice,
		ttl:      cacheTTL,
		url:      DefaultPriceURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GetETHPrice returns the current ETH/USD price.
// Fetches from the price API if cache is stale, falls back to last known price.
func (o *PriceOracle) GetETHPrice(ctx context.Context) float64 {
	if o.url == "" {
		return o.fallback
	}

	o.mu.RLock()
	if o.now().Sub(o.lastUpdate) < o.ttl && o.price > 0 {
		price := o.price
		o.mu.RUnlock()
		return price
	}
	o.mu.RUnlock()

	newPrice, err := o.fetchPrice(ctx)
	if err != nil {
		// Force a refetch on the next call instead of serving the stale
		// price until the original TTL runs out.
		o.mu.Lock()
		o.lastUpdate = time.Time{}
		price := o.price
		o.mu.Unlock()
		if price > 0 {
			return price
		}
		return o.fallback
	}

	o.mu.Lock()
	o.price = newPrice
	o.lastUpdate = o.now()
	o.mu.Unlock()

	return newPrice
}

// fetchPrice queries the simple price API (free, no key required)
func (o *PriceOracle) fetchPrice(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result struct {
		Ethereum struct {
			USD float64 `json:"usd"`
		} `json:"ethereum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	if result.Ethereum.USD <= 0 {
		return 0, fmt.Errorf("invalid price returned: %f", result.Ethereum.USD)
	}

	return result.Ethereum.USD, nil
}
