// Package basket prices a fixed healthy-grocery basket per ZCTA via a
// retail product search API. Each item lookup is one quota call, so a
// batch of n keys costs n x len(items) — the heaviest consumer in the
// system, and the reason this provider's cache TTL is the longest.
package basket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nourish-labs/foodatlas/internal/config"
)

// ProviderName is the ledger and cache identity of this provider.
const ProviderName = "basket"

// Client prices the basket through the search API.
type Client struct {
	cfg        config.BasketConfig
	items      []Item
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a pricing client with the given basket items.
func New(cfg config.BasketConfig, items []Item) *Client {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		cfg:        cfg,
		items:      items,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// Name implements the provider contract.
func (c *Client) Name() string { return ProviderName }

// BatchSize implements the provider contract. Pricing batches are kept
// small because each key multiplies into len(items) calls.
func (c *Client) BatchSize() int { return 10 }

// Cost implements the provider contract: one call per item per key.
func (c *Client) Cost(n int) int {
	if n < 0 {
		return 0
	}
	return n * len(c.items)
}

// Items exposes the configured basket for the operational surface.
func (c *Client) Items() []Item { return c.items }

// searchResponse is the subset of the product search payload we read.
type searchResponse struct {
	Results []struct {
		Title string  `json:"title"`
		Price float64 `json:"price"`
	} `json:"organic_results"`
}

// Fetch prices the basket for each key. Individual item lookups that
// fail or return only out-of-range prices fall back to the item's
// reference price; a key is only absent from the result when every
// lookup for it failed outright.
func (c *Client) Fetch(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64, len(keys))

	for _, key := range keys {
		total := 0.0
		live := 0
		for _, item := range c.items {
			if err := c.limiter.Wait(ctx); err != nil {
				return out, eris.Wrap(err, "basket: rate limit")
			}
			price, ok, err := c.priceItem(ctx, key, item)
			if err != nil {
				zap.L().Debug("basket: item lookup failed, using fallback",
					zap.String("key", key),
					zap.String("item", item.Name),
					zap.Error(err),
				)
				price = item.Fallback
			} else if !ok {
				price = item.Fallback
			} else {
				live++
			}
			total += price
		}
		out[key] = map[string]float64{
			"basket_cost": total,
			"items_live":  float64(live),
			"items_total": float64(len(c.items)),
		}
	}
	return out, nil
}

// priceItem searches one item for one key and returns the first price
// within the item's plausible range. ok is false when no result is in
// range.
func (c *Client) priceItem(ctx context.Context, key string, item Item) (float64, bool, error) {
	params := url.Values{
		"engine": {"walmart_search"},
		"q":      {item.Query},
		"zip":    {key},
	}
	if c.cfg.Key != "" {
		params.Set("api_key", c.cfg.Key)
	}
	reqURL := c.cfg.BaseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, false, eris.Wrap(err, "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, eris.Wrap(err, "request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return 0, false, eris.Errorf("returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false, eris.Wrap(err, "read body")
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return 0, false, eris.Wrap(err, "parse response")
	}

	for _, r := range sr.Results {
		if r.Price >= item.MinPrice && r.Price <= item.MaxPrice {
			return r.Price, true, nil
		}
	}
	return 0, false, nil
}
