// Package snapretail fetches SNAP-authorized retailer and grocery
// store counts per ZCTA. Lookups are per-key, so a batch of n keys
// costs n quota calls.
package snapretail

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
const ProviderName = "snap_retail"

// Client calls the retailer locator API.
type Client struct {
	cfg        config.SNAPRetailConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a retailer count client from config.
func New(cfg config.SNAPRetailConfig) *Client {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// Name implements the provider contract.
func (c *Client) Name() string { return ProviderName }

// BatchSize implements the provider contract.
func (c *Client) BatchSize() int { return 50 }

// Cost implements the provider contract: one call per key.
func (c *Client) Cost(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// countResponse is the per-key payload from the locator API.
type countResponse struct {
	Zip           string `json:"zip"`
	SNAPRetailers int    `json:"snap_retailers"`
	GroceryStores int    `json:"grocery_stores"`
}

// Fetch looks up counts for each key. A single key failure does not
// abort the batch; that key is simply absent from the result and the
// caller synthesizes it.
func (c *Client) Fetch(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64, len(keys))
	var lastErr error

	for _, key := range keys {
		if err := c.limiter.Wait(ctx); err != nil {
			return out, eris.Wrap(err, "snapretail: rate limit")
		}
		vals, err := c.fetchOne(ctx, key)
		if err != nil {
			lastErr = err
			zap.L().Debug("snapretail: lookup failed",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		out[key] = vals
	}

	if len(out) == 0 && lastErr != nil {
		return nil, eris.Wrap(lastErr, "snapretail: all lookups failed")
	}
	return out, nil
}

func (c *Client) fetchOne(ctx context.Context, key string) (map[string]float64, error) {
	params := url.Values{"zip": {key}}
	if c.cfg.Key != "" {
		params.Set("api_key", c.cfg.Key)
	}
	reqURL := c.cfg.BaseURL + "/retailers/count?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}

	var cr countResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, eris.Wrap(err, "parse response")
	}

	return map[string]float64{
		"snap_retailers": float64(cr.SNAPRetailers),
		"grocery_stores": float64(cr.GroceryStores),
	}, nil
}
