// Package acs fetches per-ZCTA demographic attributes from the ACS
// 5-year estimates API. One batched request covers a whole key batch,
// so a batch costs a single quota call.
package acs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nourish-labs/foodatlas/internal/config"
)

// ProviderName is the ledger and cache identity of this provider.
const ProviderName = "acs"

// acsVariables are the requested estimate columns, in request order.
//
//	B19013_001E  median household income
//	B17001_002E  population below poverty level
//	B01003_001E  total population
//	B22010_001E  total households (SNAP universe)
//	B22010_002E  households receiving SNAP
const acsVariables = "NAME,B19013_001E,B17001_002E,B01003_001E,B22010_001E,B22010_002E"

// maxBatch is the largest key list the API accepts in one request.
const maxBatch = 50

// Client calls the ACS API.
type Client struct {
	cfg        config.ACSConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates an ACS client from config.
func New(cfg config.ACSConfig) *Client {
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
func (c *Client) BatchSize() int { return maxBatch }

// Cost implements the provider contract: one call per batched request.
func (c *Client) Cost(n int) int {
	if n <= 0 {
		return 0
	}
	return 1
}

// Fetch requests attributes for the given keys in a single batched
// call and returns per-key value maps. Keys absent from the response
// are simply missing from the result; the caller synthesizes them.
func (c *Client) Fetch(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "acs: rate limit")
	}

	params := url.Values{
		"get": {acsVariables},
		"for": {"zip code tabulation area:" + strings.Join(keys, ",")},
	}
	if c.cfg.Key != "" {
		params.Set("key", c.cfg.Key)
	}

	reqURL := c.cfg.BaseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "acs: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "acs: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("acs: returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "acs: read body")
	}

	return parseResponse(body)
}

// parseResponse decodes the array-of-arrays payload. Row 0 is the
// header; the trailing column is the ZCTA key.
func parseResponse(body []byte) (map[string]map[string]float64, error) {
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, eris.Wrap(err, "acs: parse response")
	}
	if len(rows) < 2 {
		return nil, eris.New("acs: response has no data rows")
	}

	header := rows[0]
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	keyCol, ok := col["zip code tabulation area"]
	if !ok {
		return nil, eris.New("acs: response missing key column")
	}

	out := make(map[string]map[string]float64, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			zap.L().Debug("acs: skipping short row", zap.Int("cols", len(row)))
			continue
		}
		key := row[keyCol]

		income := field(row, col, "B19013_001E")
		poor := field(row, col, "B17001_002E")
		population := field(row, col, "B01003_001E")
		households := field(row, col, "B22010_001E")
		snapHH := field(row, col, "B22010_002E")

		vals := make(map[string]float64, 4)
		if income > 0 {
			vals["median_income"] = income
		}
		if population > 0 {
			vals["population"] = population
			if poor >= 0 {
				vals["poverty_rate"] = poor / population * 100
			}
		}
		if households > 0 && snapHH >= 0 {
			vals["snap_rate"] = snapHH / households
		}
		out[key] = vals
	}
	return out, nil
}

// field parses one numeric column, mapping ACS sentinel negatives
// (-666666666 and kin) and unparsable cells to -1.
func field(row []string, col map[string]int, name string) float64 {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return -1
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
	if err != nil || v <= -666666 {
		return -1
	}
	return v
}

// Vintage reports the configured ACS vintage label for the
// operational surface.
func (c *Client) Vintage() string {
	if c.cfg.Vintage == "" {
		return "2022"
	}
	return c.cfg.Vintage
}
