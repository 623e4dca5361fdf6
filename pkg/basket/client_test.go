package basket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nourish-labs/foodatlas/internal/config"
)

func testItems() []Item {
	return []Item{
		{Name: "Milk", Query: "milk", MinPrice: 2.00, MaxPrice: 6.00, Fallback: 3.78},
		{Name: "Eggs", Query: "eggs", MinPrice: 1.00, MaxPrice: 5.00, Fallback: 2.58},
	}
}

func testClient(baseURL string, items []Item) *Client {
	return New(config.BasketConfig{
		ProviderConfig: config.ProviderConfig{
			BaseURL:    baseURL,
			RatePerSec: 1000,
		},
	}, items)
}

func searchBody(prices ...float64) searchResponse {
	var sr searchResponse
	for _, p := range prices {
		sr.Results = append(sr.Results, struct {
			Title string  `json:"title"`
			Price float64 `json:"price"`
		}{Title: "result", Price: p})
	}
	return sr
}

func TestClient_Fetch_AllLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "walmart_search", r.URL.Query().Get("engine"))
		switch r.URL.Query().Get("q") {
		case "milk":
			_ = json.NewEncoder(w).Encode(searchBody(3.48))
		case "eggs":
			_ = json.NewEncoder(w).Encode(searchBody(2.12))
		}
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, testItems())
	out, err := c.Fetch(context.Background(), []string{"07030"})
	require.NoError(t, err)

	vals := out["07030"]
	assert.InDelta(t, 5.60, vals["basket_cost"], 1e-9)
	assert.Equal(t, 2.0, vals["items_live"])
	assert.Equal(t, 2.0, vals["items_total"])
}

func TestClient_Fetch_OutOfRangeUsesFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("q") {
		case "milk":
			// 49.99 is outside [2, 6]: a bad match, not a price.
			_ = json.NewEncoder(w).Encode(searchBody(49.99, 0.25))
		case "eggs":
			_ = json.NewEncoder(w).Encode(searchBody(2.12))
		}
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, testItems())
	out, err := c.Fetch(context.Background(), []string{"07030"})
	require.NoError(t, err)

	vals := out["07030"]
	assert.InDelta(t, 3.78+2.12, vals["basket_cost"], 1e-9)
	assert.Equal(t, 1.0, vals["items_live"])
}

func TestClient_Fetch_FirstInRangeWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(searchBody(9.99, 3.48, 2.98))
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, testItems()[:1])
	out, err := c.Fetch(context.Background(), []string{"07030"})
	require.NoError(t, err)
	assert.InDelta(t, 3.48, out["07030"]["basket_cost"], 1e-9)
}

func TestClient_Fetch_ServerDownUsesFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, testItems())
	out, err := c.Fetch(context.Background(), []string{"07030"})
	require.NoError(t, err)

	vals := out["07030"]
	assert.InDelta(t, 3.78+2.58, vals["basket_cost"], 1e-9)
	assert.Equal(t, 0.0, vals["items_live"])
}

func TestClient_Contract(t *testing.T) {
	c := testClient("http://unused", testItems())
	assert.Equal(t, "basket", c.Name())
	assert.Equal(t, 10, c.BatchSize())
	assert.Equal(t, 10, c.Cost(5)) // 5 keys x 2 items
	assert.Equal(t, 0, c.Cost(0))
	assert.Len(t, c.Items(), 2)
}
