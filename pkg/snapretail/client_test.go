package snapretail

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

func testClient(baseURL string) *Client {
	return New(config.SNAPRetailConfig{
		ProviderConfig: config.ProviderConfig{
			BaseURL:    baseURL,
			RatePerSec: 1000,
		},
	})
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/retailers/count", r.URL.Path)
		zip := r.URL.Query().Get("zip")
		counts := map[string][2]int{
			"07030": {15, 6},
			"08608": {8, 2},
		}
		c := counts[zip]
		_ = json.NewEncoder(w).Encode(countResponse{
			Zip:           zip,
			SNAPRetailers: c[0],
			GroceryStores: c[1],
		})
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL)
	out, err := c.Fetch(context.Background(), []string{"07030", "08608"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, 15.0, out["07030"]["snap_retailers"])
	assert.Equal(t, 6.0, out["07030"]["grocery_stores"])
	assert.Equal(t, 8.0, out["08608"]["snap_retailers"])
}

func TestClient_Fetch_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("zip") == "08608" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(countResponse{Zip: "07030", SNAPRetailers: 15, GroceryStores: 6})
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL)
	out, err := c.Fetch(context.Background(), []string{"07030", "08608"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, found := out["08608"]
	assert.False(t, found)
}

func TestClient_Fetch_AllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL)
	_, err := c.Fetch(context.Background(), []string{"07030", "08608"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all lookups failed")
}

func TestClient_Contract(t *testing.T) {
	c := testClient("http://unused")
	assert.Equal(t, "snap_retail", c.Name())
	assert.Equal(t, 50, c.BatchSize())
	assert.Equal(t, 25, c.Cost(25))
	assert.Equal(t, 0, c.Cost(0))
}
