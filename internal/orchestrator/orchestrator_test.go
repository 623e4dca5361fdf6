package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nourish-labs/foodatlas/internal/cache"
	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/quota"
	"github.com/nourish-labs/foodatlas/internal/store"
)

// fakeProvider is a scripted Provider for orchestrator tests.
type fakeProvider struct {
	name      string
	batchSize int
	costPer   func(n int) int
	fetch     func(ctx context.Context, keys []string) (map[string]map[string]float64, error)

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) BatchSize() int { return f.batchSize }

func (f *fakeProvider) Cost(n int) int { return f.costPer(n) }

func (f *fakeProvider) Fetch(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), keys...))
	f.mu.Unlock()
	return f.fetch(ctx, keys)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okFetch(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = map[string]float64{"median_income": 72000}
	}
	return out, nil
}

func perCall(n int) int { return 1 }

func testEnv(t *testing.T, budgets quota.Budgets, cfg config.RefreshConfig) (*Orchestrator, *cache.Cache, *quota.Ledger) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ttls := cache.TTLs{"acs": 720 * time.Hour}
	c := cache.New(st, ttls)
	l := quota.NewLedger(st, budgets)
	return New(c, l, cfg, ttls), c, l
}

func universeOf(keys ...string) []model.KeyRecord {
	recs := make([]model.KeyRecord, len(keys))
	for i, k := range keys {
		recs[i] = model.KeyRecord{Key: k, CountyName: "Hudson County"}
	}
	return recs
}

func TestRefresh_AllLive(t *testing.T) {
	o, c, _ := testEnv(t, quota.Budgets{"acs": 100}, config.RefreshConfig{BatchSize: 2, Workers: 4})
	p := &fakeProvider{name: "acs", batchSize: 50, costPer: perCall, fetch: okFetch}

	report, err := o.Refresh(context.Background(), universeOf("07030", "07302", "08608"), []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 3, out.Live)
	assert.Equal(t, 0, out.Synthesized)
	assert.Equal(t, 0, out.CacheHit)
	assert.Equal(t, 2, p.callCount()) // batches of 2 and 1

	b, err := c.Get(context.Background(), "07030", "acs")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, model.OriginLive, b.Origin)
	assert.Equal(t, 72000.0, b.Values["median_income"])
	assert.NotEmpty(t, report.PassID)
}

func TestRefresh_SecondPassHitsCache(t *testing.T) {
	o, _, l := testEnv(t, quota.Budgets{"acs": 100}, config.RefreshConfig{BatchSize: 10, Workers: 4})
	p := &fakeProvider{name: "acs", batchSize: 50, costPer: perCall, fetch: okFetch}
	uni := universeOf("07030", "07302")
	ctx := context.Background()

	_, err := o.Refresh(ctx, uni, []Provider{p})
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount())

	report, err := o.Refresh(ctx, uni, []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 2, out.CacheHit)
	assert.Equal(t, 0, out.Live)
	assert.Equal(t, 1, p.callCount()) // no new calls

	remaining, err := l.Remaining(ctx, "acs")
	require.NoError(t, err)
	assert.Equal(t, 99, remaining)
}

func TestRefresh_QuotaExhaustionSynthesizesRemainder(t *testing.T) {
	// One call allowed, two single-key batches: first goes live, the
	// second synthesizes without touching the ledger again.
	o, c, _ := testEnv(t, quota.Budgets{"acs": 1}, config.RefreshConfig{BatchSize: 1, Workers: 1})
	p := &fakeProvider{name: "acs", batchSize: 50, costPer: perCall, fetch: okFetch}

	report, err := o.Refresh(context.Background(), universeOf("07030", "08608"), []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 1, out.Live)
	assert.Equal(t, 1, out.Synthesized)
	assert.Equal(t, 1, p.callCount())

	// Every key still has a bundle.
	for _, key := range []string{"07030", "08608"} {
		b, err := c.Get(context.Background(), key, "acs")
		require.NoError(t, err)
		require.NotNil(t, b, "key %s", key)
	}
}

func TestRefresh_PartialQuotaShrinksBatch(t *testing.T) {
	// Per-key cost, one call left, both keys in a single batch: the
	// batch shrinks to the one key the window still covers instead of
	// synthesizing everything and stranding the budget.
	o, c, l := testEnv(t, quota.Budgets{"acs": 1}, config.RefreshConfig{BatchSize: 10, Workers: 1})
	p := &fakeProvider{name: "acs", batchSize: 50, costPer: func(n int) int { return n }, fetch: okFetch}
	ctx := context.Background()

	report, err := o.Refresh(ctx, universeOf("07030", "08608"), []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 1, out.Live)
	assert.Equal(t, 1, out.Synthesized)
	require.Equal(t, 1, p.callCount())
	assert.Len(t, p.calls[0], 1)

	remaining, err := l.Remaining(ctx, "acs")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	live := 0
	for _, key := range []string{"07030", "08608"} {
		b, err := c.Get(ctx, key, "acs")
		require.NoError(t, err)
		require.NotNil(t, b, "key %s", key)
		if b.Origin == model.OriginLive {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestRefresh_FetchErrorCommitsAndSynthesizes(t *testing.T) {
	o, c, l := testEnv(t, quota.Budgets{"acs": 10}, config.RefreshConfig{BatchSize: 10, Workers: 2})
	p := &fakeProvider{
		name: "acs", batchSize: 50, costPer: perCall,
		fetch: func(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
			return nil, errors.New("upstream timeout")
		},
	}
	ctx := context.Background()

	report, err := o.Refresh(ctx, universeOf("07030", "08608"), []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 0, out.Live)
	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, 2, out.Synthesized)

	// The failed call still burned its reservation.
	remaining, err := l.Remaining(ctx, "acs")
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)

	b, err := c.Get(ctx, "07030", "acs")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, model.OriginSynthesized, b.Origin)
}

func TestRefresh_KeyMissingFromResponseSynthesized(t *testing.T) {
	o, c, _ := testEnv(t, quota.Budgets{"acs": 10}, config.RefreshConfig{BatchSize: 10, Workers: 2})
	p := &fakeProvider{
		name: "acs", batchSize: 50, costPer: perCall,
		fetch: func(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
			return map[string]map[string]float64{
				"07030": {"median_income": 72000},
			}, nil
		},
	}
	ctx := context.Background()

	report, err := o.Refresh(ctx, universeOf("07030", "08608"), []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 1, out.Live)
	assert.Equal(t, 1, out.Synthesized)

	b, err := c.Get(ctx, "08608", "acs")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, model.OriginSynthesized, b.Origin)
}

func TestRefresh_SynthesizedRetriedNextPass(t *testing.T) {
	o, _, _ := testEnv(t, quota.Budgets{"acs": 10}, config.RefreshConfig{BatchSize: 10, Workers: 2})
	failing := &fakeProvider{
		name: "acs", batchSize: 50, costPer: perCall,
		fetch: func(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
			return nil, errors.New("down")
		},
	}
	ctx := context.Background()
	uni := universeOf("07030")

	_, err := o.Refresh(ctx, uni, []Provider{failing})
	require.NoError(t, err)

	// Synthesized bundles are never fresh, so the provider is retried.
	healthy := &fakeProvider{name: "acs", batchSize: 50, costPer: perCall, fetch: okFetch}
	report, err := o.Refresh(ctx, uni, []Provider{healthy})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Providers["acs"].Live)
	assert.Equal(t, 1, healthy.callCount())
}

func TestRefresh_BatchSizeRespectsProviderLimit(t *testing.T) {
	o, _, _ := testEnv(t, quota.Budgets{"acs": 100}, config.RefreshConfig{BatchSize: 50, Workers: 1})
	p := &fakeProvider{name: "acs", batchSize: 2, costPer: perCall, fetch: okFetch}

	_, err := o.Refresh(context.Background(), universeOf("07030", "07302", "08608", "08901"), []Provider{p})
	require.NoError(t, err)

	require.Equal(t, 2, p.callCount())
	for _, call := range p.calls {
		assert.LessOrEqual(t, len(call), 2)
	}
}

func TestRefresh_InFlightKeyCoalesced(t *testing.T) {
	o, _, _ := testEnv(t, quota.Budgets{"acs": 100}, config.RefreshConfig{BatchSize: 10, Workers: 2})
	p := &fakeProvider{name: "acs", batchSize: 50, costPer: perCall, fetch: okFetch}

	// Simulate another pass already fetching this pair.
	require.True(t, o.tryAcquire("07030", "acs"))

	report, err := o.Refresh(context.Background(), universeOf("07030", "08608"), []Provider{p})
	require.NoError(t, err)

	out := report.Providers["acs"]
	assert.Equal(t, 1, out.Coalesced)
	assert.Equal(t, 1, out.Live)

	o.release([]string{"07030"}, "acs")
}

func TestRefresh_EmptyUniverse(t *testing.T) {
	o, _, _ := testEnv(t, quota.Budgets{"acs": 100}, config.RefreshConfig{BatchSize: 10, Workers: 2})
	p := &fakeProvider{name: "acs", batchSize: 50, costPer: perCall, fetch: okFetch}

	report, err := o.Refresh(context.Background(), nil, []Provider{p})
	require.NoError(t, err)
	assert.Equal(t, 0, p.callCount())
	assert.Equal(t, 0, report.Keys)
}

func TestPartition(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}

	batches := partition(keys, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])

	assert.Nil(t, partition(nil, 2))
	assert.Len(t, partition(keys, 10), 1)
}
