package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nourish-labs/foodatlas/internal/cache"
	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/metric"
	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/orchestrator"
	"github.com/nourish-labs/foodatlas/internal/quota"
	"github.com/nourish-labs/foodatlas/internal/store"
	"github.com/nourish-labs/foodatlas/internal/universe"
)

type stubProvider struct {
	name string

	mu    sync.Mutex
	calls int
	block chan struct{} // when set, Fetch waits on it
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) BatchSize() int { return 50 }

func (p *stubProvider) Cost(n int) int { return 1 }

var _ orchestrator.Provider = (*stubProvider)(nil)

func (p *stubProvider) Fetch(ctx context.Context, keys []string) (map[string]map[string]float64, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make(map[string]map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = map[string]float64{"median_income": 72000, "basket_cost": 28}
	}
	return out, nil
}

// writeRelationship writes a two-key source file the resolver can read.
func writeRelationship(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rel.txt")
	content := "GEOID_ZCTA5_20|GEOID_COUNTY_20|NAMELSAD_COUNTY_20\n" +
		"07030|34017|Hudson County\n" +
		"08608|34021|Mercer County\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestScheduler(t *testing.T, p orchestrator.Provider, cfg config.RefreshConfig) (*Scheduler, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ttls := cache.TTLs{p.Name(): 720 * time.Hour}
	c := cache.New(st, ttls)
	l := quota.NewLedger(st, quota.Budgets{p.Name(): 100})
	orch := orchestrator.New(c, l, cfg, ttls)
	resolver := universe.NewResolver(config.UniverseConfig{SourcePath: writeRelationship(t), StateFIPS: "34"})
	deriver := metric.NewDeriver(config.BandsConfig{Excellent: 1.5, Good: 3.0, Moderate: 4.0})

	s := New(st, c, l, orch, resolver, deriver, []orchestrator.Provider{p}, cfg, Options{})
	return s, st
}

func TestScheduler_RunOnce(t *testing.T) {
	p := &stubProvider{name: "acs"}
	s, st := newTestScheduler(t, p, config.RefreshConfig{BatchSize: 10, Workers: 2})
	ctx := context.Background()

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Keys)
	assert.Equal(t, 2, report.Providers["acs"].Live)

	// The resolved universe was persisted for the next cold start.
	snap, err := st.LoadUniverse(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestScheduler_ReadyBeforeFirstRefreshCompletes(t *testing.T) {
	block := make(chan struct{})
	p := &stubProvider{name: "acs", block: block}
	s, _ := newTestScheduler(t, p, config.RefreshConfig{BatchSize: 10, Workers: 2, IntervalHours: 24, DrainTimeoutSecs: 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never became ready")
	}

	// Serving before any provider call finished. The startup universe
	// is the bundled fallback since nothing was persisted.
	st, err := s.CurrentStatus(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, st.KeysInUniverse)
	assert.Contains(t, []State{StateServingPartial, StateRefreshing}, st.State)

	close(block)
	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_StatusAfterPass(t *testing.T) {
	p := &stubProvider{name: "acs"}
	s, _ := newTestScheduler(t, p, config.RefreshConfig{BatchSize: 10, Workers: 2})
	ctx := context.Background()

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)

	st, err := s.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.KeysInUniverse)
	assert.Equal(t, 2, st.BundlesTotal)
	assert.Equal(t, 2, st.BundlesFresh)
	assert.Equal(t, 0, st.Synthesized)
	assert.Equal(t, 98, st.QuotaRemaining["acs"])
	assert.NotEmpty(t, report.PassID)
}

func TestScheduler_UniverseLoadedFromSnapshotWithoutNetwork(t *testing.T) {
	p := &stubProvider{name: "acs"}
	s, st := newTestScheduler(t, p, config.RefreshConfig{BatchSize: 10, Workers: 2, IntervalHours: 24})
	ctx := context.Background()

	require.NoError(t, st.SaveUniverse(ctx, []model.KeyRecord{
		{Key: "07030", CountyName: "Hudson County", Canonical: true},
	}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()
	<-s.Ready()

	assert.Len(t, s.Universe(), 1)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_WorstOrigin(t *testing.T) {
	live := model.AttributeBundle{Origin: model.OriginLive}
	syn := model.AttributeBundle{Origin: model.OriginSynthesized}

	assert.Equal(t, model.OriginLive, worstOrigin(map[string]model.AttributeBundle{"a": live}))
	assert.Equal(t, model.OriginSynthesized, worstOrigin(map[string]model.AttributeBundle{"a": live, "b": syn}))
	assert.Equal(t, model.OriginLive, worstOrigin(nil))
}
