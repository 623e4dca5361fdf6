package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/cache"
	"github.com/nourish-labs/foodatlas/internal/metric"
	"github.com/nourish-labs/foodatlas/internal/orchestrator"
	"github.com/nourish-labs/foodatlas/internal/quota"
	"github.com/nourish-labs/foodatlas/internal/scheduler"
	"github.com/nourish-labs/foodatlas/internal/sink"
	"github.com/nourish-labs/foodatlas/internal/store"
	"github.com/nourish-labs/foodatlas/internal/universe"
	"github.com/nourish-labs/foodatlas/pkg/acs"
	"github.com/nourish-labs/foodatlas/pkg/basket"
	"github.com/nourish-labs/foodatlas/pkg/classifier"
	"github.com/nourish-labs/foodatlas/pkg/snapretail"
)

// appEnv holds the wired service components shared by the serve,
// refresh, and status commands.
type appEnv struct {
	Store     *store.Store
	Cache     *cache.Cache
	Ledger    *quota.Ledger
	Scheduler *scheduler.Scheduler
	Deriver   *metric.Deriver
	Providers []orchestrator.Provider
	Publisher *sink.Sink // may be nil
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Publisher != nil {
		e.Publisher.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp sets up the store, cache, quota ledger, provider clients,
// and the scheduler. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ttls := cache.TTLs{
		acs.ProviderName:        cfg.ACS.TTL(),
		snapretail.ProviderName: cfg.SNAPRetail.TTL(),
		basket.ProviderName:     cfg.Basket.TTL(),
	}
	c := cache.New(st, ttls)

	ledger := quota.NewLedger(st, quota.Budgets{
		acs.ProviderName:        cfg.ACS.MonthlyQuota,
		snapretail.ProviderName: cfg.SNAPRetail.MonthlyQuota,
		basket.ProviderName:     cfg.Basket.MonthlyQuota,
	})

	items, err := basket.LoadItems(cfg.Basket.ItemsPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	providers := []orchestrator.Provider{
		acs.New(cfg.ACS),
		snapretail.New(cfg.SNAPRetail),
		basket.New(cfg.Basket, items),
	}

	orch := orchestrator.New(c, ledger, cfg.Refresh, ttls)
	resolver := universe.NewResolver(cfg.Universe)
	deriver := metric.NewDeriver(cfg.Bands)

	opts := scheduler.Options{}
	if cfg.Classifier.BaseURL != "" {
		opts.Predictor = classifier.New(cfg.Classifier, metric.FeatureVersion)
	} else {
		zap.L().Debug("classifier not configured, skipping risk classification")
	}
	if cfg.Sink.DatabaseURL != "" {
		pub, err := sink.NewSink(ctx, cfg.Sink)
		if err != nil {
			zap.L().Warn("sink init failed, publishing disabled", zap.Error(err))
		} else if err := pub.Migrate(ctx); err != nil {
			pub.Close()
			zap.L().Warn("sink migration failed, publishing disabled", zap.Error(err))
		} else {
			opts.Publisher = pub
		}
	} else {
		zap.L().Debug("FOODATLAS_SINK_DATABASE_URL not set, publishing disabled")
	}

	sched := scheduler.New(st, c, ledger, orch, resolver, deriver, providers, cfg.Refresh, opts)

	return &appEnv{
		Store:     st,
		Cache:     c,
		Ledger:    ledger,
		Scheduler: sched,
		Deriver:   deriver,
		Providers: providers,
		Publisher: opts.Publisher,
	}, nil
}
