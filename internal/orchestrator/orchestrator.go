// Package orchestrator drives concurrent, quota-gated provider
// fetches for every key lacking fresh cached data. Quota is reserved
// before any call goes out; exhaustion and call failures fall back to
// deterministic synthesis, so a completed pass leaves no key without a
// bundle for any configured provider.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nourish-labs/foodatlas/internal/cache"
	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/quota"
	"github.com/nourish-labs/foodatlas/internal/synth"
)

// Provider is one external attribute source. Implementations live in
// pkg/ and own their HTTP details, rate limiting, and per-call
// timeouts; the orchestrator owns batching, quota, and fallback.
type Provider interface {
	Name() string
	// BatchSize is the largest key list one Fetch accepts.
	BatchSize() int
	// Cost is the number of quota calls consumed by fetching n keys.
	Cost(n int) int
	// Fetch returns per-key value maps. Keys absent from the result
	// are treated as having no data and are synthesized.
	Fetch(ctx context.Context, keys []string) (map[string]map[string]float64, error)
}

// Orchestrator runs refresh passes.
type Orchestrator struct {
	cache  *cache.Cache
	ledger *quota.Ledger
	cfg    config.RefreshConfig
	ttls   cache.TTLs

	// inflight coalesces concurrent fetches: at most one in-flight
	// fetch per (key, provider) pair across passes.
	mu       sync.Mutex
	inflight map[string]struct{}

	now func() time.Time
}

// New creates an Orchestrator.
func New(c *cache.Cache, l *quota.Ledger, cfg config.RefreshConfig, ttls cache.TTLs) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Orchestrator{
		cache:    c,
		ledger:   l,
		cfg:      cfg,
		ttls:     ttls,
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) tryAcquire(key, provider string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := key + "|" + provider
	if _, busy := o.inflight[k]; busy {
		return false
	}
	o.inflight[k] = struct{}{}
	return true
}

func (o *Orchestrator) release(keys []string, provider string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range keys {
		delete(o.inflight, key+"|"+provider)
	}
}

// outcome accumulates per-provider counters under its own lock.
type outcome struct {
	mu sync.Mutex
	o  model.ProviderOutcome
}

func (c *outcome) add(f func(*model.ProviderOutcome)) {
	c.mu.Lock()
	f(&c.o)
	c.mu.Unlock()
}

// Refresh runs one pass over the universe for the given providers.
// Per-key failures are contained in the report; the only errors
// returned are context cancellation during scheduling.
func (o *Orchestrator) Refresh(ctx context.Context, universe []model.KeyRecord, providers []Provider) (*model.RefreshReport, error) {
	report := &model.RefreshReport{
		PassID:    uuid.New().String(),
		Providers: make(map[string]model.ProviderOutcome, len(providers)),
		Keys:      len(universe),
		Started:   o.now().UTC(),
	}
	countyOf := make(map[string]string, len(universe))
	for _, r := range universe {
		countyOf[r.Key] = r.CountyName
	}

	log := zap.L().With(zap.String("pass_id", report.PassID))
	log.Info("refresh: starting pass",
		zap.Int("keys", len(universe)),
		zap.Int("providers", len(providers)),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	outcomes := make(map[string]*outcome, len(providers))
	for _, p := range providers {
		outcomes[p.Name()] = &outcome{}
	}

	for _, p := range providers {
		counters := outcomes[p.Name()]

		work, coalesced, hits := o.plan(ctx, universe, p)
		counters.add(func(po *model.ProviderOutcome) {
			po.Coalesced += coalesced
			po.CacheHit += hits
		})

		// exhausted flips once per pass; after that every remaining
		// batch for this provider synthesizes without touching the
		// ledger again.
		exhausted := false
		var exhaustedMu sync.Mutex

		for _, batch := range partition(work, o.batchSize(p)) {
			g.Go(func() error {
				defer o.release(batch, p.Name())

				if gCtx.Err() != nil {
					// Shutdown drain: batch was never issued, keys
					// stay eligible for the next pass.
					return nil
				}

				exhaustedMu.Lock()
				skip := exhausted
				exhaustedMu.Unlock()
				if skip {
					o.synthesizeBatch(ctx, batch, countyOf, p.Name(), counters)
					return nil
				}

				ok, err := o.ledger.TryReserve(ctx, p.Name(), p.Cost(len(batch)))
				if err != nil {
					log.Warn("refresh: reservation error",
						zap.String("provider", p.Name()),
						zap.Error(err),
					)
					o.synthesizeBatch(ctx, batch, countyOf, p.Name(), counters)
					return nil
				}
				if !ok {
					// The full batch no longer fits, but the window may
					// still cover a smaller one. Spend what is left
					// before declaring the provider exhausted.
					fit := o.shrinkToBudget(ctx, batch, p)
					if len(fit) == 0 {
						exhaustedMu.Lock()
						exhausted = true
						exhaustedMu.Unlock()
						log.Warn("refresh: quota exhausted, synthesizing remainder",
							zap.String("provider", p.Name()),
							zap.Int("batch_size", len(batch)),
						)
						o.synthesizeBatch(ctx, batch, countyOf, p.Name(), counters)
						return nil
					}
					log.Warn("refresh: quota low, shrinking batch",
						zap.String("provider", p.Name()),
						zap.Int("batch_size", len(batch)),
						zap.Int("fit", len(fit)),
					)
					o.synthesizeBatch(ctx, batch[len(fit):], countyOf, p.Name(), counters)
					batch = fit
				}

				o.fetchBatch(gCtx, batch, countyOf, p, counters, log)
				return nil
			})
		}
	}

	_ = g.Wait()

	for name, c := range outcomes {
		report.Providers[name] = c.o
	}
	report.Finished = o.now().UTC()

	log.Info("refresh: pass complete",
		zap.Int("live", report.Total(func(po model.ProviderOutcome) int { return po.Live })),
		zap.Int("cache_hit", report.Total(func(po model.ProviderOutcome) int { return po.CacheHit })),
		zap.Int("synthesized", report.Total(func(po model.ProviderOutcome) int { return po.Synthesized })),
		zap.Int("failed", report.Total(func(po model.ProviderOutcome) int { return po.Failed })),
	)
	return report, nil
}

// plan walks the universe and splits keys into: needing a fetch
// (acquired into the in-flight set), already in flight elsewhere, and
// fresh in cache.
func (o *Orchestrator) plan(ctx context.Context, universe []model.KeyRecord, p Provider) (work []string, coalesced, hits int) {
	now := o.now()
	for _, r := range universe {
		b, err := o.cache.Get(ctx, r.Key, p.Name())
		if err == nil && o.cache.IsFresh(b, now) {
			hits++
			continue
		}
		if !o.tryAcquire(r.Key, p.Name()) {
			coalesced++
			continue
		}
		work = append(work, r.Key)
	}
	return work, coalesced, hits
}

// shrinkToBudget reserves the largest prefix of batch whose cost still
// fits the provider's remaining window, after a reservation for the
// full batch was denied. Returns nil when not even one key fits; only
// then is the provider exhausted for the pass. Another worker can
// drain the window between the Remaining read and the reservation, so
// a denied re-reservation shrinks further and tries again.
func (o *Orchestrator) shrinkToBudget(ctx context.Context, batch []string, p Provider) []string {
	n := len(batch) - 1
	for n > 0 {
		remaining, err := o.ledger.Remaining(ctx, p.Name())
		if err != nil || remaining <= 0 {
			return nil
		}
		for n > 0 && p.Cost(n) > remaining {
			n--
		}
		if n == 0 {
			return nil
		}
		ok, err := o.ledger.TryReserve(ctx, p.Name(), p.Cost(n))
		if err != nil {
			return nil
		}
		if ok {
			return batch[:n]
		}
		n--
	}
	return nil
}

func (o *Orchestrator) batchSize(p Provider) int {
	n := o.cfg.BatchSize
	if pb := p.BatchSize(); pb > 0 && pb < n {
		n = pb
	}
	return n
}

// fetchBatch issues one live call for a reserved batch. The
// reservation is committed whether or not the response was usable:
// the call went out, so the quota is spent.
func (o *Orchestrator) fetchBatch(ctx context.Context, batch []string, countyOf map[string]string, p Provider, counters *outcome, log *zap.Logger) {
	results, err := p.Fetch(ctx, batch)

	if commitErr := o.ledger.Commit(context.WithoutCancel(ctx), p.Name(), p.Cost(len(batch))); commitErr != nil {
		log.Warn("refresh: commit failed",
			zap.String("provider", p.Name()),
			zap.Error(commitErr),
		)
	}

	if err != nil {
		log.Warn("refresh: batch call failed, synthesizing",
			zap.String("provider", p.Name()),
			zap.Strings("keys", batch),
			zap.Error(err),
		)
		counters.add(func(po *model.ProviderOutcome) { po.Failed += len(batch) })
		o.synthesizeBatch(ctx, batch, countyOf, p.Name(), counters)
		return
	}

	now := o.now().UTC()
	for _, key := range batch {
		vals, found := results[key]
		if !found || len(vals) == 0 {
			o.synthesizeOne(ctx, key, countyOf[key], p.Name(), counters)
			continue
		}
		bundle := model.AttributeBundle{
			Key:         key,
			Provider:    p.Name(),
			Values:      vals,
			Labels:      map[string]string{"county": countyOf[key]},
			FetchedAt:   now,
			TTL:         o.ttls[p.Name()],
			Origin:      model.OriginLive,
			CommittedAt: now,
		}
		if putErr := o.cache.Put(ctx, bundle); putErr != nil {
			// Value dropped; the key retries next pass instead of
			// serving a bundle that was never durably stored.
			log.Warn("refresh: cache write failed, dropping value",
				zap.String("key", key),
				zap.String("provider", p.Name()),
				zap.Error(putErr),
			)
			counters.add(func(po *model.ProviderOutcome) { po.Failed++ })
			continue
		}
		counters.add(func(po *model.ProviderOutcome) { po.Live++ })
	}
}

// synthesizeBatch stores deterministic placeholders for a whole batch.
func (o *Orchestrator) synthesizeBatch(ctx context.Context, batch []string, countyOf map[string]string, provider string, counters *outcome) {
	for _, key := range batch {
		o.synthesizeOne(ctx, key, countyOf[key], provider, counters)
	}
}

// synthesizeOne stores a placeholder for one key. The cache's origin
// rule means this never clobbers an existing live bundle.
func (o *Orchestrator) synthesizeOne(ctx context.Context, key, county, provider string, counters *outcome) {
	b := synth.Bundle(key, county, provider, o.now().UTC())
	if err := o.cache.Put(context.WithoutCancel(ctx), b); err != nil {
		zap.L().Warn("refresh: synthesis write failed",
			zap.String("key", key),
			zap.String("provider", provider),
			zap.Error(err),
		)
		counters.add(func(po *model.ProviderOutcome) { po.Failed++ })
		return
	}
	counters.add(func(po *model.ProviderOutcome) { po.Synthesized++ })
}

// partition splits keys into fixed-size batches, preserving order.
func partition(keys []string, size int) [][]string {
	if size <= 0 {
		size = 50
	}
	var out [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
