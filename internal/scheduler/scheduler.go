// Package scheduler owns the service lifecycle: load the persisted
// universe without touching the network, serve immediately from
// whatever the cache holds, and run refresh passes in the background
// on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/cache"
	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/metric"
	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/orchestrator"
	"github.com/nourish-labs/foodatlas/internal/quota"
	"github.com/nourish-labs/foodatlas/internal/sink"
	"github.com/nourish-labs/foodatlas/internal/store"
	"github.com/nourish-labs/foodatlas/internal/universe"
	"github.com/nourish-labs/foodatlas/pkg/classifier"
)

// State names the scheduler lifecycle phase.
type State string

const (
	StateStarting        State = "starting"
	StateServingPartial  State = "serving_partial"
	StateServingComplete State = "serving_complete"
	StateRefreshing      State = "refreshing"
)

// Status is the operational snapshot exposed over HTTP.
type Status struct {
	State           State          `json:"state"`
	KeysInUniverse  int            `json:"keys_in_universe"`
	BundlesTotal    int            `json:"bundles_total"`
	BundlesFresh    int            `json:"bundles_fresh"`
	BundlesStale    int            `json:"bundles_stale"`
	Synthesized     int            `json:"synthesized"`
	QuotaRemaining  map[string]int `json:"quota_remaining"`
	Passes          int            `json:"passes"`
	LastRefresh     time.Time      `json:"last_refresh,omitempty"`
	LastPassID      string         `json:"last_pass_id,omitempty"`
}

// Scheduler coordinates universe resolution, refresh passes, and
// publication.
type Scheduler struct {
	st        *store.Store
	cache     *cache.Cache
	ledger    *quota.Ledger
	orch      *orchestrator.Orchestrator
	resolver  *universe.Resolver
	deriver   *metric.Deriver
	predictor classifier.Predictor
	publisher *sink.Sink
	providers []orchestrator.Provider
	cfg       config.RefreshConfig

	mu          sync.Mutex
	state       State
	universe    []model.KeyRecord
	passes      int
	lastRefresh time.Time
	lastPassID  string

	ready     chan struct{}
	readyOnce sync.Once

	// passSlot holds one token while a pass is running; acquiring it
	// during shutdown is the drain.
	passSlot chan struct{}
}

// Options carries the optional collaborators. A nil Predictor skips
// classification; a nil Publisher skips downstream publication.
type Options struct {
	Predictor classifier.Predictor
	Publisher *sink.Sink
}

// New wires a Scheduler.
func New(
	st *store.Store,
	c *cache.Cache,
	l *quota.Ledger,
	orch *orchestrator.Orchestrator,
	r *universe.Resolver,
	d *metric.Deriver,
	providers []orchestrator.Provider,
	cfg config.RefreshConfig,
	opts Options,
) *Scheduler {
	return &Scheduler{
		st:        st,
		cache:     c,
		ledger:    l,
		orch:      orch,
		resolver:  r,
		deriver:   d,
		predictor: opts.Predictor,
		publisher: opts.Publisher,
		providers: providers,
		cfg:       cfg,
		state:     StateStarting,
		ready:     make(chan struct{}),
		passSlot:  make(chan struct{}, 1),
	}
}

// Ready is closed once the scheduler can serve, which happens before
// any network call completes.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Universe returns the current key set.
func (s *Scheduler) Universe() []model.KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.universe
}

// Run blocks until ctx is canceled. Startup never waits on the
// network: the persisted universe snapshot (or the embedded fallback)
// is enough to begin serving, and the first refresh runs async.
func (s *Scheduler) Run(ctx context.Context) error {
	recs := universe.Snapshot(ctx, s.st)
	s.mu.Lock()
	s.universe = recs
	s.state = StateServingPartial
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	zap.L().Info("scheduler: serving",
		zap.Int("keys", len(recs)),
		zap.Int("interval_hours", s.cfg.IntervalHours),
	)

	interval := time.Duration(s.cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First pass starts immediately but never blocks serving.
	s.startPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			s.startPass(ctx)
		}
	}
}

// startPass launches a pass unless one is already running. Overlapping
// ticks collapse into the running pass.
func (s *Scheduler) startPass(ctx context.Context) {
	select {
	case s.passSlot <- struct{}{}:
	default:
		zap.L().Warn("scheduler: pass still running, skipping tick")
		return
	}
	go func() {
		defer func() { <-s.passSlot }()
		s.runPass(ctx)
	}()
}

// RunOnce executes a single refresh pass and returns its report. Used
// by the one-shot CLI path.
func (s *Scheduler) RunOnce(ctx context.Context) (*model.RefreshReport, error) {
	recs := universe.ResolveOrFallback(ctx, s.resolver, s.st)
	s.mu.Lock()
	s.universe = recs
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	return s.refresh(ctx, recs)
}

func (s *Scheduler) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.setState(StateRefreshing)

	recs := s.Universe()

	// Periodic resync picks up boundary changes in the source table
	// and compacts bundles for keys that left the universe.
	s.mu.Lock()
	resync := s.cfg.ResyncEveryPasses > 0 && s.passes%s.cfg.ResyncEveryPasses == 0
	s.mu.Unlock()
	if resync {
		recs = universe.ResolveOrFallback(ctx, s.resolver, s.st)
		s.mu.Lock()
		s.universe = recs
		s.mu.Unlock()
		if _, err := s.cache.Compact(ctx, recs); err != nil {
			zap.L().Warn("scheduler: compaction failed", zap.Error(err))
		}
	}

	report, err := s.refresh(ctx, recs)
	if err != nil {
		zap.L().Error("scheduler: pass failed", zap.Error(err))
		s.setState(StateServingPartial)
		return
	}

	s.mu.Lock()
	s.passes++
	s.lastRefresh = report.Finished
	s.lastPassID = report.PassID
	s.state = StateServingComplete
	s.mu.Unlock()
}

func (s *Scheduler) refresh(ctx context.Context, recs []model.KeyRecord) (*model.RefreshReport, error) {
	report, err := s.orch.Refresh(ctx, recs, s.providers)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, recs, report.PassID)
	return report, nil
}

// publish derives and ships metrics for every key. Per-key failures
// are logged and skipped so one bad key never blocks the rest.
func (s *Scheduler) publish(ctx context.Context, recs []model.KeyRecord, passID string) {
	if s.publisher == nil {
		return
	}
	published := 0
	for _, r := range recs {
		if ctx.Err() != nil {
			return
		}
		bundles := s.bundles(ctx, r.Key)
		if len(bundles) == 0 {
			continue
		}
		m := s.deriver.Derive(r.Key, bundles)

		rec := sink.Record{
			Key:            r.Key,
			CountyName:     r.CountyName,
			Score:          m.Score,
			Band:           m.Band,
			FeatureVersion: metric.FeatureVersion,
			Origin:         worstOrigin(bundles),
			PassID:         passID,
		}

		if s.predictor != nil {
			res, err := s.predictor.Predict(ctx, r.Key, metric.Features(m, bundles))
			if err != nil {
				zap.L().Warn("scheduler: classification failed",
					zap.String("key", r.Key), zap.Error(err))
			} else {
				rec.AtRisk = res.AtRisk
				rec.RiskProb = res.Probability
				rec.RiskTier = res.RiskTier
			}
		}

		if err := s.publisher.Upsert(ctx, rec); err != nil {
			zap.L().Warn("scheduler: publish failed",
				zap.String("key", r.Key), zap.Error(err))
			continue
		}
		published++
	}
	zap.L().Info("scheduler: published",
		zap.String("pass_id", passID), zap.Int("keys", published))
}

// bundles loads the latest bundle per provider for one key.
func (s *Scheduler) bundles(ctx context.Context, key string) map[string]model.AttributeBundle {
	out := make(map[string]model.AttributeBundle, len(s.providers))
	for _, p := range s.providers {
		b, err := s.cache.Get(ctx, key, p.Name())
		if err != nil || b == nil {
			continue
		}
		out[p.Name()] = *b
	}
	return out
}

// worstOrigin reports synthesized if any contributing bundle was.
func worstOrigin(bundles map[string]model.AttributeBundle) model.Origin {
	for _, b := range bundles {
		if b.Origin == model.OriginSynthesized {
			return model.OriginSynthesized
		}
	}
	return model.OriginLive
}

// drain waits for the in-flight pass to wind down. The canceled
// context stops the pass from issuing new batches; completed work is
// already durable, so the timeout bounds how long stragglers get.
func (s *Scheduler) drain() error {
	timeout := time.Duration(s.cfg.DrainTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case s.passSlot <- struct{}{}:
		<-s.passSlot
	case <-time.After(timeout):
		zap.L().Warn("scheduler: drain timeout elapsed")
	}
	zap.L().Info("scheduler: stopped")
	return nil
}

// CurrentStatus assembles the operational snapshot.
func (s *Scheduler) CurrentStatus(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{
		State:          s.state,
		KeysInUniverse: len(s.universe),
		Passes:         s.passes,
		LastRefresh:    s.lastRefresh,
		LastPassID:     s.lastPassID,
	}
	s.mu.Unlock()

	stats, err := s.cache.Stat(ctx, time.Now())
	if err != nil {
		return st, err
	}
	st.BundlesTotal = stats.Total
	st.BundlesFresh = stats.Fresh
	st.BundlesStale = stats.Stale
	st.Synthesized = stats.Synthesized

	remaining, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return st, err
	}
	st.QuotaRemaining = remaining
	return st, nil
}
