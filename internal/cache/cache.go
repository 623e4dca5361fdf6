// Package cache is the passive durable store of provider attribute
// bundles. It never fetches: the orchestrator decides whether to read,
// fetch, or synthesize. Entries are never time-evicted; staleness is
// advisory, and a stale bundle beats no bundle.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/store"
)

const writeStripes = 64

// TTLs maps provider name to its freshness window.
type TTLs map[string]time.Duration

// Cache is the provider bundle store. Reads are concurrent; writes are
// serialized per (key, provider) pair via striped locks, so writes to
// different pairs never contend on a global lock.
type Cache struct {
	st      *store.Store
	ttls    TTLs
	stripes [writeStripes]sync.Mutex
}

// New creates a Cache over the given store.
func New(st *store.Store, ttls TTLs) *Cache {
	return &Cache{st: st, ttls: ttls}
}

func (c *Cache) stripe(key, provider string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	h.Write([]byte{'|'})
	h.Write([]byte(provider))
	return &c.stripes[h.Sum32()%writeStripes]
}

// Get returns the stored bundle for (key, provider), or nil when absent.
func (c *Cache) Get(ctx context.Context, key, provider string) (*model.AttributeBundle, error) {
	b, err := c.st.GetBundle(ctx, key, provider)
	if err != nil {
		return nil, eris.Wrapf(model.ErrPersistenceFailure, "cache: get %s/%s: %v", key, provider, err)
	}
	return b, nil
}

// IsFresh reports whether the bundle is within the provider's TTL.
// The bundle's own TTL wins when set; the provider default applies
// otherwise.
func (c *Cache) IsFresh(b *model.AttributeBundle, now time.Time) bool {
	if b == nil {
		return false
	}
	ttl := b.TTL
	if ttl == 0 {
		ttl = c.ttls[b.Provider]
	}
	return now.Sub(b.FetchedAt) < ttl
}

// Put stores a bundle, serialized per (key, provider). Conflicts
// resolve last-write-wins by CommittedAt, with two origin rules on
// top: a live bundle always replaces a synthesized one, and a
// synthesized bundle never replaces a live one.
func (c *Cache) Put(ctx context.Context, b model.AttributeBundle) error {
	mu := c.stripe(b.Key, b.Provider)
	mu.Lock()
	defer mu.Unlock()

	existing, err := c.st.GetBundle(ctx, b.Key, b.Provider)
	if err != nil {
		return eris.Wrapf(model.ErrPersistenceFailure, "cache: put read %s/%s: %v", b.Key, b.Provider, err)
	}

	if existing != nil && !replaces(b, *existing) {
		zap.L().Debug("cache: put superseded",
			zap.String("key", b.Key),
			zap.String("provider", b.Provider),
			zap.String("origin", string(b.Origin)),
		)
		return nil
	}

	if err := c.st.PutBundle(ctx, b); err != nil {
		return eris.Wrapf(model.ErrPersistenceFailure, "cache: put %s/%s: %v", b.Key, b.Provider, err)
	}
	return nil
}

// replaces decides whether incoming wins over existing.
func replaces(incoming, existing model.AttributeBundle) bool {
	liveIn := incoming.Origin != model.OriginSynthesized
	liveEx := existing.Origin != model.OriginSynthesized
	switch {
	case liveIn && !liveEx:
		return true
	case !liveIn && liveEx:
		return false
	default:
		// Same class: last write wins by commit time.
		return !incoming.CommittedAt.Before(existing.CommittedAt)
	}
}

// Compact drops bundles for keys no longer in the universe. This is
// the only eviction path.
func (c *Cache) Compact(ctx context.Context, universe []model.KeyRecord) (int, error) {
	keys := make([]string, len(universe))
	for i, r := range universe {
		keys[i] = r.Key
	}
	n, err := c.st.DeleteBundlesNotIn(ctx, keys)
	if err != nil {
		return 0, eris.Wrap(err, "cache: compact")
	}
	if n > 0 {
		zap.L().Info("cache: compacted", zap.Int("dropped", n))
	}
	return n, nil
}

// Stats summarizes bundle freshness for the operational surface.
type Stats struct {
	Total       int `json:"total"`
	Fresh       int `json:"fresh"`
	Stale       int `json:"stale"`
	Synthesized int `json:"synthesized"`
}

// Stat counts stored bundles by freshness and origin.
func (c *Cache) Stat(ctx context.Context, now time.Time) (Stats, error) {
	metas, err := c.st.ListBundleMeta(ctx)
	if err != nil {
		return Stats{}, eris.Wrap(err, "cache: stat")
	}
	var s Stats
	for _, m := range metas {
		s.Total++
		ttl := m.TTL
		if ttl == 0 {
			ttl = c.ttls[m.Provider]
		}
		if now.Sub(m.FetchedAt) < ttl {
			s.Fresh++
		} else {
			s.Stale++
		}
		if m.Origin == model.OriginSynthesized {
			s.Synthesized++
		}
	}
	return s, nil
}
