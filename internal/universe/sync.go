package universe

import (
	"context"

	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/store"
)

// ResolveOrFallback resolves the universe from the live source,
// persisting the result as the new snapshot. When the source is
// unavailable it falls back to the last persisted snapshot, then to
// the bundled static table. It always returns a usable universe.
func ResolveOrFallback(ctx context.Context, r *Resolver, st *store.Store) []model.KeyRecord {
	recs, err := r.Resolve(ctx)
	if err == nil {
		if saveErr := st.SaveUniverse(ctx, recs); saveErr != nil {
			zap.L().Warn("universe: snapshot save failed", zap.Error(saveErr))
		}
		return recs
	}
	zap.L().Warn("universe: live resolve failed, using snapshot", zap.Error(err))

	snap, loadErr := st.LoadUniverse(ctx)
	if loadErr == nil && len(snap) > 0 {
		return snap
	}
	if loadErr != nil {
		zap.L().Warn("universe: snapshot load failed", zap.Error(loadErr))
	}

	zap.L().Warn("universe: no snapshot, using bundled fallback")
	return Fallback()
}

// Snapshot returns the persisted universe without touching the
// network. Used at startup so serving never blocks on the source.
func Snapshot(ctx context.Context, st *store.Store) []model.KeyRecord {
	snap, err := st.LoadUniverse(ctx)
	if err != nil || len(snap) == 0 {
		if err != nil {
			zap.L().Warn("universe: snapshot load failed", zap.Error(err))
		}
		return Fallback()
	}
	return snap
}

// Keys extracts the bare key list from a universe in order.
func Keys(recs []model.KeyRecord) []string {
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys
}

// CountyOf builds a key-to-county lookup for synthesis.
func CountyOf(recs []model.KeyRecord) map[string]string {
	m := make(map[string]string, len(recs))
	for _, r := range recs {
		m[r.Key] = r.CountyName
	}
	return m
}
