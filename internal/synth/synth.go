// Package synth generates deterministic placeholder bundles for keys
// whose live data is unavailable. Values are a pure hash of
// (key, county label, provider, attribute), so the same key always
// synthesizes byte-identical output across runs and restarts.
package synth

import (
	"time"

	"github.com/zeebo/xxh3"

	"github.com/nourish-labs/foodatlas/internal/model"
)

// Defaults substituted for missing attributes during derivation.
// Mid-range values from the reference tables.
const (
	DefaultMedianIncome = 65000.0
	DefaultBasketCost   = 30.0
	DefaultPovertyRate  = 10.0
	DefaultSNAPRate     = 0.10
	DefaultPopulation   = 18000.0
)

// attrRange is a closed numeric range an attribute is synthesized into.
type attrRange struct {
	name string
	lo   float64
	hi   float64
}

// providerAttrs fixes the attribute set synthesized per provider.
var providerAttrs = map[string][]attrRange{
	"acs": {
		{"median_income", 38000, 125000},
		{"poverty_rate", 3.5, 24.0},
		{"snap_rate", 0.03, 0.26},
		{"population", 6000, 48000},
	},
	"snap_retail": {
		{"snap_retailers", 2, 42},
		{"grocery_stores", 1, 12},
	},
	"basket": {
		{"basket_cost", 24.0, 44.0},
	},
}

// value maps the hash of (key, county, provider, attr) into [lo, hi].
func value(key, county, provider, attr string, lo, hi float64) float64 {
	h := xxh3.HashString(key + "|" + county + "|" + provider + "|" + attr)
	frac := float64(h%100000) / 100000.0
	return lo + frac*(hi-lo)
}

// Bundle synthesizes a full placeholder bundle for (key, provider).
// Synthesized bundles never consume quota and are always replaceable
// by a live fetch. FetchedAt is the zero time so a synthesized bundle
// is never considered fresh and is re-attempted every pass.
func Bundle(key, county, provider string, now time.Time) model.AttributeBundle {
	attrs, ok := providerAttrs[provider]
	vals := make(map[string]float64, len(attrs))
	if ok {
		for _, a := range attrs {
			vals[a.name] = value(key, county, provider, a.name, a.lo, a.hi)
		}
	}
	return model.AttributeBundle{
		Key:      key,
		Provider: provider,
		Values:   vals,
		Labels: map[string]string{
			"county": county,
		},
		FetchedAt:   time.Time{},
		Origin:      model.OriginSynthesized,
		CommittedAt: now,
	}
}
