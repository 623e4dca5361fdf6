// Package metric computes the affordability score and classification
// band from fetched attribute bundles. Derivation is pure and total:
// missing attributes are substituted with synthesis defaults, and a
// non-positive income clamps straight to the at-risk band instead of
// producing infinity or NaN.
package metric

import (
	"time"

	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/synth"
)

// weeksPerMonth converts the weekly basket cost to a monthly figure.
const weeksPerMonth = 4.33

// Deriver turns per-provider bundles into a DerivedMetric.
type Deriver struct {
	bands config.BandsConfig
	now   func() time.Time
}

// NewDeriver creates a Deriver with the given band thresholds.
func NewDeriver(bands config.BandsConfig) *Deriver {
	return &Deriver{bands: bands, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (d *Deriver) WithNow(now func() time.Time) *Deriver {
	d.now = now
	return d
}

// Score is the affordability percentage: monthly basket cost over
// monthly income, times 100. ok is false when income is non-positive;
// callers must clamp to at-risk rather than divide.
func Score(monthlyBasket, monthlyIncome float64) (score float64, ok bool) {
	if monthlyIncome <= 0 {
		return 0, false
	}
	return (monthlyBasket / monthlyIncome) * 100, true
}

// Band maps a score onto the configured thresholds. Ascending,
// left-inclusive, open-ended top band.
func (d *Deriver) Band(score float64) model.Band {
	switch {
	case score < d.bands.Excellent:
		return model.BandExcellent
	case score < d.bands.Good:
		return model.BandGood
	case score < d.bands.Moderate:
		return model.BandModerate
	default:
		return model.BandAtRisk
	}
}

// attr reads a named value across bundles, falling back to def.
func attr(bundles map[string]model.AttributeBundle, name string, def float64) float64 {
	for _, b := range bundles {
		if v, ok := b.Values[name]; ok {
			return v
		}
	}
	return def
}

// Derive computes the metric for one key from its latest bundle per
// provider. It never fails.
func (d *Deriver) Derive(key string, bundles map[string]model.AttributeBundle) model.DerivedMetric {
	annualIncome := attr(bundles, "median_income", synth.DefaultMedianIncome)
	weeklyBasket := attr(bundles, "basket_cost", synth.DefaultBasketCost)

	monthlyIncome := annualIncome / 12
	monthlyBasket := weeklyBasket * weeksPerMonth

	score, ok := Score(monthlyBasket, monthlyIncome)
	if !ok {
		// Income at or below zero: at-risk by definition. The score is
		// pinned to the band's lower edge so it stays finite.
		return model.DerivedMetric{
			Key:        key,
			Score:      d.bands.Moderate,
			Band:       model.BandAtRisk,
			ComputedAt: d.now().UTC(),
		}
	}

	return model.DerivedMetric{
		Key:        key,
		Score:      score,
		Band:       d.Band(score),
		ComputedAt: d.now().UTC(),
	}
}
