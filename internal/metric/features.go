package metric

import (
	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/synth"
)

// FeatureVersion identifies the feature vector layout sent to the
// classifier. Bump whenever FeatureNames changes.
const FeatureVersion = "v1"

// FeatureNames is the fixed field order of the v1 vector. The core
// owns assembly; the classifier owns the model.
var FeatureNames = []string{
	"affordability_score",
	"median_income",
	"snap_rate",
	"population_density",
	"grocery_store_density",
	"snap_retailer_density",
	"cost_to_income_ratio",
	"basket_cost",
}

// Features assembles the classifier input for one key. Missing
// attributes take synthesis defaults, the same totality rule as
// Derive.
func Features(m model.DerivedMetric, bundles map[string]model.AttributeBundle) []float64 {
	income := attr(bundles, "median_income", synth.DefaultMedianIncome)
	snapRate := attr(bundles, "snap_rate", synth.DefaultSNAPRate)
	population := attr(bundles, "population", synth.DefaultPopulation)
	retailers := attr(bundles, "snap_retailers", 1)
	groceries := attr(bundles, "grocery_stores", 1)
	basket := attr(bundles, "basket_cost", synth.DefaultBasketCost)

	if population <= 0 {
		population = synth.DefaultPopulation
	}

	// Population density is a rough residents-per-area proxy; store
	// densities are per 10,000 residents.
	popDensity := population / 10
	groceryDensity := groceries / population * 10000
	retailerDensity := retailers / population * 10000

	monthlyIncome := income / 12
	costRatio := 0.0
	if monthlyIncome > 0 {
		costRatio = (basket * weeksPerMonth) / monthlyIncome
	}

	return []float64{
		m.Score,
		income,
		snapRate,
		popDensity,
		groceryDensity,
		retailerDensity,
		costRatio,
		basket,
	}
}
