package model

import "time"

// Band is the discretized classification of the affordability score.
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandModerate  Band = "moderate"
	BandAtRisk    Band = "at_risk"
)

// DerivedMetric is the affordability score and band for one key,
// a deterministic function of the latest bundle per provider.
type DerivedMetric struct {
	Key        string    `json:"key"`
	Score      float64   `json:"score"`
	Band       Band      `json:"band"`
	ComputedAt time.Time `json:"computed_at"`
}

// RiskTier buckets a classifier probability for display.
type RiskTier string

const (
	RiskVeryLow  RiskTier = "very_low"
	RiskLow      RiskTier = "low"
	RiskModerate RiskTier = "moderate"
	RiskHigh     RiskTier = "high"
	RiskVeryHigh RiskTier = "very_high"
)

// TierForProbability maps a risk probability to its tier.
// Cutoffs: 0.2, 0.4, 0.6, 0.8.
func TierForProbability(p float64) RiskTier {
	switch {
	case p >= 0.8:
		return RiskVeryHigh
	case p >= 0.6:
		return RiskHigh
	case p >= 0.4:
		return RiskModerate
	case p >= 0.2:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// ClassificationResult is the external classifier's output for one key.
type ClassificationResult struct {
	Key         string   `json:"key"`
	AtRisk      bool     `json:"at_risk"`
	Probability float64  `json:"probability"`
	RiskTier    RiskTier `json:"risk_tier"`
}
