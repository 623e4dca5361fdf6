package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"07030", true},
		{"08608", true},
		{"00501", true},
		{"7030", false},
		{"070301", false},
		{"0703a", false},
		{"07 30", false},
		{"", false},
		{"07030\n", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidKey(tt.key), "key %q", tt.key)
	}
}

func TestAttributeBundle_Fresh(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	b := &AttributeBundle{FetchedAt: now.Add(-1 * time.Hour), TTL: 2 * time.Hour}
	assert.True(t, b.Fresh(now))

	b.TTL = 30 * time.Minute
	assert.False(t, b.Fresh(now))

	var nilBundle *AttributeBundle
	assert.False(t, nilBundle.Fresh(now))
}

func TestAttributeBundle_Fresh_ZeroFetchedAt(t *testing.T) {
	// Synthesized bundles carry a zero FetchedAt so they always read
	// as stale and get retried.
	b := &AttributeBundle{TTL: 720 * time.Hour}
	assert.False(t, b.Fresh(time.Now()))
}

func TestQuotaEntry_Remaining(t *testing.T) {
	e := QuotaEntry{CallsUsed: 120, CallsAllowed: 500}
	assert.Equal(t, 380, e.Remaining())

	e.CallsUsed = 500
	assert.Equal(t, 0, e.Remaining())

	e.CallsUsed = 510
	assert.Equal(t, 0, e.Remaining())
}

func TestTierForProbability(t *testing.T) {
	tests := []struct {
		p    float64
		want RiskTier
	}{
		{0.0, RiskVeryLow},
		{0.19, RiskVeryLow},
		{0.2, RiskLow},
		{0.39, RiskLow},
		{0.4, RiskModerate},
		{0.6, RiskHigh},
		{0.79, RiskHigh},
		{0.8, RiskVeryHigh},
		{1.0, RiskVeryHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForProbability(tt.p), "p=%v", tt.p)
	}
}

func TestRefreshReport_Total(t *testing.T) {
	r := &RefreshReport{
		Providers: map[string]ProviderOutcome{
			"acs":    {Live: 10, Synthesized: 2},
			"basket": {Live: 4, Synthesized: 6},
		},
	}
	assert.Equal(t, 14, r.Total(func(o ProviderOutcome) int { return o.Live }))
	assert.Equal(t, 8, r.Total(func(o ProviderOutcome) int { return o.Synthesized }))
}
