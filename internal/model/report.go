package model

import "time"

// ProviderOutcome tallies per-key outcomes for one provider in a pass.
type ProviderOutcome struct {
	Live        int `json:"live"`
	CacheHit    int `json:"cache_hit"`
	Synthesized int `json:"synthesized"`
	Failed      int `json:"failed"`
	Coalesced   int `json:"coalesced"`
}

// RefreshReport summarizes one orchestrator pass. Per-key failures are
// contained here and never surfaced as request-time errors.
type RefreshReport struct {
	PassID    string                     `json:"pass_id"`
	Providers map[string]ProviderOutcome `json:"providers"`
	Keys      int                        `json:"keys"`
	Started   time.Time                  `json:"started"`
	Finished  time.Time                  `json:"finished"`
}

// Total sums a single outcome counter across providers.
func (r *RefreshReport) Total(pick func(ProviderOutcome) int) int {
	var n int
	for _, o := range r.Providers {
		n += pick(o)
	}
	return n
}
