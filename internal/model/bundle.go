package model

import "time"

// Origin tags where a bundle's values came from.
type Origin string

const (
	OriginLive        Origin = "live"
	OriginCached      Origin = "cached"
	OriginSynthesized Origin = "synthesized"
)

// AttributeBundle is one provider's attribute payload for one key.
// Synthesized bundles never count against quota and are always
// replaceable by a live fetch.
type AttributeBundle struct {
	Key         string             `json:"key"`
	Provider    string             `json:"provider"`
	Values      map[string]float64 `json:"values"`
	Labels      map[string]string  `json:"labels,omitempty"`
	FetchedAt   time.Time          `json:"fetched_at"`
	TTL         time.Duration      `json:"ttl"`
	Origin      Origin             `json:"origin"`
	CommittedAt time.Time          `json:"committed_at"`
}

// Fresh reports whether the bundle is within its TTL at the given time.
// Staleness is advisory: stale bundles are still served.
func (b *AttributeBundle) Fresh(now time.Time) bool {
	if b == nil {
		return false
	}
	return now.Sub(b.FetchedAt) < b.TTL
}

// QuotaEntry is the durable call counter for one provider window.
// CallsUsed is monotonic non-decreasing within a window and resets
// only at the window boundary.
type QuotaEntry struct {
	Provider       string    `json:"provider"`
	WindowStart    time.Time `json:"window_start"`
	CallsUsed      int       `json:"calls_used"`
	CallsCommitted int       `json:"calls_committed"`
	CallsAllowed   int       `json:"calls_allowed"`
}

// Remaining returns the calls left in the window, never negative.
func (q QuotaEntry) Remaining() int {
	r := q.CallsAllowed - q.CallsUsed
	if r < 0 {
		return 0
	}
	return r
}
