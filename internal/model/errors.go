package model

import "github.com/rotisserie/eris"

// Sentinel errors forming the failure taxonomy of the data core.
// All are recoverable: callers fall back to the last-known universe,
// cached data, or synthesis, and nothing at the facade boundary ever
// sees a partial-refresh failure as a request-time error.
var (
	// ErrSourceUnavailable means the reference key source could not be
	// reached or parsed. Recover via the persisted universe or the
	// bundled fallback generator.
	ErrSourceUnavailable = eris.New("reference source unavailable")

	// ErrQuotaExhausted means a provider's window budget is spent.
	// Recover via synthesis; never retried within the same pass.
	ErrQuotaExhausted = eris.New("provider quota exhausted")

	// ErrProviderCallFailed covers timeouts, HTTP errors, and
	// malformed payloads. Recover via synthesis.
	ErrProviderCallFailed = eris.New("provider call failed")

	// ErrPersistenceFailure means a cache or ledger write failed. The
	// reserve-before-call ordering keeps quota accounting correct; a
	// failed cache write drops the value for retry next pass.
	ErrPersistenceFailure = eris.New("persistence failure")

	// ErrInvalidKeyFormat is rejected at universe-resolution time and
	// never reaches a fetch.
	ErrInvalidKeyFormat = eris.New("invalid key format")
)
