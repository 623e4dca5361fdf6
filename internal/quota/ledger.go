// Package quota is the durable call-budget ledger for external
// providers. Reservations are written before the provider call is
// issued, so a crash between call and commit can never under-count
// usage. Windows are calendar months; closed windows are archived,
// never deleted.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/model"
	"github.com/nourish-labs/foodatlas/internal/store"
)

// Budgets maps provider name to calls allowed per window.
type Budgets map[string]int

// Ledger gates and accounts provider calls. The per-provider mutex is
// the single serialization point: overlapping concurrent reservations
// can never take the window past its allowance.
type Ledger struct {
	st      *store.Store
	budgets Budgets

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(st *store.Store, budgets Budgets) *Ledger {
	return &Ledger{
		st:      st,
		budgets: budgets,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (l *Ledger) WithNow(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) lockFor(provider string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[provider]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[provider] = m
	return m
}

// windowStart returns the first instant of t's calendar month in UTC.
func windowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// entry loads the current window entry for a provider, creating it or
// rolling it over at the window boundary. Caller must hold the
// provider lock.
func (l *Ledger) entry(ctx context.Context, provider string) (*model.QuotaEntry, error) {
	allowed, ok := l.budgets[provider]
	if !ok {
		return nil, eris.Errorf("quota: no budget configured for provider %q", provider)
	}

	ws := windowStart(l.now())
	e, err := l.st.GetQuota(ctx, provider)
	if err != nil {
		return nil, err
	}

	if e == nil {
		e = &model.QuotaEntry{Provider: provider, WindowStart: ws, CallsAllowed: allowed}
		if err := l.st.PutQuota(ctx, *e); err != nil {
			return nil, err
		}
		return e, nil
	}

	if e.WindowStart.UTC().Before(ws) {
		// Window rollover: archive the closed window, start fresh.
		if err := l.st.ArchiveQuota(ctx, *e); err != nil {
			return nil, err
		}
		zap.L().Info("quota: window rollover",
			zap.String("provider", provider),
			zap.Time("closed_window", e.WindowStart),
			zap.Int("calls_used", e.CallsUsed),
		)
		e = &model.QuotaEntry{Provider: provider, WindowStart: ws, CallsAllowed: allowed}
		if err := l.st.PutQuota(ctx, *e); err != nil {
			return nil, err
		}
		return e, nil
	}

	// Budget config may have changed between restarts.
	if e.CallsAllowed != allowed {
		e.CallsAllowed = allowed
		if err := l.st.PutQuota(ctx, *e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// TryReserve atomically reserves n calls against the provider's
// window. The incremented counter is durable before this returns true,
// so the reservation is on the books before any call goes out. A false
// return means the caller must fall back to cached or synthesized data
// and must not retry within the same pass.
func (l *Ledger) TryReserve(ctx context.Context, provider string, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	lock := l.lockFor(provider)
	lock.Lock()
	defer lock.Unlock()

	e, err := l.entry(ctx, provider)
	if err != nil {
		return false, err
	}
	if e.CallsUsed+n > e.CallsAllowed {
		return false, nil
	}
	e.CallsUsed += n
	if err := l.st.PutQuota(ctx, *e); err != nil {
		return false, eris.Wrap(err, "quota: persist reservation")
	}
	return true, nil
}

// Commit confirms n reserved calls as issued. The spend itself
// happened at reservation time; commit is the audit record of calls
// that actually went out, usable or not.
func (l *Ledger) Commit(ctx context.Context, provider string, n int) error {
	if n <= 0 {
		return nil
	}
	lock := l.lockFor(provider)
	lock.Lock()
	defer lock.Unlock()

	e, err := l.entry(ctx, provider)
	if err != nil {
		return err
	}
	e.CallsCommitted += n
	if e.CallsCommitted > e.CallsUsed {
		// Should not happen with reserve-before-call ordering.
		zap.L().Warn("quota: committed exceeds reserved",
			zap.String("provider", provider),
			zap.Int("committed", e.CallsCommitted),
			zap.Int("used", e.CallsUsed),
		)
		e.CallsUsed = e.CallsCommitted
	}
	return l.st.PutQuota(ctx, *e)
}

// Remaining returns the calls left in the provider's current window.
func (l *Ledger) Remaining(ctx context.Context, provider string) (int, error) {
	lock := l.lockFor(provider)
	lock.Lock()
	defer lock.Unlock()

	e, err := l.entry(ctx, provider)
	if err != nil {
		return 0, err
	}
	return e.Remaining(), nil
}

// Snapshot returns remaining quota for every configured provider.
func (l *Ledger) Snapshot(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(l.budgets))
	for provider := range l.budgets {
		r, err := l.Remaining(ctx, provider)
		if err != nil {
			return nil, err
		}
		out[provider] = r
	}
	return out, nil
}
