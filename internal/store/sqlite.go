// Package store is the local durable state of the data core: attribute
// bundles, the quota ledger with its archive, and the last successfully
// resolved key universe. Everything here survives process restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/nourish-labs/foodatlas/internal/model"
)

// Store wraps the SQLite database backing cache, ledger, and universe.
type Store struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "store: exec %s", pragma)
		}
	}
	return &Store{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS bundles (
	key          TEXT NOT NULL,
	provider     TEXT NOT NULL,
	vals         TEXT NOT NULL,
	labels       TEXT,
	fetched_at   DATETIME NOT NULL,
	ttl_secs     INTEGER NOT NULL,
	origin       TEXT NOT NULL,
	committed_at DATETIME NOT NULL,
	PRIMARY KEY (key, provider)
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	provider        TEXT PRIMARY KEY,
	window_start    DATETIME NOT NULL,
	calls_used      INTEGER NOT NULL DEFAULT 0,
	calls_committed INTEGER NOT NULL DEFAULT 0,
	calls_allowed   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_archive (
	provider        TEXT NOT NULL,
	window_start    DATETIME NOT NULL,
	calls_used      INTEGER NOT NULL,
	calls_committed INTEGER NOT NULL,
	calls_allowed   INTEGER NOT NULL,
	archived_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (provider, window_start)
);

CREATE TABLE IF NOT EXISTS universe (
	key          TEXT PRIMARY KEY,
	county_name  TEXT NOT NULL,
	display_name TEXT NOT NULL,
	canonical    INTEGER NOT NULL DEFAULT 1,
	resolved_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bundles_provider ON bundles(provider);
CREATE INDEX IF NOT EXISTS idx_bundles_origin ON bundles(origin);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "store: migrate")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetBundle returns the stored bundle for (key, provider), or nil when absent.
func (s *Store) GetBundle(ctx context.Context, key, provider string) (*model.AttributeBundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, provider, vals, labels, fetched_at, ttl_secs, origin, committed_at
		 FROM bundles WHERE key = ? AND provider = ?`,
		key, provider,
	)

	var b model.AttributeBundle
	var valsJSON string
	var labelsJSON sql.NullString
	var ttlSecs int64
	err := row.Scan(&b.Key, &b.Provider, &valsJSON, &labelsJSON, &b.FetchedAt, &ttlSecs, &b.Origin, &b.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get bundle")
	}

	b.TTL = time.Duration(ttlSecs) * time.Second
	if err := json.Unmarshal([]byte(valsJSON), &b.Values); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal bundle values")
	}
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &b.Labels); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal bundle labels")
		}
	}
	return &b, nil
}

// PutBundle upserts a bundle for its (key, provider) pair. Callers are
// responsible for write ordering; the cache serializes per pair.
func (s *Store) PutBundle(ctx context.Context, b model.AttributeBundle) error {
	valsJSON, err := json.Marshal(b.Values)
	if err != nil {
		return eris.Wrap(err, "store: marshal bundle values")
	}
	var labelsJSON []byte
	if len(b.Labels) > 0 {
		labelsJSON, err = json.Marshal(b.Labels)
		if err != nil {
			return eris.Wrap(err, "store: marshal bundle labels")
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bundles (key, provider, vals, labels, fetched_at, ttl_secs, origin, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key, provider) DO UPDATE SET
			vals = excluded.vals,
			labels = excluded.labels,
			fetched_at = excluded.fetched_at,
			ttl_secs = excluded.ttl_secs,
			origin = excluded.origin,
			committed_at = excluded.committed_at`,
		b.Key, b.Provider, string(valsJSON), string(labelsJSON),
		b.FetchedAt.UTC(), int64(b.TTL/time.Second), string(b.Origin), b.CommittedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "store: put bundle")
	}
	return nil
}

// BundleMeta is the freshness metadata of one stored bundle.
type BundleMeta struct {
	Key       string
	Provider  string
	Origin    model.Origin
	FetchedAt time.Time
	TTL       time.Duration
}

// ListBundleMeta returns freshness metadata for every stored bundle.
func (s *Store) ListBundleMeta(ctx context.Context) ([]BundleMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, provider, origin, fetched_at, ttl_secs FROM bundles`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list bundle meta")
	}
	defer rows.Close()

	var metas []BundleMeta
	for rows.Next() {
		var m BundleMeta
		var ttlSecs int64
		if err := rows.Scan(&m.Key, &m.Provider, &m.Origin, &m.FetchedAt, &ttlSecs); err != nil {
			return nil, eris.Wrap(err, "store: scan bundle meta")
		}
		m.TTL = time.Duration(ttlSecs) * time.Second
		metas = append(metas, m)
	}
	return metas, eris.Wrap(rows.Err(), "store: list bundle meta iterate")
}

// DeleteBundlesNotIn drops bundles whose key is outside the given set.
// Used by the explicit compaction pass after a universe resync.
func (s *Store) DeleteBundlesNotIn(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		keep[k] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM bundles`)
	if err != nil {
		return 0, eris.Wrap(err, "store: compact list keys")
	}
	var stale []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "store: compact scan key")
		}
		if !keep[k] {
			stale = append(stale, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "store: compact iterate")
	}

	dropped := 0
	for _, k := range stale {
		res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE key = ?`, k)
		if err != nil {
			return dropped, eris.Wrapf(err, "store: compact delete %s", k)
		}
		n, _ := res.RowsAffected()
		dropped += int(n)
	}
	return dropped, nil
}

// GetQuota returns the current window entry for a provider, or nil.
func (s *Store) GetQuota(ctx context.Context, provider string) (*model.QuotaEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT provider, window_start, calls_used, calls_committed, calls_allowed FROM quota_ledger WHERE provider = ?`,
		provider,
	)
	var e model.QuotaEntry
	err := row.Scan(&e.Provider, &e.WindowStart, &e.CallsUsed, &e.CallsCommitted, &e.CallsAllowed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get quota")
	}
	return &e, nil
}

// PutQuota upserts the current window entry for a provider.
func (s *Store) PutQuota(ctx context.Context, e model.QuotaEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_ledger (provider, window_start, calls_used, calls_committed, calls_allowed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			window_start = excluded.window_start,
			calls_used = excluded.calls_used,
			calls_committed = excluded.calls_committed,
			calls_allowed = excluded.calls_allowed`,
		e.Provider, e.WindowStart.UTC(), e.CallsUsed, e.CallsCommitted, e.CallsAllowed,
	)
	return eris.Wrap(err, "store: put quota")
}

// ArchiveQuota copies a closed window into the audit archive.
func (s *Store) ArchiveQuota(ctx context.Context, e model.QuotaEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_archive (provider, window_start, calls_used, calls_committed, calls_allowed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, window_start) DO NOTHING`,
		e.Provider, e.WindowStart.UTC(), e.CallsUsed, e.CallsCommitted, e.CallsAllowed,
	)
	return eris.Wrap(err, "store: archive quota")
}

// SaveUniverse replaces the persisted universe wholesale.
func (s *Store) SaveUniverse(ctx context.Context, recs []model.KeyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: save universe begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM universe`); err != nil {
		return eris.Wrap(err, "store: save universe clear")
	}
	now := time.Now().UTC()
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO universe (key, county_name, display_name, canonical, resolved_at) VALUES (?, ?, ?, ?, ?)`,
			r.Key, r.CountyName, r.DisplayName, r.Canonical, now,
		); err != nil {
			return eris.Wrapf(err, "store: save universe insert %s", r.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "store: save universe commit")
}

// LoadUniverse returns the persisted universe in stable key order.
func (s *Store) LoadUniverse(ctx context.Context) ([]model.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, county_name, display_name, canonical FROM universe ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "store: load universe")
	}
	defer rows.Close()

	var recs []model.KeyRecord
	for rows.Next() {
		var r model.KeyRecord
		if err := rows.Scan(&r.Key, &r.CountyName, &r.DisplayName, &r.Canonical); err != nil {
			return nil, eris.Wrap(err, "store: scan universe record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "store: load universe iterate")
}
