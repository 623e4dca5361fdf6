// Package sink publishes derived metrics to the downstream Postgres
// table consumed by reporting. Publishing is one-way: the sink never
// feeds back into caching or refresh decisions.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/model"
)

// Pool is the subset of pgxpool.Pool the sink uses. pgxmock's pool
// satisfies it for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Record is one published row: the derived metric plus the
// classification for a single key.
type Record struct {
	Key            string
	CountyName     string
	Score          float64
	Band           model.Band
	AtRisk         bool
	RiskProb       float64
	RiskTier       model.RiskTier
	FeatureVersion string
	Origin         model.Origin
	PassID         string
}

// Sink writes records to Postgres.
type Sink struct {
	pool    Pool
	table   string
	closeFn func()
}

// NewSink connects a Sink to the configured database.
func NewSink(ctx context.Context, cfg config.SinkConfig) (*Sink, error) {
	if cfg.DatabaseURL == "" {
		return nil, eris.New("sink: database_url not configured")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "sink: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "sink: ping")
	}
	return &Sink{pool: pool, table: cfg.Table, closeFn: pool.Close}, nil
}

// NewSinkWithPool wires an existing pool, used by tests.
func NewSinkWithPool(pool Pool, table string) *Sink {
	return &Sink{pool: pool, table: table}
}

// Close releases the connection pool.
func (s *Sink) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Migrate creates the publish table if it does not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key             TEXT PRIMARY KEY,
		county_name     TEXT NOT NULL DEFAULT '',
		score           DOUBLE PRECISION NOT NULL,
		band            TEXT NOT NULL,
		at_risk         BOOLEAN NOT NULL,
		risk_prob       DOUBLE PRECISION NOT NULL,
		risk_tier       TEXT NOT NULL,
		feature_version TEXT NOT NULL,
		origin          TEXT NOT NULL,
		pass_id         TEXT NOT NULL,
		published_at    TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "sink: migrate %s", s.table)
	}
	return nil
}

// Upsert publishes one record, replacing any earlier row for the key.
func (s *Sink) Upsert(ctx context.Context, rec Record) error {
	sql := fmt.Sprintf(`INSERT INTO %s
		(key, county_name, score, band, at_risk, risk_prob, risk_tier, feature_version, origin, pass_id, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (key) DO UPDATE SET
		county_name = EXCLUDED.county_name,
		score = EXCLUDED.score,
		band = EXCLUDED.band,
		at_risk = EXCLUDED.at_risk,
		risk_prob = EXCLUDED.risk_prob,
		risk_tier = EXCLUDED.risk_tier,
		feature_version = EXCLUDED.feature_version,
		origin = EXCLUDED.origin,
		pass_id = EXCLUDED.pass_id,
		published_at = EXCLUDED.published_at`, s.table)

	_, err := s.pool.Exec(ctx, sql,
		rec.Key, rec.CountyName, rec.Score, string(rec.Band), rec.AtRisk,
		rec.RiskProb, string(rec.RiskTier), rec.FeatureVersion,
		string(rec.Origin), rec.PassID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sink: upsert key %s", rec.Key)
	}
	return nil
}

// Count returns the number of published rows.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table))
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sink: count")
	}
	return n, nil
}
