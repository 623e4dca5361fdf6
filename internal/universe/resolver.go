// Package universe builds the canonical, deduplicated set of region
// keys from the ZCTA/county relationship feed. Resolution is
// deterministic for a given source snapshot: keys are unique by
// normalized string, first occurrence wins, output is stably sorted so
// downstream batch indices are reproducible across restarts.
package universe

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nourish-labs/foodatlas/internal/config"
	"github.com/nourish-labs/foodatlas/internal/model"
)

// Resolver reads the reference relationship source and produces the
// key universe.
type Resolver struct {
	cfg    config.UniverseConfig
	client *http.Client
}

// NewResolver creates a Resolver for the configured source.
func NewResolver(cfg config.UniverseConfig) *Resolver {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Resolve fetches and parses the relationship source. It returns
// ErrSourceUnavailable when the source cannot be reached or parsed;
// the caller then falls back to the persisted universe or Fallback().
func (r *Resolver) Resolve(ctx context.Context) ([]model.KeyRecord, error) {
	body, err := r.open(ctx)
	if err != nil {
		return nil, eris.Wrapf(model.ErrSourceUnavailable, "universe: open source: %v", err)
	}
	defer body.Close()

	recs, err := r.parse(body)
	if err != nil {
		return nil, eris.Wrapf(model.ErrSourceUnavailable, "universe: parse source: %v", err)
	}
	return recs, nil
}

func (r *Resolver) open(ctx context.Context) (io.ReadCloser, error) {
	if r.cfg.SourcePath != "" {
		f, err := os.Open(r.cfg.SourcePath)
		if err != nil {
			return nil, eris.Wrapf(err, "open %s", r.cfg.SourcePath)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.SourceURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetch")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, eris.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// parse reads the pipe-delimited relationship file. Malformed rows are
// skipped and counted, not fatal. Duplicate keys with different county
// labels keep the first occurrence with a warning.
func (r *Resolver) parse(body io.Reader) ([]model.KeyRecord, error) {
	reader := csv.NewReader(body)
	reader.Comma = '|'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}
	keyCol, countyGeoCol, countyNameCol := -1, -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToUpper(name)) {
		case "GEOID_ZCTA5_20":
			keyCol = i
		case "GEOID_COUNTY_20":
			countyGeoCol = i
		case "NAMELSAD_COUNTY_20":
			countyNameCol = i
		}
	}
	if keyCol < 0 || countyGeoCol < 0 || countyNameCol < 0 {
		return nil, eris.New("relationship header missing expected columns")
	}

	seen := make(map[string]string) // key -> county label of first occurrence
	var recs []model.KeyRecord
	var malformed, invalid int

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			malformed++
			continue
		}
		maxCol := keyCol
		if countyGeoCol > maxCol {
			maxCol = countyGeoCol
		}
		if countyNameCol > maxCol {
			maxCol = countyNameCol
		}
		if len(row) <= maxCol {
			malformed++
			continue
		}

		key := strings.TrimSpace(row[keyCol])
		countyGeo := strings.TrimSpace(row[countyGeoCol])
		countyName := strings.TrimSpace(row[countyNameCol])

		// The national file covers every state; keep only the
		// configured region set.
		if r.cfg.StateFIPS != "" && !strings.HasPrefix(countyGeo, r.cfg.StateFIPS) {
			continue
		}
		if key == "" {
			malformed++
			continue
		}
		if !model.ValidKey(key) {
			invalid++
			continue
		}

		if first, dup := seen[key]; dup {
			if first != countyName {
				zap.L().Warn("universe: duplicate key with conflicting county, keeping first",
					zap.String("key", key),
					zap.String("kept", first),
					zap.String("dropped", countyName),
				)
			}
			continue
		}
		seen[key] = countyName
		recs = append(recs, model.KeyRecord{
			Key:         key,
			CountyName:  countyName,
			DisplayName: "ZCTA " + key,
			Canonical:   true,
		})
	}

	if len(recs) == 0 {
		return nil, eris.New("no usable rows in relationship source")
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })

	zap.L().Info("universe: resolved",
		zap.Int("keys", len(recs)),
		zap.Int("malformed_rows", malformed),
		zap.Int("invalid_keys", invalid),
	)
	return recs, nil
}
