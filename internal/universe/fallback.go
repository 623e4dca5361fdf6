package universe

import (
	"encoding/csv"
	"sort"
	"strings"

	_ "embed"

	"github.com/nourish-labs/foodatlas/internal/model"
)

//go:embed fallback_universe.csv
var fallbackCSV string

// Fallback returns the bundled static universe. It is deterministic:
// the same records, in the same stable key order, on every call. Used
// when neither the live source nor a persisted snapshot is available.
func Fallback() []model.KeyRecord {
	reader := csv.NewReader(strings.NewReader(fallbackCSV))
	reader.FieldsPerRecord = 2

	rows, err := reader.ReadAll()
	if err != nil || len(rows) < 2 {
		// The table is compiled in; a parse failure is a build defect.
		panic("universe: bundled fallback table unreadable")
	}

	seen := make(map[string]bool, len(rows))
	recs := make([]model.KeyRecord, 0, len(rows)-1)
	for _, row := range rows[1:] { // skip header
		key := strings.TrimSpace(row[0])
		if !model.ValidKey(key) || seen[key] {
			continue
		}
		seen[key] = true
		recs = append(recs, model.KeyRecord{
			Key:         key,
			CountyName:  strings.TrimSpace(row[1]),
			DisplayName: "ZCTA " + key,
			Canonical:   false,
		})
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs
}
