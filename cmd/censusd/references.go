package main

import (
	"context"
	"fmt"

	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
	"github.com/forestplot/censuscore/modules/census/services"
)

// resolveReferences upserts the reference data an upload depends on before
// any measurement is staged: the taxonomy chain for each distinct species and
// the quadrat grid cells named by the rows. The ingest routine can then join
// staged rows against already-present reference tables.
func resolveReferences(ctx context.Context, svc *services.IngestService, schema string, plotID int64, rows []persistence.Row) error {
	taxa := distinctRows(rows, []string{"family", "genus", "species_code", "species_name"}, []string{"family", "genus", "species_code"})
	if len(taxa) > 0 {
		if _, err := svc.ResolveReferenceRows(ctx, schema, taxa, persistence.TaxonomySlices()); err != nil {
			return err
		}
	}

	quadrats := distinctRows(rows, []string{"quadrat_name"}, []string{"quadrat_name"})
	for _, q := range quadrats {
		q["plot_id"] = plotID
	}
	if len(quadrats) > 0 {
		if _, err := svc.ResolveReferenceRows(ctx, schema, quadrats, persistence.QuadratSlices()); err != nil {
			return err
		}
	}
	return nil
}

// distinctRows projects each row onto the given columns and deduplicates.
// Rows missing any of the required columns (or carrying only blanks there)
// are skipped; the quarantine path deals with them later.
func distinctRows(rows []persistence.Row, columns, required []string) []persistence.Row {
	seen := make(map[string]bool)
	var out []persistence.Row
	for _, row := range rows {
		projected := make(persistence.Row, len(columns))
		for _, col := range columns {
			if v, ok := row[col]; ok {
				projected[col] = v
			}
		}
		complete := true
		for _, col := range required {
			s, ok := projected[col].(string)
			if !ok || s == "" {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		key := ""
		for _, col := range required {
			key += fmt.Sprintf("%v|", projected[col])
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, projected)
	}
	return out
}
