package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
)

// numericColumns are parsed as floats; everything else stays a string.
var numericColumns = map[string]bool{
	"local_x": true,
	"local_y": true,
	"dbh":     true,
	"hom":     true,
}

// dateColumns stage blank cells as NULL; Postgres rejects '' as a DATE.
var dateColumns = map[string]bool{
	"measurement_date": true,
}

// loadMeasurementCSV reads a headered CSV of field measurements into flat
// rows. Blank cells are kept as empty strings so the staging table records
// exactly what was uploaded; normalization happens at quarantine time.
func loadMeasurementCSV(path string) ([]persistence.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []persistence.Row
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}

		row := make(persistence.Row, len(header))
		for i, col := range header {
			cell := strings.TrimSpace(record[i])
			if dateColumns[col] {
				if cell == "" {
					row[col] = nil
					continue
				}
				row[col] = cell
				continue
			}
			if numericColumns[col] {
				if cell == "" {
					row[col] = float64(0)
					continue
				}
				v, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "line %d: column %q", line, col)
				}
				row[col] = v
				continue
			}
			row[col] = cell
		}
		rows = append(rows, row)
	}
	return rows, nil
}
