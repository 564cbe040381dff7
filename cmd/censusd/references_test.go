package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
)

func TestDistinctRows(t *testing.T) {
	rows := []persistence.Row{
		{"family": "Fagaceae", "genus": "Quercus", "species_code": "QUAL", "dbh": 12.5},
		{"family": "Fagaceae", "genus": "Quercus", "species_code": "QUAL", "dbh": 30.0},
		{"family": "Pinaceae", "genus": "Pinus", "species_code": "PIST", "dbh": 8.0},
		{"family": "", "genus": "Pinus", "species_code": "PIRE"},
		{"genus": "Acer", "species_code": "ACRU"},
	}
	out := distinctRows(rows,
		[]string{"family", "genus", "species_code", "species_name"},
		[]string{"family", "genus", "species_code"},
	)
	require.Len(t, out, 2)
	assert.Equal(t, "QUAL", out[0]["species_code"])
	assert.Equal(t, "PIST", out[1]["species_code"])
	// Only the projected columns survive.
	assert.NotContains(t, out[0], "dbh")
}

func TestDistinctRowsQuadrats(t *testing.T) {
	rows := []persistence.Row{
		{"quadrat_name": "Q0101", "tree_tag": "T1"},
		{"quadrat_name": "Q0101", "tree_tag": "T2"},
		{"quadrat_name": "Q0102", "tree_tag": "T3"},
		{"quadrat_name": "", "tree_tag": "T4"},
	}
	out := distinctRows(rows, []string{"quadrat_name"}, []string{"quadrat_name"})
	require.Len(t, out, 2)
}

func TestLoadMeasurementCSV(t *testing.T) {
	path := t.TempDir() + "/measurements.csv"
	csv := "tree_tag,stem_tag,species_code,dbh,local_x,measurement_date\n" +
		"T001,S1,QUAL,12.5,1.25,2026-03-14\n" +
		"T002,S1,PIST,,,\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	rows, err := loadMeasurementCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "T001", rows[0]["tree_tag"])
	assert.Equal(t, 12.5, rows[0]["dbh"])
	assert.Equal(t, "2026-03-14", rows[0]["measurement_date"])
	// Blank numeric cells stage as the zero sentinel.
	assert.Equal(t, float64(0), rows[1]["dbh"])
	assert.Equal(t, "PIST", rows[1]["species_code"])

	// A blank date must stage as NULL, not an empty string, or the DATE
	// column rejects the whole row set. The key stays present so every row
	// shares one column shape.
	v, ok := rows[1]["measurement_date"]
	require.True(t, ok)
	assert.Nil(t, v)
}

func TestLoadMeasurementCSVBadNumber(t *testing.T) {
	path := t.TempDir() + "/bad.csv"
	require.NoError(t, os.WriteFile(path, []byte("dbh\nnot-a-number\n"), 0o644))

	_, err := loadMeasurementCSV(path)
	assert.Error(t, err)
}
