package persistence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/serrors"
)

// Row is one flat record: column name to scalar value.
type Row map[string]any

var (
	ErrEmptyRowSet   = serrors.NewError("EMPTY_ROW_SET", "bulk upsert requires at least one row", "")
	ErrShapeMismatch = serrors.NewError("SHAPE_MISMATCH", "bulk upsert rows do not share the same column set", "")
)

// BuildBulkUpsert constructs one parameterized multi-row upsert statement:
// INSERT ... ON CONFLICT (pk) DO UPDATE SET col = EXCLUDED.col for every
// non-key column. Columns are taken from the first row and every other row
// must carry exactly the same key set. The statement is only built, never
// executed.
func BuildBulkUpsert(schema, table string, rows []Row, pkColumn string) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, ErrEmptyRowSet
	}
	qualified, err := repo.QualifyTable(schema, table)
	if err != nil {
		return "", nil, err
	}
	if err := repo.ValidateIdent(pkColumn); err != nil {
		return "", nil, err
	}

	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		if err := repo.ValidateIdent(col); err != nil {
			return "", nil, err
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrShapeMismatch, i, len(row), len(columns))
		}
		for _, col := range columns {
			if _, ok := row[col]; !ok {
				return "", nil, fmt.Errorf("%w: row %d is missing column %q", ErrShapeMismatch, i, col)
			}
		}
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = repo.QuoteIdent(col)
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*len(columns))
	sb.WriteString("INSERT INTO ")
	sb.WriteString(qualified)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	placeholder := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
			args = append(args, row[col])
		}
		sb.WriteString(")")
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(repo.QuoteIdent(pkColumn))
	sb.WriteString(")")

	var assignments []string
	for i, col := range columns {
		if col == pkColumn {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
	}
	if len(assignments) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		sb.WriteString(strings.Join(assignments, ", "))
	}

	return sb.String(), args, nil
}
