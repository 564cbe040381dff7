package persistence

import (
	"context"
	"fmt"

	"github.com/forestplot/censuscore/modules/census/domain/validationlog"
	"github.com/forestplot/censuscore/pkg/repo"
)

const changelogTable = "validation_changelog"

// ChangelogRepository is the append-only audit trail of validation runs.
// Entries are never updated or deleted.
type ChangelogRepository struct {
	db repo.Executor
}

func NewChangelogRepository(db repo.Executor) *ChangelogRepository {
	return &ChangelogRepository{db: db}
}

func (r *ChangelogRepository) Append(ctx context.Context, token, schema string, e *validationlog.Entry) error {
	table, err := repo.QualifyTable(schema, changelogTable)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (
			procedure_id, procedure_name, run_at,
			target_row_id, is_passed, criteria,
			measured_value, expected_range, detail
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		table,
	)
	return r.db.QueryRow(ctx, token, stmt,
		e.ProcedureID, e.ProcedureName, e.RunAt,
		e.TargetRowID, e.IsPassed, e.Criteria,
		e.MeasuredValue, e.ExpectedRange, e.Detail,
	).Scan(&e.ID)
}

// Paginated returns one page of entries, newest runs first, plus the total
// count of matching entries. The count rides along as a window aggregate so
// one round trip serves both.
func (r *ChangelogRepository) Paginated(ctx context.Context, schema string, params *validationlog.FindParams) ([]*validationlog.Entry, int64, error) {
	table, err := repo.QualifyTable(schema, changelogTable)
	if err != nil {
		return nil, 0, err
	}
	limit, offset := params.LimitOffset()
	q := fmt.Sprintf(`
		SELECT
			id, procedure_id, procedure_name, run_at,
			target_row_id, is_passed, criteria,
			measured_value, expected_range, detail,
			COUNT(*) OVER ()
		FROM %s
		ORDER BY run_at DESC, id DESC
		%s`,
		table, repo.FormatLimitOffset(limit, offset),
	)
	rows, err := r.db.Query(ctx, "", q)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		entries []*validationlog.Entry
		total   int64
	)
	for rows.Next() {
		var e validationlog.Entry
		if err := rows.Scan(
			&e.ID, &e.ProcedureID, &e.ProcedureName, &e.RunAt,
			&e.TargetRowID, &e.IsPassed, &e.Criteria,
			&e.MeasuredValue, &e.ExpectedRange, &e.Detail,
			&total,
		); err != nil {
			return nil, 0, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
