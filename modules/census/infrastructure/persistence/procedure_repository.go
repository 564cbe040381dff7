package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forestplot/censuscore/modules/census/domain/validationlog"
	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/serrors"
)

const procedureTable = "validation_procedures"

var ErrProcedureNotFound = serrors.NewError(
	"VALIDATION_UNKNOWN_PROC",
	"validation procedure is not registered or not enabled",
	"register the procedure in validation_procedures and set is_enabled",
)

// ProcedureRepository reads the registry of enabled validation procedures.
type ProcedureRepository struct {
	db repo.Executor
}

func NewProcedureRepository(db repo.Executor) *ProcedureRepository {
	return &ProcedureRepository{db: db}
}

func (r *ProcedureRepository) GetByName(ctx context.Context, schema, name string) (*validationlog.ProcedureInfo, error) {
	table, err := repo.QualifyTable(schema, procedureTable)
	if err != nil {
		return nil, err
	}
	var p validationlog.ProcedureInfo
	err = r.db.QueryRow(ctx, "",
		fmt.Sprintf(`SELECT id, name, description, definition FROM %s WHERE name = $1 AND is_enabled`, table),
		name,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Definition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrProcedureNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProcedureRepository) ListEnabled(ctx context.Context, schema string) ([]*validationlog.ProcedureInfo, error) {
	table, err := repo.QualifyTable(schema, procedureTable)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, "",
		fmt.Sprintf(`SELECT id, name, description, definition FROM %s WHERE is_enabled ORDER BY name`, table),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []*validationlog.ProcedureInfo
	for rows.Next() {
		var p validationlog.ProcedureInfo
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Definition); err != nil {
			return nil, err
		}
		procs = append(procs, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return procs, nil
}
