package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/forestplot/censuscore/modules/census/domain/validationlog"
	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
	"github.com/forestplot/censuscore/pkg/eventbus"
	"github.com/forestplot/censuscore/pkg/logging"
	"github.com/forestplot/censuscore/pkg/repo"
)

// RunParams scopes one validation run. The DBH bounds are optional and pass
// through as NULL when absent.
type RunParams struct {
	PlotID   int64
	CensusID int64
	MinDBH   *float64
	MaxDBH   *float64
}

// ValidationService executes registered validation procedures and records
// every run in the changelog.
type ValidationService struct {
	txm        repo.TxManager
	procedures *persistence.ProcedureRepository
	changelog  *persistence.ChangelogRepository
	bus        eventbus.EventBus
	log        *logrus.Entry
}

func NewValidationService(txm repo.TxManager, bus eventbus.EventBus, log *logrus.Entry) *ValidationService {
	if log == nil {
		log = logging.NopEntry()
	}
	return &ValidationService{
		txm:        txm,
		procedures: persistence.NewProcedureRepository(txm),
		changelog:  persistence.NewChangelogRepository(txm),
		bus:        bus,
		log:        log,
	}
}

// Run executes one registered procedure against a plot census and appends
// the outcome to the changelog. The procedure's own writes commit in their
// own transaction; the changelog entry is written afterwards so a failed
// append never rolls back validation results.
func (s *ValidationService) Run(ctx context.Context, schema, name string, params RunParams) (*validationlog.Entry, *validationlog.RunResult, error) {
	proc, err := s.procedures.GetByName(ctx, schema, name)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.ValidateIdent(schema); err != nil {
		return nil, nil, err
	}
	if err := repo.ValidateIdent(proc.Name); err != nil {
		return nil, nil, err
	}

	token, err := s.txm.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}

	routine := pgx.Identifier{schema, proc.Name}.Sanitize()
	q := fmt.Sprintf(
		`SELECT expected_rows, inserted_rows, updated_rows, message FROM %s($1, $2, $3, $4)`,
		routine,
	)
	var result validationlog.RunResult
	err = s.txm.QueryRow(ctx, token, q, params.PlotID, params.CensusID, params.MinDBH, params.MaxDBH).
		Scan(&result.ExpectedRows, &result.InsertedRows, &result.UpdatedRows, &result.Message)
	if err != nil {
		if rbErr := s.txm.Rollback(ctx, token); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback after failed validation run")
		}
		metrics().validationRuns.WithLabelValues(proc.Name, "error").Inc()
		return nil, nil, fmt.Errorf("run %s: %w", proc.Name, err)
	}
	if err := s.txm.Commit(ctx, token); err != nil {
		return nil, nil, err
	}

	passed := result.Passed()
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	metrics().validationRuns.WithLabelValues(proc.Name, outcome).Inc()

	entry := &validationlog.Entry{
		ProcedureID:   proc.ID,
		ProcedureName: proc.Name,
		RunAt:         time.Now().UTC(),
		IsPassed:      &passed,
		Detail:        &result.Message,
	}
	if err := s.changelog.Append(ctx, "", schema, entry); err != nil {
		return nil, &result, fmt.Errorf("record run of %s: %w", proc.Name, err)
	}

	s.log.WithFields(logrus.Fields{
		"procedure": proc.Name,
		"passed":    passed,
		"expected":  result.ExpectedRows,
		"inserted":  result.InsertedRows,
	}).Info("validation run recorded")
	if s.bus != nil {
		s.bus.Publish(ValidationRan{Entry: entry, Result: &result})
	}
	return entry, &result, nil
}

// RunAll executes every enabled procedure in name order and returns the
// entries recorded. Procedure failures (a non-passing run) do not stop the
// sweep; execution errors do.
func (s *ValidationService) RunAll(ctx context.Context, schema string, params RunParams) ([]*validationlog.Entry, error) {
	procs, err := s.procedures.ListEnabled(ctx, schema)
	if err != nil {
		return nil, err
	}
	entries := make([]*validationlog.Entry, 0, len(procs))
	for _, proc := range procs {
		entry, _, err := s.Run(ctx, schema, proc.Name, params)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// List returns the registered, enabled procedures.
func (s *ValidationService) List(ctx context.Context, schema string) ([]*validationlog.ProcedureInfo, error) {
	return s.procedures.ListEnabled(ctx, schema)
}

// Changelog returns one page of past runs plus the total count.
func (s *ValidationService) Changelog(ctx context.Context, schema string, params *validationlog.FindParams) ([]*validationlog.Entry, int64, error) {
	return s.changelog.Paginated(ctx, schema, params)
}
