package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/forestplot/censuscore/pkg/logging"
	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/serrors"
)

var ErrSliceFailed = serrors.NewError("SLICE_FAILED", "hierarchical upsert slice failed", "")

// SliceError names the slice whose upsert failed. Later slices are never
// attempted; rolling back the surrounding transaction is the caller's job.
type SliceError struct {
	Slice string
	Err   error
}

func (e *SliceError) Error() string {
	return fmt.Sprintf("slice %q: %v", e.Slice, e.Err)
}

func (e *SliceError) Unwrap() error {
	return e.Err
}

// SliceContext is the accumulated state handed to each slice's row builder:
// the original input row plus every identifier generated so far.
type SliceContext struct {
	Input Row
	IDs   map[string]int64
}

// Slice is one normalized target table in an upsert chain. Slices must be
// declared in a topological order of their foreign-key dependencies: BuildRow
// may only reference identifiers of slices that appear earlier.
type Slice struct {
	// Name is the key under which the generated identifier is exposed to
	// later slices and in the result map.
	Name string

	Table      string
	PrimaryKey string

	// ConflictKeys are the natural-key columns the upsert conflicts on.
	ConflictKeys []string

	// BuildRow is a pure function from accumulated context to the row to
	// upsert. Returning an error aborts the chain.
	BuildRow func(sc SliceContext) (Row, error)
}

// HierarchyResolver normalizes one flat input row into a chain of reference
// tables, one upsert per slice, propagating generated identifiers forward.
type HierarchyResolver struct {
	db  repo.Executor
	log *logrus.Entry
}

func NewHierarchyResolver(db repo.Executor, log *logrus.Entry) *HierarchyResolver {
	if log == nil {
		log = logging.NopEntry()
	}
	return &HierarchyResolver{db: db, log: log}
}

// Resolve upserts every slice in declared order within the caller's
// transaction and returns the generated identifier per slice name. The
// conflict path reads back the pre-existing identifier, so resolving the
// same input twice against the same data yields the same map and no
// duplicate rows.
func (r *HierarchyResolver) Resolve(ctx context.Context, token, schema string, input Row, config []Slice) (map[string]int64, error) {
	ids := make(map[string]int64, len(config))
	for _, s := range config {
		row, err := s.BuildRow(SliceContext{Input: input, IDs: ids})
		if err != nil {
			return nil, &SliceError{Slice: s.Name, Err: err}
		}
		stmt, args, err := buildSliceUpsert(schema, s, row)
		if err != nil {
			return nil, &SliceError{Slice: s.Name, Err: err}
		}

		var id int64
		if err := r.db.QueryRow(ctx, token, stmt, args...).Scan(&id); err != nil {
			return nil, &SliceError{Slice: s.Name, Err: repo.Classify(err)}
		}
		ids[s.Name] = id
		r.log.WithFields(logrus.Fields{"slice": s.Name, "id": id}).Debug("slice resolved")
	}
	return ids, nil
}

// buildSliceUpsert renders a single-row upsert that always returns the
// primary key: DO UPDATE is used even when there is nothing meaningful to
// update, because DO NOTHING suppresses RETURNING on the conflict path.
func buildSliceUpsert(schema string, s Slice, row Row) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("row builder produced no columns")
	}
	if len(s.ConflictKeys) == 0 {
		return "", nil, fmt.Errorf("slice has no conflict keys")
	}
	qualified, err := repo.QualifyTable(schema, s.Table)
	if err != nil {
		return "", nil, err
	}
	if err := repo.ValidateIdent(s.PrimaryKey); err != nil {
		return "", nil, err
	}

	columns := make([]string, 0, len(row))
	for col := range row {
		if err := repo.ValidateIdent(col); err != nil {
			return "", nil, err
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	conflict := make(map[string]bool, len(s.ConflictKeys))
	conflictQuoted := make([]string, len(s.ConflictKeys))
	for i, key := range s.ConflictKeys {
		if err := repo.ValidateIdent(key); err != nil {
			return "", nil, err
		}
		conflict[key] = true
		conflictQuoted[i] = repo.QuoteIdent(key)
	}

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	var assignments []string
	for i, col := range columns {
		quoted[i] = repo.QuoteIdent(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
		if !conflict[col] && col != s.PrimaryKey {
			assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}
	if len(assignments) == 0 {
		// Touch a conflict column with its own value so the conflict path
		// still returns a row.
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", conflictQuoted[0], conflictQuoted[0]))
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s",
		qualified,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictQuoted, ", "),
		strings.Join(assignments, ", "),
		repo.QuoteIdent(s.PrimaryKey),
	)
	return stmt, args, nil
}
