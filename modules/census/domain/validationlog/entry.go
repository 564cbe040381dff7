// Package validationlog defines the append-only record of validation
// procedure executions.
package validationlog

import "time"

// Entry is one changelog row. Entries are never mutated after creation.
type Entry struct {
	ID            int64
	ProcedureID   int64
	ProcedureName string
	RunAt         time.Time

	// TargetRowID is the measurement row the procedure flagged, when it
	// applies to a single row.
	TargetRowID *int64

	// IsPassed is nil while a run is pending, otherwise pass/fail.
	IsPassed *bool

	Criteria      *string
	MeasuredValue *string
	ExpectedRange *string
	Detail        *string
}

// RunResult is the summary row a validation procedure returns: how many rows
// it examined and how many failures it inserted or re-flagged. A run passes
// when it inserted no new failure rows.
type RunResult struct {
	ExpectedRows int64
	InsertedRows int64
	UpdatedRows  int64
	Message      string
}

func (r *RunResult) Passed() bool {
	return r.InsertedRows == 0
}

// ProcedureInfo describes a registered validation routine for display.
type ProcedureInfo struct {
	ID          int64
	Name        string
	Description string
	Definition  string
}

type FindParams struct {
	Page     int
	PageSize int
}

// LimitOffset converts 1-based paging to a LIMIT/OFFSET pair.
func (p *FindParams) LimitOffset() (int, int) {
	page := p.Page
	if page < 1 {
		page = 1
	}
	size := p.PageSize
	if size < 1 {
		size = 25
	}
	return size, (page - 1) * size
}
