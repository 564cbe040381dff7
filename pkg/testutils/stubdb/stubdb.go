// Package stubdb provides in-memory stand-ins for the database gateway so
// repositories and services can be exercised without a live Postgres.
package stubdb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forestplot/censuscore/pkg/repo"
)

// Call is one statement routed through a stub.
type Call struct {
	Token string
	SQL   string
	Args  []any
}

// Row is a canned pgx.Row.
type Row struct {
	Values []any
	Err    error
}

func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return scanInto(dest, r.Values)
}

// Rows is a canned pgx.Rows over a fixed value grid.
type Rows struct {
	Data    [][]any
	ScanErr error
	RowsErr error

	idx    int
	closed bool
}

func (r *Rows) Next() bool {
	if r.closed || r.idx >= len(r.Data) {
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	if r.idx == 0 || r.idx > len(r.Data) {
		return errors.New("scan called without next")
	}
	return scanInto(dest, r.Data[r.idx-1])
}

func (r *Rows) Close()                                       { r.closed = true }
func (r *Rows) Err() error                                   { return r.RowsErr }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.Data) {
		return nil, errors.New("values called without next")
	}
	return r.Data[r.idx-1], nil
}
func (r *Rows) RawValues() [][]byte { return nil }
func (r *Rows) Conn() *pgx.Conn     { return nil }

// Tx implements repo.Tx, recording calls and replying from hooks.
type Tx struct {
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	CommitErr    error
	RollbackErr  error

	Calls     []Call
	Commits   int
	Rollbacks int
}

func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.Calls = append(t.Calls, Call{SQL: sql, Args: args})
	if t.ExecFunc != nil {
		return t.ExecFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.Calls = append(t.Calls, Call{SQL: sql, Args: args})
	if t.QueryFunc != nil {
		return t.QueryFunc(ctx, sql, args...)
	}
	return &Rows{}, nil
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.Calls = append(t.Calls, Call{SQL: sql, Args: args})
	if t.QueryRowFunc != nil {
		return t.QueryRowFunc(ctx, sql, args...)
	}
	return Row{}
}

func (t *Tx) Commit(ctx context.Context) error {
	t.Commits++
	return t.CommitErr
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.Rollbacks++
	return t.RollbackErr
}

// DB implements repo.DB. Begin hands out stub transactions; ad-hoc statements
// are recorded and answered from hooks.
type DB struct {
	BeginFunc    func(ctx context.Context) (repo.Tx, error)
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row

	Calls []Call
	Txs   []*Tx
}

func (d *DB) Begin(ctx context.Context) (repo.Tx, error) {
	if d.BeginFunc != nil {
		return d.BeginFunc(ctx)
	}
	tx := &Tx{}
	d.Txs = append(d.Txs, tx)
	return tx, nil
}

func (d *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.Calls = append(d.Calls, Call{SQL: sql, Args: args})
	if d.ExecFunc != nil {
		return d.ExecFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.Calls = append(d.Calls, Call{SQL: sql, Args: args})
	if d.QueryFunc != nil {
		return d.QueryFunc(ctx, sql, args...)
	}
	return &Rows{}, nil
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.Calls = append(d.Calls, Call{SQL: sql, Args: args})
	if d.QueryRowFunc != nil {
		return d.QueryRowFunc(ctx, sql, args...)
	}
	return Row{}
}

// Gateway implements repo.TxManager directly, skipping real transactions.
// Every statement is recorded with its token; replies come from hooks.
type Gateway struct {
	// BeginFunc, when set, takes over Begin entirely; otherwise BeginErr is
	// returned or a sequential token is issued.
	BeginFunc    func(ctx context.Context) (string, error)
	BeginErr     error
	CommitErr    error
	RollbackErr  error
	ExecFunc     func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, token, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, token, sql string, args ...any) pgx.Row

	mu        sync.Mutex
	seq       int
	Calls     []Call
	Begun     int
	Commits   []string
	Rollbacks []string
}

func (g *Gateway) Begin(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Begun++
	if g.BeginFunc != nil {
		return g.BeginFunc(ctx)
	}
	if g.BeginErr != nil {
		return "", g.BeginErr
	}
	g.seq++
	return fmt.Sprintf("tx-%d", g.seq), nil
}

func (g *Gateway) Commit(ctx context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Commits = append(g.Commits, token)
	return g.CommitErr
}

func (g *Gateway) Rollback(ctx context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Rollbacks = append(g.Rollbacks, token)
	return g.RollbackErr
}

func (g *Gateway) Exec(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
	g.record(token, sql, args)
	if g.ExecFunc != nil {
		return g.ExecFunc(ctx, token, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (g *Gateway) Query(ctx context.Context, token, sql string, args ...any) (pgx.Rows, error) {
	g.record(token, sql, args)
	if g.QueryFunc != nil {
		return g.QueryFunc(ctx, token, sql, args...)
	}
	return &Rows{}, nil
}

func (g *Gateway) QueryRow(ctx context.Context, token, sql string, args ...any) pgx.Row {
	g.record(token, sql, args)
	if g.QueryRowFunc != nil {
		return g.QueryRowFunc(ctx, token, sql, args...)
	}
	return Row{}
}

func (g *Gateway) record(token, sql string, args []any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, Call{Token: token, SQL: sql, Args: args})
}

// PgError builds a pgconn error with the given SQLSTATE.
func PgError(code string) error {
	return &pgconn.PgError{Code: code, Message: "stub failure"}
}

func scanInto(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i := range dest {
		if err := assign(dest[i], vals[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dst)
	}
	ev := dv.Elem()
	if src == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(ev.Type()) {
		ev.Set(sv)
		return nil
	}
	if sv.Type().ConvertibleTo(ev.Type()) {
		ev.Set(sv.Convert(ev.Type()))
		return nil
	}
	return fmt.Errorf("cannot scan %T into %T", src, dst)
}
