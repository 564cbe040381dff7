// Package repo holds shared database plumbing: the token-based transaction
// manager, query error classification, and SQL building helpers.
package repo

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the subset of pgx.Tx the manager needs. pgx.Tx satisfies it.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB abstracts the pooled database handle so the manager can be exercised
// against stubs. Use NewDB to wrap a *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor runs statements either on a transaction identified by token or,
// with an empty token, on an ad-hoc pooled connection.
type Executor interface {
	Exec(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, token, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, token, sql string, args ...any) pgx.Row
}

// TxManager is the full gateway contract consumed by services.
type TxManager interface {
	Executor
	Begin(ctx context.Context) (string, error)
	Commit(ctx context.Context, token string) error
	Rollback(ctx context.Context, token string) error
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateIdent rejects schema/table/column names that are not plain
// lower-case identifiers. Dynamic identifiers are interpolated into SQL text,
// so everything not matching the pattern is refused outright.
func ValidateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdent, name)
	}
	return nil
}

// QualifyTable returns a quoted schema.table reference after validating both
// parts.
func QualifyTable(schema, table string) (string, error) {
	if err := ValidateIdent(schema); err != nil {
		return "", err
	}
	if err := ValidateIdent(table); err != nil {
		return "", err
	}
	return pgx.Identifier{schema, table}.Sanitize(), nil
}

// QuoteIdent quotes a single already-validated identifier.
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// FormatLimitOffset builds the paging suffix, omitting zero values.
func FormatLimitOffset(limit, offset int) string {
	var parts []string
	if limit > 0 {
		parts = append(parts, fmt.Sprintf("LIMIT %d", limit))
	}
	if offset > 0 {
		parts = append(parts, fmt.Sprintf("OFFSET %d", offset))
	}
	return strings.Join(parts, " ")
}
