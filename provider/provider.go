// Package provider translates abstract DDL/DML requests into dialect SQL for
// the two supported backends and owns introspection and driver error mapping.
package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forwardcompute/neutronapi/schema"
)

// Error sentinels surfaced to callers. Constraint violations are mapped from
// driver errors by MapError and are never swallowed.
var (
	// ErrSchemaMismatch marks an operation that targets a table or column
	// the live schema does not have. Always fatal, never retried.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrUniqueConstraint is a unique constraint violation.
	ErrUniqueConstraint = errors.New("unique constraint violation")

	// ErrNullConstraint is a not-null constraint violation.
	ErrNullConstraint = errors.New("not-null constraint violation")
)

// SchemaError carries the location of a schema mismatch.
type SchemaError struct {
	Op     string
	Table  string
	Column string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s: no such column %s.%s", e.Op, e.Table, e.Column)
	}
	return fmt.Sprintf("%s: no such table %s", e.Op, e.Table)
}

// Is reports SchemaError as an ErrSchemaMismatch.
func (e *SchemaError) Is(target error) bool { return target == ErrSchemaMismatch }

// Executor is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// DDL can run inside or outside a migration transaction.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SearchClause is the dialect-specific piece of a full-text query. SQL in
// the clause uses '?' placeholders; the compiler rebinds at the end.
type SearchClause struct {
	// Join is appended after the FROM clause, empty when unused.
	Join string
	// Predicate is ANDed into the WHERE clause.
	Predicate string
	// Args are bound for the predicate's placeholders.
	Args []any
	// RankExpr orders by relevance; RankArgs are bound when the expression
	// carries its own placeholders.
	RankExpr string
	RankArgs []any
	// RankDesc is true when higher rank values mean better matches.
	RankDesc bool
}

// Provider is the backend-specific SQL/DDL translator. One implementation
// exists per engine; layers above never branch on engine identity except
// through this interface.
type Provider interface {
	Dialect() schema.Dialect

	// DDL. CreateTable has create-if-absent semantics and provisions the
	// engine's full-text artifact when searchFields is non-empty.
	CreateTable(ctx context.Context, ex Executor, appLabel, tableBase string, fields []schema.NamedField, searchFields []string) error
	DropTable(ctx context.Context, ex Executor, appLabel, tableBase string) error
	AddColumn(ctx context.Context, ex Executor, appLabel, tableBase, column string, f *schema.Field) error
	DropColumn(ctx context.Context, ex Executor, appLabel, tableBase, column string) error
	RenameColumn(ctx context.Context, ex Executor, appLabel, tableBase, oldName, newName string) error
	RenameTable(ctx context.Context, ex Executor, appLabel, oldBase, newBase string) error

	// Introspection.
	TableExists(ctx context.Context, ex Executor, appLabel, tableBase string) (bool, error)
	ColumnExists(ctx context.Context, ex Executor, appLabel, tableBase, column string) (bool, error)

	// Dialect surface used by the query compiler.
	TableRef(appLabel, tableBase string) string
	QuoteName(name string) string
	JSONExtract(column string, path []string) string
	// JSONOrderExprs returns the ORDER BY expressions for sorting by a JSON
	// key, in precedence order; numeric values must order numerically.
	JSONOrderExprs(column string, path []string) []string
	// JSONEquals returns the whole-document equality predicate with one
	// placeholder, distinct from key lookups.
	JSONEquals(column string) string
	// JSONValue converts a scalar to the representation the dialect's JSON
	// key accessor yields, for binding in key-lookup comparisons.
	JSONValue(v any) any
	Rebind(query string) string
	BuildSearch(ctx context.Context, ex Executor, appLabel, tableBase string, searchFields []string, term string) (*SearchClause, error)

	// MapError translates driver errors onto the package sentinels; other
	// errors pass through verbatim.
	MapError(err error) error
}

// columnDDL renders a full column definition shared by both engines.
func columnDDL(dialect schema.Dialect, quote func(string) string, name string, f *schema.Field) string {
	def := quote(name) + " " + f.DDL(dialect)
	if f.IsPrimaryKey() {
		def += " PRIMARY KEY"
	}
	if !f.Null() && !f.IsPrimaryKey() {
		def += " NOT NULL"
	}
	if f.IsUnique() && !f.IsPrimaryKey() {
		def += " UNIQUE"
	}
	if d := f.StaticDefault(); d != nil {
		def += " DEFAULT " + defaultLiteral(dialect, d)
	}
	return def
}

func defaultLiteral(dialect schema.Dialect, v any) string {
	switch x := v.(type) {
	case string:
		return "'" + x + "'"
	case bool:
		if dialect == schema.DialectPostgres {
			if x {
				return "TRUE"
			}
			return "FALSE"
		}
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", x)
	}
}
