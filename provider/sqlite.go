package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/forwardcompute/neutronapi/internal/debug"
	"github.com/forwardcompute/neutronapi/schema"
)

// SQLite targets the embedded single-file engine. Tables are namespaced by
// prefixing the app label, since the engine has no schema objects. When fts
// is enabled for the owning database alias, CreateTable provisions an fts5
// virtual table next to each searchable model.
type SQLite struct {
	fts bool
}

// NewSQLite returns the embedded-engine provider. fts opts the database into
// full-text table provisioning.
func NewSQLite(fts bool) *SQLite { return &SQLite{fts: fts} }

// Dialect implements Provider.
func (p *SQLite) Dialect() schema.Dialect { return schema.DialectSQLite }

// FTSEnabled reports whether the alias opted into full-text provisioning.
func (p *SQLite) FTSEnabled() bool { return p.fts }

// QuoteName implements Provider.
func (p *SQLite) QuoteName(name string) string { return `"` + name + `"` }

// TableRef implements Provider; tables are named {app}_{base}.
func (p *SQLite) TableRef(appLabel, tableBase string) string {
	return p.QuoteName(appLabel + "_" + tableBase)
}

func (p *SQLite) tableName(appLabel, tableBase string) string {
	return appLabel + "_" + tableBase
}

func (p *SQLite) ftsName(appLabel, tableBase string) string {
	return p.tableName(appLabel, tableBase) + "_fts"
}

// CreateTable implements Provider with create-if-absent semantics.
func (p *SQLite) CreateTable(ctx context.Context, ex Executor, appLabel, tableBase string, fields []schema.NamedField, searchFields []string) error {
	defs := make([]string, 0, len(fields))
	for _, nf := range fields {
		defs = append(defs, columnDDL(schema.DialectSQLite, p.QuoteName, nf.Name, nf.Field))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		p.TableRef(appLabel, tableBase), strings.Join(defs, ", "))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	if p.fts && len(searchFields) > 0 {
		if err := p.createFTS(ctx, ex, appLabel, tableBase, searchFields); err != nil {
			return err
		}
	}
	return nil
}

// createFTS provisions an external-content fts5 table over the search columns
// plus the triggers that keep it synchronized with the base table.
func (p *SQLite) createFTS(ctx context.Context, ex Executor, appLabel, tableBase string, searchFields []string) error {
	base := p.tableName(appLabel, tableBase)
	fts := p.ftsName(appLabel, tableBase)
	quoted := make([]string, len(searchFields))
	newCols := make([]string, len(searchFields))
	oldCols := make([]string, len(searchFields))
	for i, f := range searchFields {
		quoted[i] = p.QuoteName(f)
		newCols[i] = "new." + p.QuoteName(f)
		oldCols[i] = "old." + p.QuoteName(f)
	}

	ftsStmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, content='%s', content_rowid='rowid')",
		p.QuoteName(fts), strings.Join(quoted, ", "), base)
	if _, err := ex.ExecContext(ctx, ftsStmt); err != nil {
		// Builds without the fts5 module degrade to the LIKE fallback.
		if strings.Contains(err.Error(), "fts5") {
			debug.Warn("fts5 unavailable, search falls back to LIKE", "table", base, "error", err)
			return nil
		}
		return p.MapError(err)
	}

	cols := strings.Join(quoted, ", ")
	insertRow := fmt.Sprintf("INSERT INTO %s(rowid, %s) VALUES (new.rowid, %s);",
		p.QuoteName(fts), cols, strings.Join(newCols, ", "))
	deleteRow := fmt.Sprintf("INSERT INTO %s(%s, rowid, %s) VALUES ('delete', old.rowid, %s);",
		p.QuoteName(fts), p.QuoteName(fts), cols, strings.Join(oldCols, ", "))
	triggers := []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN %s END",
			p.QuoteName(fts+"_ai"), p.QuoteName(base), insertRow),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN %s END",
			p.QuoteName(fts+"_ad"), p.QuoteName(base), deleteRow),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s BEGIN %s %s END",
			p.QuoteName(fts+"_au"), p.QuoteName(base), deleteRow, insertRow),
	}
	for _, stmt := range triggers {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return p.MapError(err)
		}
	}
	return nil
}

// DropTable implements Provider, removing the search artifact alongside.
func (p *SQLite) DropTable(ctx context.Context, ex Executor, appLabel, tableBase string) error {
	if _, err := ex.ExecContext(ctx, "DROP TABLE IF EXISTS "+p.QuoteName(p.ftsName(appLabel, tableBase))); err != nil {
		return p.MapError(err)
	}
	if _, err := ex.ExecContext(ctx, "DROP TABLE IF EXISTS "+p.TableRef(appLabel, tableBase)); err != nil {
		return p.MapError(err)
	}
	return nil
}

// AddColumn implements Provider. A column that already exists is left alone,
// so re-applying an edited migration never trips over its own earlier run.
func (p *SQLite) AddColumn(ctx context.Context, ex Executor, appLabel, tableBase, column string, f *schema.Field) error {
	if err := p.requireTable(ctx, ex, appLabel, tableBase, "add column"); err != nil {
		return err
	}
	exists, err := p.ColumnExists(ctx, ex, appLabel, tableBase, column)
	if err != nil {
		return err
	}
	if exists {
		debug.Debug("column already present, skipping add",
			"table", p.tableName(appLabel, tableBase), "column", column)
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
		p.TableRef(appLabel, tableBase), columnDDL(schema.DialectSQLite, p.QuoteName, column, f))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// DropColumn implements Provider with drop-if-present semantics on the
// column; the table itself must exist.
func (p *SQLite) DropColumn(ctx context.Context, ex Executor, appLabel, tableBase, column string) error {
	if err := p.requireTable(ctx, ex, appLabel, tableBase, "drop column"); err != nil {
		return err
	}
	exists, err := p.ColumnExists(ctx, ex, appLabel, tableBase, column)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		p.TableRef(appLabel, tableBase), p.QuoteName(column))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// RenameColumn implements Provider. A rename whose old column is gone but
// whose new column exists already happened and is skipped; one with neither
// column is a schema mismatch.
func (p *SQLite) RenameColumn(ctx context.Context, ex Executor, appLabel, tableBase, oldName, newName string) error {
	if err := p.requireTable(ctx, ex, appLabel, tableBase, "rename column"); err != nil {
		return err
	}
	hasOld, err := p.ColumnExists(ctx, ex, appLabel, tableBase, oldName)
	if err != nil {
		return err
	}
	if !hasOld {
		hasNew, err := p.ColumnExists(ctx, ex, appLabel, tableBase, newName)
		if err != nil {
			return err
		}
		if hasNew {
			return nil
		}
		return &SchemaError{Op: "rename column", Table: p.tableName(appLabel, tableBase), Column: oldName}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		p.TableRef(appLabel, tableBase), p.QuoteName(oldName), p.QuoteName(newName))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// RenameTable implements Provider, skipping renames that already happened.
func (p *SQLite) RenameTable(ctx context.Context, ex Executor, appLabel, oldBase, newBase string) error {
	hasOld, err := p.TableExists(ctx, ex, appLabel, oldBase)
	if err != nil {
		return err
	}
	if !hasOld {
		hasNew, err := p.TableExists(ctx, ex, appLabel, newBase)
		if err != nil {
			return err
		}
		if hasNew {
			return nil
		}
		return &SchemaError{Op: "rename table", Table: p.tableName(appLabel, oldBase)}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		p.TableRef(appLabel, oldBase), p.TableRef(appLabel, newBase))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// TableExists implements Provider.
func (p *SQLite) TableExists(ctx context.Context, ex Executor, appLabel, tableBase string) (bool, error) {
	return p.rawTableExists(ctx, ex, p.tableName(appLabel, tableBase))
}

func (p *SQLite) rawTableExists(ctx context.Context, ex Executor, name string) (bool, error) {
	var found string
	err := ex.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, p.MapError(err)
	}
	return true, nil
}

// ColumnExists implements Provider.
func (p *SQLite) ColumnExists(ctx context.Context, ex Executor, appLabel, tableBase, column string) (bool, error) {
	rows, err := ex.QueryContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", p.TableRef(appLabel, tableBase)))
	if err != nil {
		return false, p.MapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// JSONExtract implements Provider using the json_extract accessor.
func (p *SQLite) JSONExtract(column string, path []string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", p.QuoteName(column), strings.Join(path, "."))
}

// JSONOrderExprs implements Provider; json_extract already yields numerically
// comparable values for numeric keys.
func (p *SQLite) JSONOrderExprs(column string, path []string) []string {
	return []string{p.JSONExtract(column, path)}
}

// JSONEquals implements Provider; documents are stored as normalized text.
func (p *SQLite) JSONEquals(column string) string {
	return p.QuoteName(column) + " = ?"
}

// JSONValue implements Provider. json_extract yields typed values, with
// booleans as 0/1 integers, which the driver's bool binding already matches.
func (p *SQLite) JSONValue(v any) any { return v }

// Rebind implements Provider; the embedded driver takes '?' natively.
func (p *SQLite) Rebind(query string) string { return query }

// BuildSearch implements Provider. When a virtual search table exists the
// predicate dispatches to MATCH-based ranking; otherwise it falls back to a
// LIKE-based substring scan over the search columns.
func (p *SQLite) BuildSearch(ctx context.Context, ex Executor, appLabel, tableBase string, searchFields []string, term string) (*SearchClause, error) {
	fts := p.ftsName(appLabel, tableBase)
	hasFTS, err := p.rawTableExists(ctx, ex, fts)
	if err != nil {
		return nil, err
	}
	if hasFTS {
		ref := p.QuoteName(fts)
		base := p.TableRef(appLabel, tableBase)
		// A rowid subquery keeps the outer column references unambiguous, so
		// search composes with ordinary filters on the same columns.
		return &SearchClause{
			Predicate: fmt.Sprintf("%s.rowid IN (SELECT rowid FROM %s WHERE %s MATCH ?)", base, ref, ref),
			Args:      []any{term},
			// fts5 rank is bm25-based: smaller values are better matches.
			RankExpr: fmt.Sprintf("(SELECT rank FROM %s WHERE %s MATCH ? AND rowid = %s.rowid)", ref, ref, base),
			RankArgs: []any{term},
			RankDesc: false,
		}, nil
	}
	var preds []string
	var args []any
	for _, f := range searchFields {
		preds = append(preds, fmt.Sprintf("LOWER(%s) LIKE ?", p.QuoteName(f)))
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	if len(preds) == 0 {
		preds = append(preds, "1 = 0")
	}
	return &SearchClause{
		Predicate: "(" + strings.Join(preds, " OR ") + ")",
		Args:      args,
	}, nil
}

// MapError implements Provider for the embedded driver.
func (p *SQLite) MapError(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrUniqueConstraint, err)
		case sqlite3.ErrConstraintNotNull:
			return fmt.Errorf("%w: %v", ErrNullConstraint, err)
		}
	}
	return err
}

func (p *SQLite) requireTable(ctx context.Context, ex Executor, appLabel, tableBase, op string) error {
	ok, err := p.TableExists(ctx, ex, appLabel, tableBase)
	if err != nil {
		return err
	}
	if !ok {
		return &SchemaError{Op: op, Table: p.tableName(appLabel, tableBase)}
	}
	return nil
}
