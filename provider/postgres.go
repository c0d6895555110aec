package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/forwardcompute/neutronapi/schema"
)

// searchVectorColumn is the generated tsvector column maintained on every
// searchable table of the client/server engine.
const searchVectorColumn = "search_vector"

// Postgres targets the client/server engine. Apps map onto native schemas,
// so tables are referenced as {app}.{base}.
type Postgres struct{}

// NewPostgres returns the client/server provider.
func NewPostgres() *Postgres { return &Postgres{} }

// Dialect implements Provider.
func (p *Postgres) Dialect() schema.Dialect { return schema.DialectPostgres }

// QuoteName implements Provider.
func (p *Postgres) QuoteName(name string) string { return `"` + name + `"` }

// TableRef implements Provider using a native schema per app label.
func (p *Postgres) TableRef(appLabel, tableBase string) string {
	return p.QuoteName(appLabel) + "." + p.QuoteName(tableBase)
}

// CreateTable implements Provider. The app schema is created on demand and
// searchable models get a stored tsvector column plus a GIN index.
func (p *Postgres) CreateTable(ctx context.Context, ex Executor, appLabel, tableBase string, fields []schema.NamedField, searchFields []string) error {
	if _, err := ex.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+p.QuoteName(appLabel)); err != nil {
		return p.MapError(err)
	}
	defs := make([]string, 0, len(fields))
	for _, nf := range fields {
		defs = append(defs, columnDDL(schema.DialectPostgres, p.QuoteName, nf.Name, nf.Field))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		p.TableRef(appLabel, tableBase), strings.Join(defs, ", "))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	if len(searchFields) > 0 {
		parts := make([]string, len(searchFields))
		for i, f := range searchFields {
			parts[i] = fmt.Sprintf("coalesce(%s, '')", p.QuoteName(f))
		}
		vector := fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s tsvector GENERATED ALWAYS AS (to_tsvector('english', %s)) STORED",
			p.TableRef(appLabel, tableBase), p.QuoteName(searchVectorColumn), strings.Join(parts, " || ' ' || "))
		if _, err := ex.ExecContext(ctx, vector); err != nil {
			return p.MapError(err)
		}
		index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (%s)",
			p.QuoteName(appLabel+"_"+tableBase+"_search_idx"),
			p.TableRef(appLabel, tableBase), p.QuoteName(searchVectorColumn))
		if _, err := ex.ExecContext(ctx, index); err != nil {
			return p.MapError(err)
		}
	}
	return nil
}

// DropTable implements Provider.
func (p *Postgres) DropTable(ctx context.Context, ex Executor, appLabel, tableBase string) error {
	if _, err := ex.ExecContext(ctx, "DROP TABLE IF EXISTS "+p.TableRef(appLabel, tableBase)); err != nil {
		return p.MapError(err)
	}
	return nil
}

// AddColumn implements Provider using add-if-absent semantics, so an edited
// migration can re-run past columns it already added.
func (p *Postgres) AddColumn(ctx context.Context, ex Executor, appLabel, tableBase, column string, f *schema.Field) error {
	if err := p.requireTable(ctx, ex, appLabel, tableBase, "add column"); err != nil {
		return err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
		p.TableRef(appLabel, tableBase), columnDDL(schema.DialectPostgres, p.QuoteName, column, f))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// DropColumn implements Provider with drop-if-present semantics on the
// column; the table itself must exist.
func (p *Postgres) DropColumn(ctx context.Context, ex Executor, appLabel, tableBase, column string) error {
	if err := p.requireTable(ctx, ex, appLabel, tableBase, "drop column"); err != nil {
		return err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
		p.TableRef(appLabel, tableBase), p.QuoteName(column))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// RenameColumn implements Provider. A rename whose old column is gone but
// whose new column exists already happened and is skipped; one with neither
// column is a schema mismatch.
func (p *Postgres) RenameColumn(ctx context.Context, ex Executor, appLabel, tableBase, oldName, newName string) error {
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
		return &SchemaError{Op: "rename column", Table: appLabel + "." + tableBase, Column: oldName}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		p.TableRef(appLabel, tableBase), p.QuoteName(oldName), p.QuoteName(newName))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// RenameTable implements Provider, skipping renames that already happened.
func (p *Postgres) RenameTable(ctx context.Context, ex Executor, appLabel, oldBase, newBase string) error {
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
		return &SchemaError{Op: "rename table", Table: appLabel + "." + oldBase}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		p.TableRef(appLabel, oldBase), p.QuoteName(newBase))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return p.MapError(err)
	}
	return nil
}

// TableExists implements Provider.
func (p *Postgres) TableExists(ctx context.Context, ex Executor, appLabel, tableBase string) (bool, error) {
	var one int
	err := ex.QueryRowContext(ctx,
		"SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		appLabel, tableBase).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, p.MapError(err)
	}
	return true, nil
}

// ColumnExists implements Provider.
func (p *Postgres) ColumnExists(ctx context.Context, ex Executor, appLabel, tableBase, column string) (bool, error) {
	var one int
	err := ex.QueryRowContext(ctx,
		"SELECT 1 FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 AND column_name = $3",
		appLabel, tableBase, column).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, p.MapError(err)
	}
	return true, nil
}

// JSONExtract implements Provider using the ->> text accessor so JSON scalar
// comparisons bind against text.
func (p *Postgres) JSONExtract(column string, path []string) string {
	expr := p.QuoteName(column)
	for i, key := range path {
		op := "->"
		if i == len(path)-1 {
			op = "->>"
		}
		expr += op + "'" + key + "'"
	}
	return expr
}

// JSONOrderExprs implements Provider. Numeric values sort numerically via a
// cast guarded by a jsonb type check, with the text value as tiebreaker.
func (p *Postgres) JSONOrderExprs(column string, path []string) []string {
	typed := p.QuoteName(column)
	for _, key := range path {
		typed += "->'" + key + "'"
	}
	text := p.JSONExtract(column, path)
	return []string{
		fmt.Sprintf("CASE WHEN jsonb_typeof(%s) = 'number' THEN (%s)::numeric END", typed, text),
		text,
	}
}

// JSONEquals implements Provider using jsonb equality semantics.
func (p *Postgres) JSONEquals(column string) string {
	return p.QuoteName(column) + " = ?::jsonb"
}

// JSONValue implements Provider. The ->> accessor yields text, so scalars
// bind in their JSON textual form.
func (p *Postgres) JSONValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return "true"
		}
		return "false"
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// Rebind implements Provider, rewriting '?' placeholders to $1..$n.
func (p *Postgres) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// BuildSearch implements Provider against the maintained tsvector column.
func (p *Postgres) BuildSearch(ctx context.Context, ex Executor, appLabel, tableBase string, searchFields []string, term string) (*SearchClause, error) {
	col := p.QuoteName(searchVectorColumn)
	return &SearchClause{
		Predicate: fmt.Sprintf("%s @@ plainto_tsquery('english', ?)", col),
		Args:      []any{term},
		RankExpr:  fmt.Sprintf("ts_rank(%s, plainto_tsquery('english', ?))", col),
		RankArgs:  []any{term},
		RankDesc:  true,
	}, nil
}

// MapError implements Provider for lib/pq error codes.
func (p *Postgres) MapError(err error) error {
	if err == nil {
		return nil
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case "23505":
			return fmt.Errorf("%w: %v", ErrUniqueConstraint, err)
		case "23502":
			return fmt.Errorf("%w: %v", ErrNullConstraint, err)
		}
	}
	return err
}

func (p *Postgres) requireTable(ctx context.Context, ex Executor, appLabel, tableBase, op string) error {
	ok, err := p.TableExists(ctx, ex, appLabel, tableBase)
	if err != nil {
		return err
	}
	if !ok {
		return &SchemaError{Op: op, Table: appLabel + "." + tableBase}
	}
	return nil
}
