package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/schema"
)

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("no matching row")

// ErrMultipleRows is returned by Get when more than one row matches.
var ErrMultipleRows = errors.New("multiple matching rows")

// QuerySet is a lazy, composable query over one model. Building it performs
// no I/O; a materializer executes exactly once and caches the result set for
// repeated iteration. Chaining methods return derived query sets.
type QuerySet struct {
	model      *schema.Model
	alias      string
	root       Q
	order      []string
	distinct   bool
	limit      *int
	offset     *int
	selected   []string
	searchTerm *string
	rankOrder  bool

	fetched bool
	cache   []map[string]any
}

// Objects returns the query entry point for a model on the default alias.
func Objects(m *schema.Model) *QuerySet {
	return ObjectsOn(m, connection.DefaultAlias)
}

// ObjectsOn returns the query entry point for a model on a named alias.
func ObjectsOn(m *schema.Model, alias string) *QuerySet {
	return &QuerySet{model: m, alias: alias}
}

func (qs *QuerySet) clone() *QuerySet {
	out := *qs
	out.order = append([]string(nil), qs.order...)
	out.selected = append([]string(nil), qs.selected...)
	out.fetched = false
	out.cache = nil
	return &out
}

// Filter restricts the query to rows matching all keyword filters.
func (qs *QuerySet) Filter(kw Kw) *QuerySet { return qs.FilterQ(FromKw(kw)) }

// FilterQ restricts the query with explicit Q nodes, ANDed together.
func (qs *QuerySet) FilterQ(nodes ...Q) *QuerySet {
	out := qs.clone()
	out.root = combine("AND", append([]Q{out.root}, nodes...))
	return out
}

// Exclude removes rows matching all keyword filters: the logical negation of
// the same grammar Filter accepts.
func (qs *QuerySet) Exclude(kw Kw) *QuerySet { return qs.ExcludeQ(FromKw(kw)) }

// ExcludeQ removes rows matching the conjunction of the given Q nodes.
func (qs *QuerySet) ExcludeQ(nodes ...Q) *QuerySet {
	out := qs.clone()
	out.root = combine("AND", []Q{out.root, combine("AND", nodes).Not()})
	return out
}

// OrderBy replaces the ordering; "-field" sorts descending and JSON keys
// ("meta__score") sort by the extracted value.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet {
	out := qs.clone()
	out.order = append([]string(nil), fields...)
	return out
}

// Distinct deduplicates the selected rows.
func (qs *QuerySet) Distinct(fields ...string) *QuerySet {
	out := qs.clone()
	out.distinct = true
	if len(fields) > 0 && len(out.selected) == 0 {
		out.selected = append([]string(nil), fields...)
	}
	return out
}

// Limit caps the number of returned rows.
func (qs *QuerySet) Limit(n int) *QuerySet {
	out := qs.clone()
	out.limit = &n
	return out
}

// Offset skips the first n rows.
func (qs *QuerySet) Offset(n int) *QuerySet {
	out := qs.clone()
	out.offset = &n
	return out
}

// ValuesList narrows the select list to the given fields; materialize with
// Values or FlatValues.
func (qs *QuerySet) ValuesList(fields ...string) *QuerySet {
	out := qs.clone()
	out.selected = append([]string(nil), fields...)
	return out
}

// Search adds a full-text predicate, dispatched per provider at execution.
func (qs *QuerySet) Search(term string) *QuerySet {
	out := qs.clone()
	out.searchTerm = &term
	return out
}

// OrderByRank orders by the engine's relevance score, best match first. It
// is only meaningful after Search.
func (qs *QuerySet) OrderByRank() *QuerySet {
	out := qs.clone()
	out.rankOrder = true
	return out
}

// fetch executes the SELECT once and caches raw rows.
func (qs *QuerySet) fetch(ctx context.Context) ([]map[string]any, error) {
	if qs.fetched {
		return qs.cache, nil
	}
	conn, err := connection.Get(ctx, qs.alias)
	if err != nil {
		return nil, err
	}
	sqlText, args, err := qs.buildSelect(ctx, conn)
	if err != nil {
		return nil, err
	}
	rows, err := conn.FetchAll(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	qs.cache = rows
	qs.fetched = true
	return rows, nil
}

func (qs *QuerySet) buildSelect(ctx context.Context, conn *connection.Connection) (string, []any, error) {
	c := &compiler{model: qs.model, p: conn.Provider}

	cols, err := c.columns(qs.selected)
	if err != nil {
		return "", nil, err
	}

	var preds []string
	var args []any
	var join string
	var rankTerms []string
	var rankArgs []any

	if qs.searchTerm != nil {
		clause, err := conn.Provider.BuildSearch(ctx, conn.DB,
			qs.model.AppLabel(), qs.model.TableBase(), qs.model.SearchFields(), *qs.searchTerm)
		if err != nil {
			return "", nil, err
		}
		join = clause.Join
		preds = append(preds, clause.Predicate)
		args = append(args, clause.Args...)
		if qs.rankOrder && clause.RankExpr != "" {
			dir := " ASC"
			if clause.RankDesc {
				dir = " DESC"
			}
			rankTerms = append(rankTerms, clause.RankExpr+dir)
			rankArgs = append(rankArgs, clause.RankArgs...)
		}
	}

	where, whereArgs, err := c.predicate(qs.root)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		preds = append(preds, where)
		args = append(args, whereArgs...)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if qs.distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(c.tableRef())
	if join != "" {
		b.WriteString(" ")
		b.WriteString(join)
	}
	if len(preds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(preds, " AND "))
	}

	orderTerms := append([]string(nil), rankTerms...)
	args = append(args, rankArgs...)
	for _, entry := range qs.order {
		exprs, err := c.orderExprs(entry)
		if err != nil {
			return "", nil, err
		}
		orderTerms = append(orderTerms, exprs...)
	}
	if len(orderTerms) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orderTerms, ", "))
	}
	if qs.limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *qs.limit)
	}
	if qs.offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *qs.offset)
	}
	return b.String(), args, nil
}

// All materializes the query into model instances.
func (qs *QuerySet) All(ctx context.Context) ([]*Instance, error) {
	rows, err := qs.fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := fromRow(qs.model, qs.alias, row)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Values materializes a ValuesList query into rows of field values, in the
// selected field order.
func (qs *QuerySet) Values(ctx context.Context) ([][]any, error) {
	if len(qs.selected) == 0 {
		return nil, fmt.Errorf("Values requires ValuesList fields")
	}
	rows, err := qs.fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		tuple := make([]any, len(qs.selected))
		for i, name := range qs.selected {
			f, _ := qs.model.Get(name)
			v, err := f.FromDB(row[name])
			if err != nil {
				return nil, err
			}
			tuple[i] = v
		}
		out = append(out, tuple)
	}
	return out, nil
}

// FlatValues materializes a single-field ValuesList query into a flat list.
func (qs *QuerySet) FlatValues(ctx context.Context) ([]any, error) {
	if len(qs.selected) != 1 {
		return nil, fmt.Errorf("FlatValues requires exactly one ValuesList field")
	}
	tuples, err := qs.Values(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(tuples))
	for i, t := range tuples {
		out[i] = t[0]
	}
	return out, nil
}

// Count returns the number of matching rows without materializing them. It
// counts over the full query shape, so search, distinct, limit and offset
// all narrow the result the same way they narrow All.
func (qs *QuerySet) Count(ctx context.Context) (int64, error) {
	conn, err := connection.Get(ctx, qs.alias)
	if err != nil {
		return 0, err
	}
	inner, args, err := qs.buildSelect(ctx, conn)
	if err != nil {
		return 0, err
	}
	sqlText := "SELECT COUNT(*) FROM (" + inner + ") AS " + conn.Provider.QuoteName("matched")
	row, err := conn.FetchOne(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	for _, v := range row {
		if n, ok := v.(int64); ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("count: unexpected result %v", row)
}

// compileWhere assembles the WHERE fragment for the mutation paths,
// including an attached search predicate so Delete and Update never touch
// rows the equivalent All would not return.
func (qs *QuerySet) compileWhere(ctx context.Context, conn *connection.Connection, c *compiler) (string, []any, error) {
	var preds []string
	var args []any
	if qs.searchTerm != nil {
		clause, err := conn.Provider.BuildSearch(ctx, conn.DB,
			qs.model.AppLabel(), qs.model.TableBase(), qs.model.SearchFields(), *qs.searchTerm)
		if err != nil {
			return "", nil, err
		}
		if clause.Join != "" {
			return "", nil, fmt.Errorf("search on %s requires a join and cannot scope a mutation", qs.model.Label())
		}
		preds = append(preds, clause.Predicate)
		args = append(args, clause.Args...)
	}
	where, whereArgs, err := c.predicate(qs.root)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		preds = append(preds, where)
		args = append(args, whereArgs...)
	}
	return strings.Join(preds, " AND "), args, nil
}

// First returns the first matching instance in query order, or nil.
func (qs *QuerySet) First(ctx context.Context) (*Instance, error) {
	limited := qs.Limit(1)
	if len(limited.order) == 0 {
		pk, _ := qs.model.PK()
		limited = limited.OrderBy(pk).Limit(1)
	}
	instances, err := limited.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return instances[0], nil
}

// Last returns the last matching instance, reversing the query order.
func (qs *QuerySet) Last(ctx context.Context) (*Instance, error) {
	reversed := qs.clone()
	if len(reversed.order) == 0 {
		pk, _ := qs.model.PK()
		reversed.order = []string{pk}
	}
	for i, entry := range reversed.order {
		if strings.HasPrefix(entry, "-") {
			reversed.order[i] = entry[1:]
			continue
		}
		reversed.order[i] = "-" + entry
	}
	return reversed.First(ctx)
}

// Get returns the single instance matching the keyword filters. It fails
// with ErrNotFound when nothing matches and ErrMultipleRows when the match
// is not unique.
func (qs *QuerySet) Get(ctx context.Context, kw Kw) (*Instance, error) {
	instances, err := qs.Filter(kw).Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(instances) {
	case 0:
		return nil, fmt.Errorf("get %s: %w", qs.model.Label(), ErrNotFound)
	case 1:
		return instances[0], nil
	}
	return nil, fmt.Errorf("get %s: %w", qs.model.Label(), ErrMultipleRows)
}

// Delete removes all matching rows and returns the count.
func (qs *QuerySet) Delete(ctx context.Context) (int64, error) {
	conn, err := connection.Get(ctx, qs.alias)
	if err != nil {
		return 0, err
	}
	c := &compiler{model: qs.model, p: conn.Provider}
	where, args, err := qs.compileWhere(ctx, conn, c)
	if err != nil {
		return 0, err
	}
	sqlText := "DELETE FROM " + c.tableRef()
	if where != "" {
		sqlText += " WHERE " + where
	}
	return conn.Execute(ctx, sqlText, args...)
}

// Update sets the given fields on all matching rows and returns the count.
func (qs *QuerySet) Update(ctx context.Context, kw Kw) (int64, error) {
	if len(kw) == 0 {
		return 0, nil
	}
	conn, err := connection.Get(ctx, qs.alias)
	if err != nil {
		return 0, err
	}
	c := &compiler{model: qs.model, p: conn.Provider}

	keys := make([]string, 0, len(kw))
	for k := range kw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sets []string
	var args []any
	for _, name := range keys {
		f, ok := qs.model.Get(name)
		if !ok {
			return 0, &LookupError{Expr: name, Message: fmt.Sprintf("unknown field %q on %s", name, qs.model.Name())}
		}
		v, err := f.ToDB(kw[name])
		if err != nil {
			return 0, err
		}
		sets = append(sets, conn.Provider.QuoteName(name)+" = ?")
		args = append(args, v)
	}

	where, whereArgs, err := qs.compileWhere(ctx, conn, c)
	if err != nil {
		return 0, err
	}
	sqlText := "UPDATE " + c.tableRef() + " SET " + strings.Join(sets, ", ")
	if where != "" {
		sqlText += " WHERE " + where
		args = append(args, whereArgs...)
	}
	return conn.Execute(ctx, sqlText, args...)
}

// Create inserts a new row from the given field values and returns the
// saved instance.
func (qs *QuerySet) Create(ctx context.Context, kw Kw) (*Instance, error) {
	inst := NewInstance(qs.model, qs.alias)
	for name, v := range kw {
		if err := inst.Set(name, v); err != nil {
			return nil, err
		}
	}
	forceInsert := true
	if err := inst.Save(ctx, &forceInsert); err != nil {
		return nil, err
	}
	return inst, nil
}
