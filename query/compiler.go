package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/forwardcompute/neutronapi/provider"
	"github.com/forwardcompute/neutronapi/schema"
)

// compiler turns Q trees into parameterized SQL fragments for one model and
// dialect. All fragments use '?' placeholders; the final statement is rebound
// by the provider.
type compiler struct {
	model *schema.Model
	p     provider.Provider
}

// resolved is a parsed leaf expression.
type resolved struct {
	expr     string
	name     string
	field    *schema.Field
	jsonPath []string
	lookup   string
}

// resolve parses "field__key__lookup" against the model. For JSON fields the
// middle segments descend into the document; a trailing known lookup suffix
// selects the operator, otherwise the lookup is exact.
func (c *compiler) resolve(expr string) (*resolved, error) {
	segs := strings.Split(expr, "__")
	f, ok := c.model.Get(segs[0])
	if !ok {
		return nil, &LookupError{Expr: expr, Message: fmt.Sprintf("unknown field %q on %s", segs[0], c.model.Name())}
	}
	r := &resolved{expr: expr, name: segs[0], field: f, lookup: lookupExact}
	rest := segs[1:]

	if f.Kind() == schema.KindJSON {
		if len(rest) > 0 && lookupSuffixes[rest[len(rest)-1]] {
			r.lookup = rest[len(rest)-1]
			rest = rest[:len(rest)-1]
		}
		r.jsonPath = rest
		return r, nil
	}

	switch len(rest) {
	case 0:
		return r, nil
	case 1:
		if !lookupSuffixes[rest[0]] {
			return nil, &LookupError{Expr: expr, Message: fmt.Sprintf("unsupported lookup %q", rest[0])}
		}
		r.lookup = rest[0]
		return r, nil
	}
	return nil, &LookupError{Expr: expr, Message: "nested lookups are only defined for JSON fields"}
}

// predicate compiles a Q node into a WHERE fragment.
func (c *compiler) predicate(q Q) (string, []any, error) {
	if q.isZero() {
		return "", nil, nil
	}
	var sql string
	var args []any
	if q.isLeaf() {
		var err error
		sql, args, err = c.leaf(q)
		if err != nil {
			return "", nil, err
		}
	} else {
		parts := make([]string, 0, len(q.kids))
		for _, kid := range q.kids {
			ksql, kargs, err := c.predicate(kid)
			if err != nil {
				return "", nil, err
			}
			if ksql == "" {
				continue
			}
			parts = append(parts, ksql)
			args = append(args, kargs...)
		}
		if len(parts) == 0 {
			return "", nil, nil
		}
		sql = "(" + strings.Join(parts, " "+q.op+" ") + ")"
	}
	if q.negate {
		sql = "NOT " + parenWrap(sql)
	}
	return sql, args, nil
}

func parenWrap(sql string) string {
	if strings.HasPrefix(sql, "(") {
		return sql
	}
	return "(" + sql + ")"
}

func (c *compiler) leaf(q Q) (string, []any, error) {
	r, err := c.resolve(q.expr)
	if err != nil {
		return "", nil, err
	}
	if r.field.Kind() == schema.KindJSON {
		return c.jsonLeaf(r, q.value)
	}

	col := c.p.QuoteName(r.name)
	switch r.lookup {
	case lookupExact:
		if q.value == nil {
			return col + " IS NULL", nil, nil
		}
		v, err := r.field.ToDB(q.value)
		if err != nil {
			return "", nil, &LookupError{Expr: r.expr, Message: err.Error()}
		}
		return col + " = ?", []any{v}, nil

	case lookupGT, lookupGTE, lookupLT, lookupLTE:
		v, err := r.field.ToDB(q.value)
		if err != nil {
			return "", nil, &LookupError{Expr: r.expr, Message: err.Error()}
		}
		return col + " " + comparisonOp(r.lookup) + " ?", []any{v}, nil

	case lookupIn:
		return c.inPredicate(col, r, q.value, r.field.ToDB)

	case lookupContains, lookupIContains, lookupStartsWith, lookupEndsWith:
		if !r.field.IsText() {
			return "", nil, &LookupError{Expr: r.expr,
				Message: fmt.Sprintf("substring lookups are undefined for %s", r.field.Kind())}
		}
		return likePredicate(col, r, q.value)

	case lookupIsNull:
		want, ok := q.value.(bool)
		if !ok {
			return "", nil, &LookupError{Expr: r.expr, Message: "isnull takes a bool"}
		}
		if want {
			return col + " IS NULL", nil, nil
		}
		return col + " IS NOT NULL", nil, nil
	}
	return "", nil, &LookupError{Expr: r.expr, Message: fmt.Sprintf("unsupported lookup %q", r.lookup)}
}

// jsonLeaf compiles predicates on JSON fields: whole-document equality when
// no key path is given and the value is a document, key lookups otherwise.
func (c *compiler) jsonLeaf(r *resolved, value any) (string, []any, error) {
	if len(r.jsonPath) == 0 {
		if r.lookup != lookupExact {
			return "", nil, &LookupError{Expr: r.expr,
				Message: fmt.Sprintf("lookup %q requires a document key", r.lookup)}
		}
		if value == nil {
			return c.p.QuoteName(r.name) + " IS NULL", nil, nil
		}
		doc, err := r.field.ToDB(value)
		if err != nil {
			return "", nil, &LookupError{Expr: r.expr, Message: err.Error()}
		}
		return c.p.JSONEquals(r.name), []any{doc}, nil
	}

	extract := c.p.JSONExtract(r.name, r.jsonPath)
	switch r.lookup {
	case lookupExact:
		if value == nil {
			return extract + " IS NULL", nil, nil
		}
		return extract + " = ?", []any{c.p.JSONValue(value)}, nil

	case lookupGT, lookupGTE, lookupLT, lookupLTE:
		op := comparisonOp(r.lookup)
		if isNumeric(value) {
			expr := c.p.JSONOrderExprs(r.name, r.jsonPath)[0]
			return expr + " " + op + " ?", []any{value}, nil
		}
		return extract + " " + op + " ?", []any{c.p.JSONValue(value)}, nil

	case lookupIn:
		return c.inPredicate(extract, r, value, func(v any) (any, error) {
			return c.p.JSONValue(v), nil
		})

	case lookupContains, lookupIContains, lookupStartsWith, lookupEndsWith:
		return likePredicate(extract, r, value)

	case lookupIsNull:
		want, ok := value.(bool)
		if !ok {
			return "", nil, &LookupError{Expr: r.expr, Message: "isnull takes a bool"}
		}
		if want {
			return extract + " IS NULL", nil, nil
		}
		return extract + " IS NOT NULL", nil, nil
	}
	return "", nil, &LookupError{Expr: r.expr, Message: fmt.Sprintf("unsupported lookup %q", r.lookup)}
}

// inPredicate expands a parameterized IN list, coercing every element to its
// stored scalar regardless of whether the caller passed enum members or raw
// values. An empty list yields a predicate that matches nothing.
func (c *compiler) inPredicate(expr string, r *resolved, value any, coerce func(any) (any, error)) (string, []any, error) {
	rv := reflect.ValueOf(value)
	if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return "", nil, &LookupError{Expr: r.expr, Message: "in lookup takes a slice"}
	}
	if rv.Len() == 0 {
		return "1 = 0", nil, nil
	}
	placeholders := make([]string, rv.Len())
	args := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		v, err := coerce(rv.Index(i).Interface())
		if err != nil {
			return "", nil, &LookupError{Expr: r.expr, Message: err.Error()}
		}
		placeholders[i] = "?"
		args[i] = v
	}
	return expr + " IN (" + strings.Join(placeholders, ", ") + ")", args, nil
}

func likePredicate(expr string, r *resolved, value any) (string, []any, error) {
	s, ok := value.(string)
	if !ok {
		if stringer, isStringer := value.(fmt.Stringer); isStringer {
			s, ok = stringer.String(), true
		}
	}
	if !ok {
		return "", nil, &LookupError{Expr: r.expr, Message: "substring lookups take a string"}
	}
	pattern := s
	switch r.lookup {
	case lookupContains:
		return expr + " LIKE ?", []any{"%" + pattern + "%"}, nil
	case lookupIContains:
		return "LOWER(" + expr + ") LIKE ?", []any{"%" + strings.ToLower(pattern) + "%"}, nil
	case lookupStartsWith:
		return expr + " LIKE ?", []any{pattern + "%"}, nil
	case lookupEndsWith:
		return expr + " LIKE ?", []any{"%" + pattern}, nil
	}
	return "", nil, &LookupError{Expr: r.expr, Message: fmt.Sprintf("unsupported lookup %q", r.lookup)}
}

func comparisonOp(lookup string) string {
	switch lookup {
	case lookupGT:
		return ">"
	case lookupGTE:
		return ">="
	case lookupLT:
		return "<"
	case lookupLTE:
		return "<="
	}
	return "="
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

// orderExprs compiles an order_by entry ("-name", "meta__score") into ORDER
// BY terms with direction applied.
func (c *compiler) orderExprs(entry string) ([]string, error) {
	dir := " ASC"
	if strings.HasPrefix(entry, "-") {
		dir = " DESC"
		entry = entry[1:]
	}
	segs := strings.Split(entry, "__")
	f, ok := c.model.Get(segs[0])
	if !ok {
		return nil, &LookupError{Expr: entry, Message: fmt.Sprintf("unknown field %q on %s", segs[0], c.model.Name())}
	}
	if len(segs) > 1 {
		if f.Kind() != schema.KindJSON {
			return nil, &LookupError{Expr: entry, Message: "nested ordering is only defined for JSON fields"}
		}
		exprs := c.p.JSONOrderExprs(segs[0], segs[1:])
		out := make([]string, len(exprs))
		for i, e := range exprs {
			out[i] = e + dir
		}
		return out, nil
	}
	return []string{c.p.QuoteName(segs[0]) + dir}, nil
}

// columns returns the quoted select list for the given field names, or all
// model fields when names is empty.
func (c *compiler) columns(names []string) ([]string, error) {
	if len(names) == 0 {
		fields := c.model.Fields()
		out := make([]string, len(fields))
		for i, nf := range fields {
			out[i] = c.p.QuoteName(nf.Name)
		}
		return out, nil
	}
	out := make([]string, len(names))
	for i, name := range names {
		if _, ok := c.model.Get(name); !ok {
			return nil, &LookupError{Expr: name, Message: fmt.Sprintf("unknown field %q on %s", name, c.model.Name())}
		}
		out[i] = c.p.QuoteName(name)
	}
	return out, nil
}

func (c *compiler) tableRef() string {
	return c.p.TableRef(c.model.AppLabel(), c.model.TableBase())
}
