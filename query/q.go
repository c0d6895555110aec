// Package query builds parameterized SQL from composable filter expression
// trees and executes it lazily through a connection's provider.
package query

import (
	"errors"
	"fmt"
	"sort"
)

// Lookup suffixes accepted in filter expressions.
const (
	lookupExact      = "exact"
	lookupGT         = "gt"
	lookupGTE        = "gte"
	lookupLT         = "lt"
	lookupLTE        = "lte"
	lookupIn         = "in"
	lookupContains   = "contains"
	lookupIContains  = "icontains"
	lookupStartsWith = "startswith"
	lookupEndsWith   = "endswith"
	lookupIsNull     = "isnull"
)

var lookupSuffixes = map[string]bool{
	lookupExact:      true,
	lookupGT:         true,
	lookupGTE:        true,
	lookupLT:         true,
	lookupLTE:        true,
	lookupIn:         true,
	lookupContains:   true,
	lookupIContains:  true,
	lookupStartsWith: true,
	lookupEndsWith:   true,
	lookupIsNull:     true,
}

// ErrInvalidLookup marks a lookup applied to a field type it is undefined
// for. It is raised before any SQL is issued.
var ErrInvalidLookup = errors.New("invalid lookup")

// LookupError reports an unusable filter expression.
type LookupError struct {
	Expr    string
	Message string
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %q: %s", e.Expr, e.Message)
}

// Is reports LookupError as an ErrInvalidLookup.
func (e *LookupError) Is(target error) bool { return target == ErrInvalidLookup }

// Kw is a set of keyword filters ("field__lookup" -> value). Multiple
// entries are implicitly ANDed.
type Kw map[string]any

// Q is a node in a filter expression tree: either a leaf
// (expression, value) pair or a boolean combinator over children.
// Expressions are resolved against the model at compile time.
type Q struct {
	expr   string
	value  any
	op     string // "AND" or "OR" for combinators
	kids   []Q
	negate bool
}

// Where returns a leaf predicate, e.g. Where("age__gte", 21) or
// Where("meta__type", "google").
func Where(expr string, value any) Q {
	return Q{expr: expr, value: value}
}

// FromKw returns the AND of all keyword filters, in deterministic order.
func FromKw(kw Kw) Q {
	keys := sortedKwKeys(kw)
	qs := make([]Q, 0, len(keys))
	for _, k := range keys {
		qs = append(qs, Where(k, kw[k]))
	}
	return combine("AND", qs)
}

// And combines this node with others conjunctively.
func (q Q) And(others ...Q) Q {
	return combine("AND", append([]Q{q}, others...))
}

// Or combines this node with others disjunctively.
func (q Q) Or(others ...Q) Q {
	return combine("OR", append([]Q{q}, others...))
}

// Not returns the logical negation of the node.
func (q Q) Not() Q {
	q.negate = !q.negate
	return q
}

func (q Q) isLeaf() bool { return len(q.kids) == 0 }

// isZero reports an empty combinator with no children, which compiles to no
// predicate at all.
func (q Q) isZero() bool { return q.isLeaf() && q.expr == "" }

func combine(op string, qs []Q) Q {
	kids := make([]Q, 0, len(qs))
	for _, q := range qs {
		if q.isZero() {
			continue
		}
		// Flatten same-op, non-negated combinators.
		if !q.isLeaf() && q.op == op && !q.negate {
			kids = append(kids, q.kids...)
			continue
		}
		kids = append(kids, q)
	}
	if len(kids) == 1 {
		return kids[0]
	}
	return Q{op: op, kids: kids}
}

func sortedKwKeys(kw Kw) []string {
	keys := make([]string, 0, len(kw))
	for k := range kw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
