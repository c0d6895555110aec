// Package schema defines field descriptors and model metadata for the ORM.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Dialect identifies a SQL dialect targeted by DDL generation.
type Dialect string

const (
	// DialectSQLite is the embedded single-file engine.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres is the client/server engine.
	DialectPostgres Dialect = "postgres"
)

// Kind is the logical type of a field.
type Kind string

const (
	KindChar     Kind = "CharField"
	KindText     Kind = "TextField"
	KindInteger  Kind = "IntegerField"
	KindBoolean  Kind = "BooleanField"
	KindDateTime Kind = "DateTimeField"
	KindJSON     Kind = "JSONField"
	KindEnum     Kind = "EnumField"
)

// Field is a typed column specification. A Field is immutable once bound to
// a Model; the chainable setters are for use at declaration time only.
type Field struct {
	kind        Kind
	maxLength   int
	choices     []string
	null        bool
	unique      bool
	primaryKey  bool
	defaultVal  any
	defaultFunc func() any
}

// Char returns a bounded character field. A maxLength of 0 means unbounded.
func Char(maxLength int) *Field { return &Field{kind: KindChar, maxLength: maxLength} }

// Text returns an unbounded text field.
func Text() *Field { return &Field{kind: KindText} }

// Int returns an integer field.
func Int() *Field { return &Field{kind: KindInteger} }

// Bool returns a boolean field.
func Bool() *Field { return &Field{kind: KindBoolean} }

// DateTime returns a timestamp field.
func DateTime() *Field { return &Field{kind: KindDateTime} }

// JSON returns a JSON document field.
func JSON() *Field { return &Field{kind: KindJSON} }

// Enum returns an enumerated-value field restricted to the given choices.
func Enum(choices ...string) *Field { return &Field{kind: KindEnum, choices: choices} }

// Nullable marks the field as accepting NULL.
func (f *Field) Nullable() *Field { f.null = true; return f }

// Unique adds a unique constraint.
func (f *Field) Unique() *Field { f.unique = true; return f }

// PrimaryKey marks the field as the model's primary key.
func (f *Field) PrimaryKey() *Field { f.primaryKey = true; return f }

// Default sets a static default value, recorded in the canonical description.
func (f *Field) Default(v any) *Field { f.defaultVal = v; return f }

// DefaultFunc sets a generated default, evaluated at insert time. Generated
// defaults are not part of the canonical description since they have no
// stable textual form.
func (f *Field) DefaultFunc(fn func() any) *Field { f.defaultFunc = fn; return f }

// Kind returns the logical type.
func (f *Field) Kind() Kind { return f.kind }

// Null reports whether the field accepts NULL.
func (f *Field) Null() bool { return f.null }

// IsUnique reports whether the field carries a unique constraint.
func (f *Field) IsUnique() bool { return f.unique }

// IsPrimaryKey reports whether the field is a primary key.
func (f *Field) IsPrimaryKey() bool { return f.primaryKey }

// MaxLength returns the declared maximum length (0 when unbounded).
func (f *Field) MaxLength() int { return f.maxLength }

// Choices returns the allowed values of an enum field.
func (f *Field) Choices() []string { return f.choices }

// HasDefault reports whether any default (static or generated) is declared.
func (f *Field) HasDefault() bool { return f.defaultVal != nil || f.defaultFunc != nil }

// DefaultValue evaluates the field default, preferring the static value.
func (f *Field) DefaultValue() any {
	if f.defaultVal != nil {
		return f.defaultVal
	}
	if f.defaultFunc != nil {
		return f.defaultFunc()
	}
	return nil
}

// StaticDefault returns the static default value, or nil.
func (f *Field) StaticDefault() any { return f.defaultVal }

// Describe returns the canonical description of the field. Two fields are
// considered equal for diffing purposes iff their descriptions match, so
// every attribute that affects DDL must appear here in a fixed order.
func (f *Field) Describe() string {
	var b strings.Builder
	b.WriteString(string(f.kind))
	b.WriteByte('(')
	if f.maxLength > 0 {
		fmt.Fprintf(&b, "max_length=%d, ", f.maxLength)
	}
	if len(f.choices) > 0 {
		fmt.Fprintf(&b, "choices=[%s], ", strings.Join(f.choices, " "))
	}
	fmt.Fprintf(&b, "null=%t, unique=%t, primary_key=%t", f.null, f.unique, f.primaryKey)
	if f.defaultVal != nil {
		fmt.Fprintf(&b, ", default=%v", f.defaultVal)
	}
	b.WriteByte(')')
	return b.String()
}

// DDL returns the dialect column type, without constraint suffixes.
func (f *Field) DDL(dialect Dialect) string {
	switch f.kind {
	case KindChar:
		if f.maxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.maxLength)
		}
		return "TEXT"
	case KindText, KindEnum:
		return "TEXT"
	case KindInteger:
		if dialect == DialectPostgres {
			return "BIGINT"
		}
		return "INTEGER"
	case KindBoolean:
		if dialect == DialectPostgres {
			return "BOOLEAN"
		}
		return "INTEGER"
	case KindDateTime:
		if dialect == DialectPostgres {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case KindJSON:
		if dialect == DialectPostgres {
			return "JSONB"
		}
		return "TEXT"
	}
	return "TEXT"
}

// IsText reports whether substring lookups are defined for the field.
func (f *Field) IsText() bool {
	switch f.kind {
	case KindChar, KindText, KindEnum, KindJSON:
		return true
	}
	return false
}

// ToDB converts an application value to its storage representation.
func (f *Field) ToDB(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.kind {
	case KindChar, KindText:
		return coerceString(v)
	case KindEnum:
		s, err := coerceString(v)
		if err != nil {
			return nil, err
		}
		if len(f.choices) > 0 {
			for _, c := range f.choices {
				if c == s {
					return s, nil
				}
			}
			return nil, fmt.Errorf("value %q is not a valid choice for %s", s, f.kind)
		}
		return s, nil
	case KindInteger:
		return coerceInt(v)
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case KindDateTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected time.Time, got %T", v)
		}
		return t.UTC(), nil
	case KindJSON:
		raw, err := json.Marshal(normalizeJSON(v))
		if err != nil {
			return nil, fmt.Errorf("marshal json value: %w", err)
		}
		return string(raw), nil
	}
	return v, nil
}

// FromDB converts a storage value back to its application representation.
func (f *Field) FromDB(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.kind {
	case KindChar, KindText, KindEnum:
		return coerceString(v)
	case KindInteger:
		return coerceInt(v)
	case KindBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
		return nil, fmt.Errorf("cannot decode %T as bool", v)
	case KindDateTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return parseTimestamp(x)
		case []byte:
			return parseTimestamp(string(x))
		}
		return nil, fmt.Errorf("cannot decode %T as timestamp", v)
	case KindJSON:
		var raw []byte
		switch x := v.(type) {
		case string:
			raw = []byte(x)
		case []byte:
			raw = x
		default:
			return nil, fmt.Errorf("cannot decode %T as json", v)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unmarshal json value: %w", err)
		}
		return out, nil
	}
	return v, nil
}

func coerceString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("cannot coerce %T to string", v)
}

func coerceInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("cannot coerce %T to integer", v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// normalizeJSON rewrites maps into a form encoding/json accepts and produces
// deterministic marshaling for whole-document comparisons.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(x))
		for _, k := range keys {
			out[k] = normalizeJSON(x[k])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeJSON(e)
		}
		return out
	}
	return v
}
