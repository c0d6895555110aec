package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/schema"
)

// Instance is one row of a model, held as application-typed field values.
type Instance struct {
	model *schema.Model
	alias string
	data  map[string]any
	inDB  bool
}

// NewInstance returns an unsaved instance of the model on the given alias.
func NewInstance(m *schema.Model, alias string) *Instance {
	return &Instance{model: m, alias: alias, data: map[string]any{}}
}

// fromRow hydrates an instance from a fetched column map, decoding each
// column through its field.
func fromRow(m *schema.Model, alias string, row map[string]any) (*Instance, error) {
	inst := &Instance{model: m, alias: alias, data: make(map[string]any, len(row)), inDB: true}
	for _, nf := range m.Fields() {
		raw, ok := row[nf.Name]
		if !ok {
			continue
		}
		v, err := nf.Field.FromDB(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", m.Label(), nf.Name, err)
		}
		inst.data[nf.Name] = v
	}
	return inst, nil
}

// Model returns the instance's model.
func (i *Instance) Model() *schema.Model { return i.model }

// Get returns a field value, nil when unset.
func (i *Instance) Get(name string) any { return i.data[name] }

// Set assigns a field value.
func (i *Instance) Set(name string, v any) error {
	if _, ok := i.model.Get(name); !ok {
		return fmt.Errorf("model %s has no field %q", i.model.Label(), name)
	}
	i.data[name] = v
	return nil
}

// PKValue returns the primary key value, nil when unset.
func (i *Instance) PKValue() any {
	pkName, _ := i.model.PK()
	return i.data[pkName]
}

func pkIsSet(v any) bool {
	if v == nil {
		return false
	}
	s, ok := v.(string)
	return !ok || s != ""
}

// Save writes the instance. With create nil the mode is decided
// automatically: an unset primary key inserts, a set one updates when the
// row exists and inserts otherwise. A non-nil create forces the mode, and a
// forced update fails when the row is missing.
func (i *Instance) Save(ctx context.Context, create *bool) error {
	conn, err := connection.Get(ctx, i.alias)
	if err != nil {
		return err
	}
	pkName, _ := i.model.PK()

	insert := false
	switch {
	case create != nil:
		insert = *create
	case !pkIsSet(i.data[pkName]):
		insert = true
	default:
		exists, err := i.rowExists(ctx, conn, pkName)
		if err != nil {
			return err
		}
		insert = !exists
	}
	if insert {
		return i.insert(ctx, conn)
	}
	forced := create != nil && !*create
	return i.update(ctx, conn, pkName, forced)
}

func (i *Instance) rowExists(ctx context.Context, conn *connection.Connection, pkName string) (bool, error) {
	c := &compiler{model: i.model, p: conn.Provider}
	pkField, _ := i.model.Get(pkName)
	pkVal, err := pkField.ToDB(i.data[pkName])
	if err != nil {
		return false, err
	}
	row, err := conn.FetchOne(ctx,
		"SELECT 1 FROM "+c.tableRef()+" WHERE "+conn.Provider.QuoteName(pkName)+" = ?", pkVal)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// insert writes a new row, filling declared defaults for unset fields. The
// generated primary key is written back into the instance.
func (i *Instance) insert(ctx context.Context, conn *connection.Connection) error {
	c := &compiler{model: i.model, p: conn.Provider}

	var cols []string
	var placeholders []string
	var args []any
	for _, nf := range i.model.Fields() {
		v, ok := i.data[nf.Name]
		if !ok || (nf.Field.IsPrimaryKey() && !pkIsSet(v)) {
			if !nf.Field.HasDefault() {
				continue
			}
			v = nf.Field.DefaultValue()
			i.data[nf.Name] = v
		}
		stored, err := nf.Field.ToDB(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", i.model.Label(), nf.Name, err)
		}
		cols = append(cols, conn.Provider.QuoteName(nf.Name))
		placeholders = append(placeholders, "?")
		args = append(args, stored)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.tableRef(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := conn.Execute(ctx, stmt, args...); err != nil {
		return err
	}
	i.inDB = true
	return nil
}

func (i *Instance) update(ctx context.Context, conn *connection.Connection, pkName string, forced bool) error {
	if !pkIsSet(i.data[pkName]) {
		return fmt.Errorf("cannot update %s without a primary key", i.model.Label())
	}
	c := &compiler{model: i.model, p: conn.Provider}

	var sets []string
	var args []any
	for _, nf := range i.model.Fields() {
		if nf.Name == pkName {
			continue
		}
		v, ok := i.data[nf.Name]
		if !ok {
			continue
		}
		stored, err := nf.Field.ToDB(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", i.model.Label(), nf.Name, err)
		}
		sets = append(sets, conn.Provider.QuoteName(nf.Name)+" = ?")
		args = append(args, stored)
	}
	if len(sets) == 0 {
		return nil
	}
	pkField, _ := i.model.Get(pkName)
	pkVal, err := pkField.ToDB(i.data[pkName])
	if err != nil {
		return err
	}
	args = append(args, pkVal)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		c.tableRef(), strings.Join(sets, ", "), conn.Provider.QuoteName(pkName))
	n, err := conn.Execute(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if n == 0 && forced {
		return fmt.Errorf("update %s: no row with %s = %v", i.model.Label(), pkName, i.data[pkName])
	}
	i.inDB = true
	return nil
}

// Delete removes the instance's row.
func (i *Instance) Delete(ctx context.Context) error {
	conn, err := connection.Get(ctx, i.alias)
	if err != nil {
		return err
	}
	pkName, pkField := i.model.PK()
	if !pkIsSet(i.data[pkName]) {
		return fmt.Errorf("cannot delete %s without a primary key", i.model.Label())
	}
	c := &compiler{model: i.model, p: conn.Provider}
	pkVal, err := pkField.ToDB(i.data[pkName])
	if err != nil {
		return err
	}
	_, err = conn.Execute(ctx,
		"DELETE FROM "+c.tableRef()+" WHERE "+conn.Provider.QuoteName(pkName)+" = ?", pkVal)
	if err != nil {
		return err
	}
	i.inDB = false
	return nil
}
