// Package operations defines the atomic, reversible schema changes that
// migrations are composed of.
package operations

import (
	"context"
	"fmt"

	"github.com/forwardcompute/neutronapi/provider"
	"github.com/forwardcompute/neutronapi/schema"
)

// Operation is one atomic, reversible schema change. Apply and Revert issue
// DDL through the provider; Revert restores the pre-apply schema exactly,
// except that removed column data is not recoverable.
type Operation interface {
	Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error
	Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error
	Describe() string
}

// names resolves an operation's qualified model reference ("app.Model")
// against the fallback app label, returning the app and table base name.
func names(ref, fallbackApp string) (appLabel, tableBase string) {
	app, model := schema.SplitLabel(ref)
	if app == "" {
		app = fallbackApp
	}
	return app, schema.ToSnake(model)
}

// NamedSpec pairs a field name with its serialized descriptor, preserving
// declaration order inside migration files.
type NamedSpec struct {
	Name string           `json:"name"`
	Spec schema.FieldSpec `json:"spec"`
}

func specsToFields(specs []NamedSpec) []schema.NamedField {
	out := make([]schema.NamedField, len(specs))
	for i, s := range specs {
		out[i] = schema.NamedField{Name: s.Name, Field: schema.FromSpec(s.Spec)}
	}
	return out
}

// FieldsToSpecs converts bound model fields into their serialized form.
func FieldsToSpecs(fields []schema.NamedField) []NamedSpec {
	out := make([]NamedSpec, len(fields))
	for i, nf := range fields {
		out[i] = NamedSpec{Name: nf.Name, Spec: nf.Field.Spec()}
	}
	return out
}

// CreateModel creates a model's table, and its search artifact when the
// model declares searchable fields. Creation is idempotent by construction:
// re-running it never raises.
type CreateModel struct {
	Model        string      `json:"model"`
	Fields       []NamedSpec `json:"fields"`
	SearchFields []string    `json:"search_fields,omitempty"`
}

// Apply implements Operation.
func (op *CreateModel) Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.CreateTable(ctx, ex, app, base, specsToFields(op.Fields), op.SearchFields)
}

// Revert implements Operation.
func (op *CreateModel) Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.DropTable(ctx, ex, app, base)
}

// Describe implements Operation.
func (op *CreateModel) Describe() string { return fmt.Sprintf("Create model %s", op.Model) }

// DeleteModel drops a model's table. The field list recorded at
// construction lets Revert recreate the table (without its data).
type DeleteModel struct {
	Model        string      `json:"model"`
	Fields       []NamedSpec `json:"fields,omitempty"`
	SearchFields []string    `json:"search_fields,omitempty"`
}

// Apply implements Operation.
func (op *DeleteModel) Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.DropTable(ctx, ex, app, base)
}

// Revert implements Operation.
func (op *DeleteModel) Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.CreateTable(ctx, ex, app, base, specsToFields(op.Fields), op.SearchFields)
}

// Describe implements Operation.
func (op *DeleteModel) Describe() string { return fmt.Sprintf("Delete model %s", op.Model) }

// AddField adds a column to an existing table. Applying against a missing
// table is a schema mismatch, not a creation request.
type AddField struct {
	Model string           `json:"model"`
	Name  string           `json:"field"`
	Spec  schema.FieldSpec `json:"spec"`
}

// Apply implements Operation.
func (op *AddField) Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.AddColumn(ctx, ex, app, base, op.Name, schema.FromSpec(op.Spec))
}

// Revert implements Operation.
func (op *AddField) Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.DropColumn(ctx, ex, app, base, op.Name)
}

// Describe implements Operation.
func (op *AddField) Describe() string { return fmt.Sprintf("Add field %s to %s", op.Name, op.Model) }

// RemoveField drops a column. The field definition supplied at construction
// is what Revert recreates; the column's data cannot be recovered.
type RemoveField struct {
	Model string           `json:"model"`
	Name  string           `json:"field"`
	Spec  schema.FieldSpec `json:"spec"`
}

// Apply implements Operation.
func (op *RemoveField) Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.DropColumn(ctx, ex, app, base, op.Name)
}

// Revert implements Operation.
func (op *RemoveField) Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.AddColumn(ctx, ex, app, base, op.Name, schema.FromSpec(op.Spec))
}

// Describe implements Operation.
func (op *RemoveField) Describe() string {
	return fmt.Sprintf("Remove field %s from %s", op.Name, op.Model)
}

// RenameField renames a column in place.
type RenameField struct {
	Model   string `json:"model"`
	OldName string `json:"old"`
	NewName string `json:"new"`
}

// Apply implements Operation.
func (op *RenameField) Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.RenameColumn(ctx, ex, app, base, op.OldName, op.NewName)
}

// Revert implements Operation.
func (op *RenameField) Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, base := names(op.Model, appLabel)
	return p.RenameColumn(ctx, ex, app, base, op.NewName, op.OldName)
}

// Describe implements Operation.
func (op *RenameField) Describe() string {
	return fmt.Sprintf("Rename field %s.%s to %s", op.Model, op.OldName, op.NewName)
}

// RenameModel renames a model's table.
type RenameModel struct {
	OldModel string `json:"old_model"`
	NewModel string `json:"new_model"`
}

// Apply implements Operation.
func (op *RenameModel) Apply(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, oldBase := names(op.OldModel, appLabel)
	_, newBase := names(op.NewModel, appLabel)
	return p.RenameTable(ctx, ex, app, oldBase, newBase)
}

// Revert implements Operation.
func (op *RenameModel) Revert(ctx context.Context, appLabel string, p provider.Provider, ex provider.Executor) error {
	app, newBase := names(op.NewModel, appLabel)
	_, oldBase := names(op.OldModel, appLabel)
	return p.RenameTable(ctx, ex, app, newBase, oldBase)
}

// Describe implements Operation.
func (op *RenameModel) Describe() string {
	return fmt.Sprintf("Rename model %s to %s", op.OldModel, op.NewModel)
}
