package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// PKFieldName is the name of the implicit primary key added to models that
// do not declare one.
const PKFieldName = "id"

// NamedField pairs a field with the name it is bound to on a model.
type NamedField struct {
	Name  string
	Field *Field
}

// Model is an ordered mapping of field names to field descriptors plus the
// app label and name the tables are derived from. Models are immutable once
// built.
type Model struct {
	appLabel     string
	name         string
	fields       []NamedField
	byName       map[string]*Field
	searchFields []string
	pkName       string
}

// Builder assembles a Model through explicit registration, preserving field
// declaration order.
type Builder struct {
	model *Model
	err   error
}

// New starts building a model identified by app label and class-style name.
func New(appLabel, name string) *Builder {
	return &Builder{model: &Model{
		appLabel: appLabel,
		name:     name,
		byName:   make(map[string]*Field),
	}}
}

// Field registers a field under the given name.
func (b *Builder) Field(name string, f *Field) *Builder {
	if b.err != nil {
		return b
	}
	if _, dup := b.model.byName[name]; dup {
		b.err = fmt.Errorf("model %s: duplicate field %q", b.model.name, name)
		return b
	}
	b.model.fields = append(b.model.fields, NamedField{Name: name, Field: f})
	b.model.byName[name] = f
	return b
}

// SearchFields declares which text columns feed the full-text index. When
// never called, text-typed fields are inferred at CreateModel time.
func (b *Builder) SearchFields(names ...string) *Builder {
	if b.err != nil {
		return b
	}
	b.model.searchFields = append(b.model.searchFields, names...)
	return b
}

// Build finalizes the model. A model with no declared primary key gets an
// implicit time-sortable string id, inserted ahead of the declared fields.
func (b *Builder) Build() (*Model, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := b.model
	for _, nf := range m.fields {
		if nf.Field.IsPrimaryKey() {
			if m.pkName != "" {
				return nil, fmt.Errorf("model %s: multiple primary keys (%s, %s)", m.name, m.pkName, nf.Name)
			}
			m.pkName = nf.Name
		}
	}
	if m.pkName == "" {
		if _, taken := m.byName[PKFieldName]; taken {
			return nil, fmt.Errorf("model %s: field %q exists but is not a primary key", m.name, PKFieldName)
		}
		pk := Char(0).PrimaryKey().Unique().DefaultFunc(NewID)
		m.fields = append([]NamedField{{Name: PKFieldName, Field: pk}}, m.fields...)
		m.byName[PKFieldName] = pk
		m.pkName = PKFieldName
	}
	for _, name := range m.searchFields {
		if _, ok := m.byName[name]; !ok {
			return nil, fmt.Errorf("model %s: unknown search field %q", m.name, name)
		}
	}
	return m, nil
}

// MustBuild is Build for statically declared models.
func (b *Builder) MustBuild() *Model {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// NewID returns a time-sortable string identifier for implicit primary keys.
func NewID() any {
	return uuid.Must(uuid.NewV7()).String()
}

// AppLabel returns the owning app label.
func (m *Model) AppLabel() string { return m.appLabel }

// Name returns the class-style model name.
func (m *Model) Name() string { return m.name }

// Label returns the qualified "app.Model" reference.
func (m *Model) Label() string { return m.appLabel + "." + m.name }

// TableBase returns the snake-case table base name.
func (m *Model) TableBase() string { return ToSnake(m.name) }

// Fields returns the fields in declaration order.
func (m *Model) Fields() []NamedField { return m.fields }

// Get looks up a field by name.
func (m *Model) Get(name string) (*Field, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// PK returns the primary key field and its name.
func (m *Model) PK() (string, *Field) { return m.pkName, m.byName[m.pkName] }

// SearchFields returns declared search metadata, or the text-typed fields
// when none was declared.
func (m *Model) SearchFields() []string {
	if len(m.searchFields) > 0 {
		return m.searchFields
	}
	var names []string
	for _, nf := range m.fields {
		if nf.Field.IsPrimaryKey() {
			continue
		}
		switch nf.Field.Kind() {
		case KindChar, KindText:
			names = append(names, nf.Name)
		}
	}
	return names
}

// StateMap returns the per-field canonical descriptions used as the diff
// baseline in migration hash blocks.
func (m *Model) StateMap() map[string]string {
	out := make(map[string]string, len(m.fields))
	for _, nf := range m.fields {
		out[nf.Name] = nf.Field.Describe()
	}
	return out
}

// Registry is a process-wide index of models keyed by qualified label.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

var defaultRegistry = &Registry{models: make(map[string]*Model)}

// Register adds a model to the default registry, replacing any previous
// registration under the same label.
func Register(m *Model) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.models[m.Label()] = m
}

// Lookup finds a registered model by qualified label.
func Lookup(label string) (*Model, bool) {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	m, ok := defaultRegistry.models[label]
	return m, ok
}

// RegisteredApps returns the sorted app labels that have registered models.
func RegisteredApps() []string {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range defaultRegistry.models {
		if !seen[m.appLabel] {
			seen[m.appLabel] = true
			out = append(out, m.appLabel)
		}
	}
	sort.Strings(out)
	return out
}

// Registered returns all registered models for an app label.
func Registered(appLabel string) []*Model {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	var out []*Model
	for _, m := range defaultRegistry.models {
		if m.appLabel == appLabel {
			out = append(out, m)
		}
	}
	return out
}
