package schema

// FieldSpec is the serializable form of a field descriptor, embedded in
// migration files. Generated defaults have no stable textual form and are
// not carried; they only matter on the runtime insert path.
type FieldSpec struct {
	Kind       Kind     `json:"kind"`
	MaxLength  int      `json:"max_length,omitempty"`
	Choices    []string `json:"choices,omitempty"`
	Null       bool     `json:"null,omitempty"`
	Unique     bool     `json:"unique,omitempty"`
	PrimaryKey bool     `json:"primary_key,omitempty"`
	Default    any      `json:"default,omitempty"`
}

// Spec returns the serializable form of the field.
func (f *Field) Spec() FieldSpec {
	return FieldSpec{
		Kind:       f.kind,
		MaxLength:  f.maxLength,
		Choices:    f.choices,
		Null:       f.null,
		Unique:     f.unique,
		PrimaryKey: f.primaryKey,
		Default:    f.defaultVal,
	}
}

// FromSpec reconstructs a field descriptor from its serialized form.
func FromSpec(s FieldSpec) *Field {
	return &Field{
		kind:       s.Kind,
		maxLength:  s.MaxLength,
		choices:    s.Choices,
		null:       s.Null,
		unique:     s.Unique,
		primaryKey: s.PrimaryKey,
		defaultVal: s.Default,
	}
}
