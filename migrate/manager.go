package migrate

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/forwardcompute/neutronapi/internal/debug"
	"github.com/forwardcompute/neutronapi/migrate/operations"
	"github.com/forwardcompute/neutronapi/schema"
)

// RenameResolver decides whether an add/delete pair with identical field
// descriptions is really a rename. Keeping the decision behind an interface
// keeps the diff core deterministic and testable without simulated input.
type RenameResolver interface {
	ConfirmRename(modelName, oldName, newName, description string) (bool, error)
}

// DeferResolver never confirms a rename; candidates fall through to
// independent add+remove operations. It is the default because the manager
// must never silently guess.
type DeferResolver struct{}

// ConfirmRename implements RenameResolver.
func (DeferResolver) ConfirmRename(string, string, string, string) (bool, error) {
	return false, nil
}

// AutoAcceptResolver confirms every unambiguous candidate pair, for
// non-interactive tooling that trusts the description match.
type AutoAcceptResolver struct{}

// ConfirmRename implements RenameResolver.
func (AutoAcceptResolver) ConfirmRename(string, string, string, string) (bool, error) {
	return true, nil
}

// Manager diffs the live model registry against the latest recorded hash
// state and writes sequentially numbered migration files.
type Manager struct {
	fs       afero.Fs
	baseDir  string
	resolver RenameResolver
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFs substitutes the filesystem, typically an afero memory fs in tests.
func WithFs(fs afero.Fs) ManagerOption { return func(m *Manager) { m.fs = fs } }

// WithResolver substitutes the rename resolver.
func WithResolver(r RenameResolver) ManagerOption { return func(m *Manager) { m.resolver = r } }

// NewManager returns a manager rooted at baseDir, where each app owns a
// {app}/migrations directory.
func NewManager(baseDir string, opts ...ManagerOption) *Manager {
	m := &Manager{fs: afero.NewOsFs(), baseDir: baseDir, resolver: DeferResolver{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Makemigrations diffs models against the latest recorded state for the app
// and, when anything changed, writes the next migration file and returns its
// operations. It returns nil when current and recorded states are identical.
// With clean set, the current state is treated as entirely new.
func (m *Manager) Makemigrations(appLabel string, models []*schema.Model, clean bool) ([]operations.Operation, error) {
	current := make(HashState, len(models))
	byName := make(map[string]*schema.Model, len(models))
	for _, model := range models {
		current[model.Name()] = model.StateMap()
		byName[model.Name()] = model
	}

	previous := HashState{}
	if !clean {
		prev, err := m.latestState(appLabel)
		if err != nil {
			return nil, err
		}
		previous = prev
	}

	if statesEqual(current, previous) {
		return nil, nil
	}

	ops, err := m.diff(appLabel, current, previous, byName)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	if err := m.writeMigration(appLabel, ops, current); err != nil {
		return nil, err
	}
	return ops, nil
}

// LatestState exposes the most recent surviving hash block for diagnostics.
func (m *Manager) LatestState(appLabel string) (HashState, error) {
	return m.latestState(appLabel)
}

// latestState loads the hash block of the highest-numbered parseable
// migration file. Missing lower sequence numbers do not matter: correctness
// of the generated delta depends only on the most recent surviving hash.
// Corrupt files are skipped with a warning, not fatal to discovery.
func (m *Manager) latestState(appLabel string) (HashState, error) {
	names, err := listMigrationFiles(m.fs, m.baseDir, appLabel)
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(m.baseDir, appLabel, migrationsDirName, names[i])
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return nil, err
		}
		mig, err := DecodeMigration(names[i], data)
		if err != nil {
			debug.Warn("skipping unparseable migration file", "app", appLabel, "file", names[i], "error", err)
			continue
		}
		if mig.Hash == nil {
			return HashState{}, nil
		}
		return mig.Hash, nil
	}
	return HashState{}, nil
}

func (m *Manager) diff(appLabel string, current, previous HashState, byName map[string]*schema.Model) ([]operations.Operation, error) {
	var ops []operations.Operation

	for _, name := range sortedKeys(current) {
		if _, existed := previous[name]; existed {
			continue
		}
		model := byName[name]
		ops = append(ops, &operations.CreateModel{
			Model:        appLabel + "." + name,
			Fields:       operations.FieldsToSpecs(model.Fields()),
			SearchFields: model.SearchFields(),
		})
	}

	for _, name := range sortedKeys(previous) {
		if _, exists := current[name]; exists {
			continue
		}
		specs, err := specsFromState(previous[name])
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		ops = append(ops, &operations.DeleteModel{
			Model:  appLabel + "." + name,
			Fields: specs,
		})
	}

	for _, name := range sortedKeys(current) {
		prevFields, existed := previous[name]
		if !existed {
			continue
		}
		modelOps, err := m.diffFields(appLabel, name, current[name], prevFields, byName[name])
		if err != nil {
			return nil, err
		}
		ops = append(ops, modelOps...)
	}
	return ops, nil
}

// diffFields computes the field delta for one model present in both states.
func (m *Manager) diffFields(appLabel, modelName string, current, previous map[string]string, model *schema.Model) ([]operations.Operation, error) {
	ref := appLabel + "." + modelName

	var added, deleted, changed []string
	for name := range current {
		if _, ok := previous[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range previous {
		if _, ok := current[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	for name, desc := range current {
		if prevDesc, ok := previous[name]; ok && prevDesc != desc {
			changed = append(changed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(deleted)
	sort.Strings(changed)

	renames := map[string]string{}
	if len(added) > 0 && len(deleted) > 0 && len(added) == len(deleted) {
		var err error
		renames, err = m.detectRenames(modelName, added, deleted, current, previous)
		if err != nil {
			return nil, err
		}
	}

	var ops []operations.Operation
	claimed := map[string]bool{}
	for _, old := range sortedKeys2(renames) {
		ops = append(ops, &operations.RenameField{Model: ref, OldName: old, NewName: renames[old]})
		claimed[renames[old]] = true
	}
	for _, name := range added {
		if claimed[name] {
			continue
		}
		f, ok := model.Get(name)
		if !ok {
			return nil, fmt.Errorf("model %s: field %s missing from live model", modelName, name)
		}
		ops = append(ops, &operations.AddField{Model: ref, Name: name, Spec: f.Spec()})
	}
	for _, name := range deleted {
		if _, renamed := renames[name]; renamed {
			continue
		}
		f, err := schema.ParseDescription(previous[name])
		if err != nil {
			return nil, fmt.Errorf("model %s field %s: %w", modelName, name, err)
		}
		ops = append(ops, &operations.RemoveField{Model: ref, Name: name, Spec: f.Spec()})
	}
	// A description change is an implicit alter, modeled as remove+add of
	// the same name.
	for _, name := range changed {
		old, err := schema.ParseDescription(previous[name])
		if err != nil {
			return nil, fmt.Errorf("model %s field %s: %w", modelName, name, err)
		}
		f, ok := model.Get(name)
		if !ok {
			return nil, fmt.Errorf("model %s: field %s missing from live model", modelName, name)
		}
		ops = append(ops,
			&operations.RemoveField{Model: ref, Name: name, Spec: old.Spec()},
			&operations.AddField{Model: ref, Name: name, Spec: f.Spec()},
		)
	}
	return ops, nil
}

// detectRenames pairs deleted fields with added fields whose canonical
// descriptions match exactly, consulting the resolver per candidate pair.
// Pairing walks deleted names in sorted order and only proposes a pair when
// exactly one unclaimed added field matches; ambiguous candidates are left
// as independent add+remove, never guessed.
func (m *Manager) detectRenames(modelName string, added, deleted []string, current, previous map[string]string) (map[string]string, error) {
	renames := map[string]string{}
	claimed := map[string]bool{}
	for _, old := range deleted {
		var matches []string
		for _, candidate := range added {
			if !claimed[candidate] && current[candidate] == previous[old] {
				matches = append(matches, candidate)
			}
		}
		if len(matches) != 1 {
			continue
		}
		ok, err := m.resolver.ConfirmRename(modelName, old, matches[0], previous[old])
		if err != nil {
			return nil, err
		}
		if ok {
			renames[old] = matches[0]
			claimed[matches[0]] = true
		}
	}
	return renames, nil
}

// writeMigration persists the next sequentially numbered migration file,
// embedding the new state as its hash block.
func (m *Manager) writeMigration(appLabel string, ops []operations.Operation, state HashState) error {
	names, err := listMigrationFiles(m.fs, m.baseDir, appLabel)
	if err != nil {
		return err
	}
	seq := 1
	if len(names) > 0 {
		last, _ := DecodeMigrationName(names[len(names)-1])
		seq = last + 1
	}
	name := fmt.Sprintf("%04d_auto", seq)
	if seq == 1 {
		name = "0001_initial"
	}

	mig := &Migration{AppLabel: appLabel, Name: name, Operations: ops, Hash: state}
	data, err := EncodeMigration(mig)
	if err != nil {
		return err
	}
	dir := filepath.Join(m.baseDir, appLabel, migrationsDirName)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".json")
	if err := afero.WriteFile(m.fs, path, data, 0o644); err != nil {
		return err
	}
	debug.Info("wrote migration", "app", appLabel, "file", name+".json", "operations", len(ops))
	return nil
}

// DecodeMigrationName splits a migration file name into its sequence number
// and the remaining stem.
func DecodeMigrationName(fileName string) (int, string) {
	match := filePattern.FindStringSubmatch(fileName)
	if match == nil {
		return 0, fileName
	}
	seq, _ := strconv.Atoi(match[1])
	return seq, strings.TrimSuffix(fileName, ".json")[5:]
}

func statesEqual(a, b HashState) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func sortedKeys(m HashState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys2(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// specsFromState reconstructs ordered field specs from a model's recorded
// descriptions, sorted by field name for determinism.
func specsFromState(fields map[string]string) ([]operations.NamedSpec, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]operations.NamedSpec, 0, len(names))
	for _, name := range names {
		f, err := schema.ParseDescription(fields[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out = append(out, operations.NamedSpec{Name: name, Spec: f.Spec()})
	}
	return out, nil
}
