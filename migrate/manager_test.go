package migrate

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forwardcompute/neutronapi/migrate/operations"
	"github.com/forwardcompute/neutronapi/schema"
)

func postModel(t *testing.T) *schema.Model {
	t.Helper()
	return schema.New("blog", "Post").
		Field("title", schema.Char(200)).
		Field("body", schema.Text().Nullable()).
		MustBuild()
}

func readMigration(t *testing.T, fs afero.Fs, baseDir, app, fileName string) *Migration {
	t.Helper()
	data, err := afero.ReadFile(fs, filepath.Join(baseDir, app, "migrations", fileName))
	require.NoError(t, err)
	mig, err := DecodeMigration(fileName, data)
	require.NoError(t, err)
	return mig
}

func TestMakemigrationsInitial(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))

	ops, err := m.Makemigrations("blog", []*schema.Model{postModel(t)}, false)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "Create model blog.Post", ops[0].Describe())

	mig := readMigration(t, fs, "testdata", "blog", "0001_initial.json")
	assert.Equal(t, "0001_initial", mig.Name)
	assert.Equal(t, 1, mig.Sequence())
	require.Contains(t, mig.Hash, "Post")
	assert.Contains(t, mig.Hash["Post"], "title")
	assert.Contains(t, mig.Hash["Post"], "id")
}

func TestMakemigrationsIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))
	model := postModel(t)

	_, err := m.Makemigrations("blog", []*schema.Model{model}, false)
	require.NoError(t, err)

	ops, err := m.Makemigrations("blog", []*schema.Model{model}, false)
	require.NoError(t, err)
	assert.Nil(t, ops)

	exists, err := afero.Exists(fs, "testdata/blog/migrations/0002_auto.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMakemigrationsAddField(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))

	_, err := m.Makemigrations("blog", []*schema.Model{postModel(t)}, false)
	require.NoError(t, err)

	grown := schema.New("blog", "Post").
		Field("title", schema.Char(200)).
		Field("body", schema.Text().Nullable()).
		Field("views", schema.Int().Default(0)).
		MustBuild()

	ops, err := m.Makemigrations("blog", []*schema.Model{grown}, false)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	add, ok := ops[0].(*operations.AddField)
	require.True(t, ok)
	assert.Equal(t, "views", add.Name)

	mig := readMigration(t, fs, "testdata", "blog", "0002_auto.json")
	assert.Equal(t, 2, mig.Sequence())
}

func TestMakemigrationsDeleteModelFromHashAlone(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))

	_, err := m.Makemigrations("blog", []*schema.Model{postModel(t)}, false)
	require.NoError(t, err)

	// The model's source is gone; the recorded hash block must be enough to
	// synthesize a reversible delete.
	ops, err := m.Makemigrations("blog", nil, false)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	del, ok := ops[0].(*operations.DeleteModel)
	require.True(t, ok)
	assert.Equal(t, "blog.Post", del.Model)
	assert.NotEmpty(t, del.Fields)
}

func TestMakemigrationsAlterIsRemoveThenAdd(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))

	_, err := m.Makemigrations("blog", []*schema.Model{postModel(t)}, false)
	require.NoError(t, err)

	altered := schema.New("blog", "Post").
		Field("title", schema.Char(500)).
		Field("body", schema.Text().Nullable()).
		MustBuild()

	ops, err := m.Makemigrations("blog", []*schema.Model{altered}, false)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	rm, ok := ops[0].(*operations.RemoveField)
	require.True(t, ok)
	add, ok := ops[1].(*operations.AddField)
	require.True(t, ok)
	assert.Equal(t, "title", rm.Name)
	assert.Equal(t, "title", add.Name)
	assert.Equal(t, 500, add.Spec.MaxLength)
}

func TestMakemigrationsRenameDeferredByDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))

	_, err := m.Makemigrations("blog", []*schema.Model{postModel(t)}, false)
	require.NoError(t, err)

	renamed := schema.New("blog", "Post").
		Field("headline", schema.Char(200)).
		Field("body", schema.Text().Nullable()).
		MustBuild()

	ops, err := m.Makemigrations("blog", []*schema.Model{renamed}, false)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	_, isAdd := ops[0].(*operations.AddField)
	_, isRemove := ops[1].(*operations.RemoveField)
	assert.True(t, isAdd)
	assert.True(t, isRemove)
}

func TestMakemigrationsRenameAccepted(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs), WithResolver(AutoAcceptResolver{}))

	_, err := m.Makemigrations("blog", []*schema.Model{postModel(t)}, false)
	require.NoError(t, err)

	renamed := schema.New("blog", "Post").
		Field("headline", schema.Char(200)).
		Field("body", schema.Text().Nullable()).
		MustBuild()

	ops, err := m.Makemigrations("blog", []*schema.Model{renamed}, false)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	rename, ok := ops[0].(*operations.RenameField)
	require.True(t, ok)
	assert.Equal(t, "title", rename.OldName)
	assert.Equal(t, "headline", rename.NewName)
}

func TestMakemigrationsAmbiguousRenameNotGuessed(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs), WithResolver(AutoAcceptResolver{}))

	base := schema.New("blog", "Post").
		Field("title", schema.Char(200)).
		Field("subtitle", schema.Char(200)).
		MustBuild()
	_, err := m.Makemigrations("blog", []*schema.Model{base}, false)
	require.NoError(t, err)

	// Two same-shaped fields disappear and two appear; no pairing is safe.
	swapped := schema.New("blog", "Post").
		Field("headline", schema.Char(200)).
		Field("strapline", schema.Char(200)).
		MustBuild()

	ops, err := m.Makemigrations("blog", []*schema.Model{swapped}, false)
	require.NoError(t, err)
	for _, op := range ops {
		_, isRename := op.(*operations.RenameField)
		assert.False(t, isRename, op.Describe())
	}
}

func TestLatestStateSurvivesGaps(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))
	model := postModel(t)

	_, err := m.Makemigrations("blog", []*schema.Model{model}, false)
	require.NoError(t, err)
	grown := schema.New("blog", "Post").
		Field("title", schema.Char(200)).
		Field("body", schema.Text().Nullable()).
		Field("views", schema.Int()).
		MustBuild()
	_, err = m.Makemigrations("blog", []*schema.Model{grown}, false)
	require.NoError(t, err)

	// Squash: earlier files get deleted; the newest hash stays authoritative.
	require.NoError(t, fs.Remove("testdata/blog/migrations/0001_initial.json"))

	ops, err := m.Makemigrations("blog", []*schema.Model{grown}, false)
	require.NoError(t, err)
	assert.Nil(t, ops)

	state, err := m.LatestState("blog")
	require.NoError(t, err)
	assert.Contains(t, state["Post"], "views")
}

func TestLatestStateSkipsCorruptFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))
	model := postModel(t)

	_, err := m.Makemigrations("blog", []*schema.Model{model}, false)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		"testdata/blog/migrations/0002_auto.json", []byte("{not json"), 0o644))

	state, err := m.LatestState("blog")
	require.NoError(t, err)
	assert.Contains(t, state, "Post")
}

func TestMakemigrationsClean(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager("testdata", WithFs(fs))
	model := postModel(t)

	_, err := m.Makemigrations("blog", []*schema.Model{model}, false)
	require.NoError(t, err)

	// clean ignores recorded state and regenerates the full schema.
	ops, err := m.Makemigrations("blog", []*schema.Model{model}, true)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "Create model blog.Post", ops[0].Describe())

	mig := readMigration(t, fs, "testdata", "blog", "0002_auto.json")
	assert.Equal(t, 2, mig.Sequence())
}

func TestDecodeMigrationName(t *testing.T) {
	seq, stem := DecodeMigrationName("0003_auto.json")
	assert.Equal(t, 3, seq)
	assert.Equal(t, "auto", stem)

	seq, _ = DecodeMigrationName("not_a_migration")
	assert.Equal(t, 0, seq)
}
