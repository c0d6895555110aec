package operations

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forwardcompute/neutronapi/provider"
	"github.com/forwardcompute/neutronapi/schema"
)

func openDB(t *testing.T) (*sql.DB, provider.Provider) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db, provider.NewSQLite(false)
}

func createPost(t *testing.T, ctx context.Context, p provider.Provider, db *sql.DB) *CreateModel {
	t.Helper()
	model := schema.New("blog", "Post").
		Field("title", schema.Char(200)).
		MustBuild()
	op := &CreateModel{Model: "blog.Post", Fields: FieldsToSpecs(model.Fields())}
	require.NoError(t, op.Apply(ctx, "blog", p, db))
	return op
}

func TestCreateModelApplyRevert(t *testing.T) {
	ctx := context.Background()
	db, p := openDB(t)
	op := createPost(t, ctx, p, db)

	exists, err := p.TableExists(ctx, db, "blog", "post")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, op.Revert(ctx, "blog", p, db))
	exists, err = p.TableExists(ctx, db, "blog", "post")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFieldOperations(t *testing.T) {
	ctx := context.Background()
	db, p := openDB(t)
	createPost(t, ctx, p, db)

	add := &AddField{Model: "blog.Post", Name: "views", Spec: schema.Int().Nullable().Spec()}
	require.NoError(t, add.Apply(ctx, "blog", p, db))
	ok, err := p.ColumnExists(ctx, db, "blog", "post", "views")
	require.NoError(t, err)
	assert.True(t, ok)

	rename := &RenameField{Model: "blog.Post", OldName: "views", NewName: "hits"}
	require.NoError(t, rename.Apply(ctx, "blog", p, db))
	ok, err = p.ColumnExists(ctx, db, "blog", "post", "hits")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rename.Revert(ctx, "blog", p, db))
	remove := &RemoveField{Model: "blog.Post", Name: "views", Spec: schema.Int().Nullable().Spec()}
	require.NoError(t, remove.Apply(ctx, "blog", p, db))
	ok, err = p.ColumnExists(ctx, db, "blog", "post", "views")
	require.NoError(t, err)
	assert.False(t, ok)

	// Revert restores the column definition, not its data.
	require.NoError(t, remove.Revert(ctx, "blog", p, db))
	ok, err = p.ColumnExists(ctx, db, "blog", "post", "views")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenameModel(t *testing.T) {
	ctx := context.Background()
	db, p := openDB(t)
	createPost(t, ctx, p, db)

	op := &RenameModel{OldModel: "blog.Post", NewModel: "blog.Article"}
	require.NoError(t, op.Apply(ctx, "blog", p, db))

	exists, err := p.TableExists(ctx, db, "blog", "article")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, op.Revert(ctx, "blog", p, db))
	exists, err = p.TableExists(ctx, db, "blog", "post")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUnqualifiedModelUsesFallbackApp(t *testing.T) {
	ctx := context.Background()
	db, p := openDB(t)

	op := &CreateModel{Model: "Post", Fields: []NamedSpec{
		{Name: "id", Spec: schema.Char(0).PrimaryKey().Spec()},
	}}
	require.NoError(t, op.Apply(ctx, "blog", p, db))

	exists, err := p.TableExists(ctx, db, "blog", "post")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCodecRoundTrip(t *testing.T) {
	ops := []Operation{
		&CreateModel{Model: "blog.Post", Fields: []NamedSpec{
			{Name: "title", Spec: schema.Char(200).Spec()},
		}, SearchFields: []string{"title"}},
		&DeleteModel{Model: "blog.Draft"},
		&AddField{Model: "blog.Post", Name: "views", Spec: schema.Int().Spec()},
		&RemoveField{Model: "blog.Post", Name: "old", Spec: schema.Text().Spec()},
		&RenameField{Model: "blog.Post", OldName: "a", NewName: "b"},
		&RenameModel{OldModel: "blog.Post", NewModel: "blog.Article"},
	}

	raws, err := Encode(ops)
	require.NoError(t, err)
	decoded, err := Decode(raws)
	require.NoError(t, err)
	require.Len(t, decoded, len(ops))
	assert.Equal(t, ops, decoded)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]json.RawMessage{json.RawMessage(`{"type":"explode","op":{}}`)})
	assert.Error(t, err)
}
