package provider

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forwardcompute/neutronapi/schema"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func postFields() []schema.NamedField {
	return []schema.NamedField{
		{Name: "id", Field: schema.Char(0).PrimaryKey().Unique()},
		{Name: "title", Field: schema.Char(200)},
		{Name: "views", Field: schema.Int().Default(0)},
		{Name: "meta", Field: schema.JSON().Nullable()},
	}
}

func TestSQLiteCreateTable(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	p := NewSQLite(false)

	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), nil))

	exists, err := p.TableExists(ctx, db, "blog", "post")
	require.NoError(t, err)
	assert.True(t, exists)

	for _, col := range []string{"id", "title", "views", "meta"} {
		ok, err := p.ColumnExists(ctx, db, "blog", "post", col)
		require.NoError(t, err)
		assert.True(t, ok, col)
	}

	// Create-if-absent: re-running the same create never raises.
	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), nil))
}

// hasFTS5 reports whether the linked sqlite build carries the fts5 module.
func hasFTS5(t *testing.T, db *sql.DB) bool {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		"CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(x)")
	if err != nil {
		return false
	}
	_, err = db.ExecContext(context.Background(), "DROP TABLE fts_probe")
	require.NoError(t, err)
	return true
}

func TestSQLiteFTSProvisioning(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	if !hasFTS5(t, db) {
		t.Skip("sqlite build lacks fts5")
	}

	withFTS := NewSQLite(true)
	require.NoError(t, withFTS.CreateTable(ctx, db, "blog", "post", postFields(), []string{"title"}))
	ok, err := withFTS.rawTableExists(ctx, db, "blog_post_fts")
	require.NoError(t, err)
	assert.True(t, ok)

	// Without the option no search artifact appears.
	plain := NewSQLite(false)
	require.NoError(t, plain.CreateTable(ctx, db, "blog", "page", postFields(), []string{"title"}))
	ok, err = plain.rawTableExists(ctx, db, "blog_page_fts")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteDropTableRemovesSearchArtifact(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	if !hasFTS5(t, db) {
		t.Skip("sqlite build lacks fts5")
	}
	p := NewSQLite(true)

	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), []string{"title"}))
	require.NoError(t, p.DropTable(ctx, db, "blog", "post"))

	for _, name := range []string{"blog_post", "blog_post_fts"} {
		ok, err := p.rawTableExists(ctx, db, name)
		require.NoError(t, err)
		assert.False(t, ok, name)
	}
}

func TestSQLiteColumnOperations(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	p := NewSQLite(false)
	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), nil))

	require.NoError(t, p.AddColumn(ctx, db, "blog", "post", "slug", schema.Char(64).Nullable()))
	ok, err := p.ColumnExists(ctx, db, "blog", "post", "slug")
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-running the same add is a no-op, not a duplicate-column error.
	require.NoError(t, p.AddColumn(ctx, db, "blog", "post", "slug", schema.Char(64).Nullable()))

	require.NoError(t, p.RenameColumn(ctx, db, "blog", "post", "slug", "permalink"))
	ok, err = p.ColumnExists(ctx, db, "blog", "post", "permalink")
	require.NoError(t, err)
	assert.True(t, ok)

	// A rename that already happened is skipped on re-run.
	require.NoError(t, p.RenameColumn(ctx, db, "blog", "post", "slug", "permalink"))

	require.NoError(t, p.DropColumn(ctx, db, "blog", "post", "permalink"))
	ok, err = p.ColumnExists(ctx, db, "blog", "post", "permalink")
	require.NoError(t, err)
	assert.False(t, ok)

	// Dropping a column that is already gone is a no-op too.
	require.NoError(t, p.DropColumn(ctx, db, "blog", "post", "permalink"))
}

func TestSQLiteSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	p := NewSQLite(false)

	err := p.AddColumn(ctx, db, "blog", "missing", "x", schema.Int())
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	// A rename where neither the old nor the new column exists never happened
	// and cannot be skipped.
	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), nil))
	err = p.RenameColumn(ctx, db, "blog", "post", "missing", "still_missing")
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "missing", serr.Column)
}

func TestSQLiteMapError(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	p := NewSQLite(false)
	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), nil))

	_, err := db.ExecContext(ctx, `INSERT INTO "blog_post" (id, title, views) VALUES ('a', 't', 0)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO "blog_post" (id, title, views) VALUES ('a', 't', 0)`)
	require.Error(t, err)
	assert.ErrorIs(t, p.MapError(err), ErrUniqueConstraint)

	_, err = db.ExecContext(ctx, `INSERT INTO "blog_post" (id, title, views) VALUES ('b', NULL, 0)`)
	require.Error(t, err)
	assert.ErrorIs(t, p.MapError(err), ErrNullConstraint)
}

func TestSQLiteBuildSearchFallsBackToLike(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	p := NewSQLite(false)
	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), nil))

	clause, err := p.BuildSearch(ctx, db, "blog", "post", []string{"title"}, "Needle")
	require.NoError(t, err)
	assert.Empty(t, clause.Join)
	assert.Empty(t, clause.RankExpr)
	assert.Contains(t, clause.Predicate, "LIKE")
	assert.Equal(t, []any{"%needle%"}, clause.Args)
}

func TestSQLiteBuildSearchUsesFTSWhenPresent(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	if !hasFTS5(t, db) {
		t.Skip("sqlite build lacks fts5")
	}
	p := NewSQLite(true)
	require.NoError(t, p.CreateTable(ctx, db, "blog", "post", postFields(), []string{"title"}))

	clause, err := p.BuildSearch(ctx, db, "blog", "post", []string{"title"}, "needle")
	require.NoError(t, err)
	assert.Empty(t, clause.Join)
	assert.Contains(t, clause.Predicate, "blog_post_fts")
	assert.Contains(t, clause.Predicate, "MATCH")
	assert.Contains(t, clause.RankExpr, "rank")
	assert.False(t, clause.RankDesc)
}

func TestPostgresRebind(t *testing.T) {
	p := NewPostgres()
	assert.Equal(t, `SELECT * FROM "t" WHERE a = $1 AND b = $2`,
		p.Rebind(`SELECT * FROM "t" WHERE a = ? AND b = ?`))
}

func TestPostgresJSONExpressions(t *testing.T) {
	p := NewPostgres()
	assert.Equal(t, `"meta"->'a'->>'b'`, p.JSONExtract("meta", []string{"a", "b"}))
	assert.Equal(t, `"meta" = ?::jsonb`, p.JSONEquals("meta"))
	assert.Equal(t, "true", p.JSONValue(true))
	assert.Equal(t, "7", p.JSONValue(7))

	exprs := p.JSONOrderExprs("meta", []string{"score"})
	require.Len(t, exprs, 2)
	assert.Contains(t, exprs[0], "jsonb_typeof")
}

func TestDefaultLiteral(t *testing.T) {
	assert.Equal(t, "'x'", defaultLiteral(schema.DialectSQLite, "x"))
	assert.Equal(t, "1", defaultLiteral(schema.DialectSQLite, true))
	assert.Equal(t, "TRUE", defaultLiteral(schema.DialectPostgres, true))
	assert.Equal(t, "5", defaultLiteral(schema.DialectSQLite, 5))
}
