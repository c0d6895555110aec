package migrate

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/migrate/operations"
	"github.com/forwardcompute/neutronapi/provider"
	"github.com/forwardcompute/neutronapi/schema"
)

func testConn(t *testing.T) *connection.Connection {
	t.Helper()
	connection.Setup(map[string]connection.Settings{
		connection.DefaultAlias: {Engine: "embedded", Name: ":memory:"},
	})
	t.Cleanup(func() { connection.CloseAll() })
	conn, err := connection.Get(context.Background(), connection.DefaultAlias)
	require.NoError(t, err)
	return conn
}

func writeInitial(t *testing.T, fs afero.Fs) {
	t.Helper()
	m := NewManager("testdata", WithFs(fs))
	model := schema.New("blog", "Post").
		Field("title", schema.Char(200)).
		MustBuild()
	_, err := m.Makemigrations("blog", []*schema.Model{model}, false)
	require.NoError(t, err)
}

func TestMigrateAppliesAndRecords(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	fs := afero.NewMemMapFs()
	writeInitial(t, fs)

	tracker := NewTracker("testdata", WithTrackerFs(fs))
	require.NoError(t, tracker.Migrate(ctx, conn))

	exists, err := conn.Provider.TableExists(ctx, conn.DB, "blog", "post")
	require.NoError(t, err)
	assert.True(t, exists)

	record, err := tracker.GetMigrationRecord(ctx, conn, "blog", "0001_initial")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "blog", record.AppLabel)
	assert.NotEmpty(t, record.FileHash)
	assert.False(t, record.AppliedAt.IsZero())
}

func TestMigrateSkipsUnchangedFiles(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	fs := afero.NewMemMapFs()
	writeInitial(t, fs)

	tracker := NewTracker("testdata", WithTrackerFs(fs))
	require.NoError(t, tracker.Migrate(ctx, conn))
	first, err := tracker.GetMigrationRecord(ctx, conn, "blog", "0001_initial")
	require.NoError(t, err)

	require.NoError(t, tracker.Migrate(ctx, conn))
	second, err := tracker.GetMigrationRecord(ctx, conn, "blog", "0001_initial")
	require.NoError(t, err)
	assert.Equal(t, first.FileHash, second.FileHash)
	assert.Equal(t, first.AppliedAt, second.AppliedAt)
}

func TestMigrateReappliesEditedFile(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	fs := afero.NewMemMapFs()
	writeInitial(t, fs)

	tracker := NewTracker("testdata", WithTrackerFs(fs))
	require.NoError(t, tracker.Migrate(ctx, conn))
	before, err := tracker.GetMigrationRecord(ctx, conn, "blog", "0001_initial")
	require.NoError(t, err)

	// Editing an applied file changes its hash; the next run re-applies it
	// and overwrites the stored hash.
	path := "testdata/blog/migrations/0001_initial.json"
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, append(data, '\n'), 0o644))

	require.NoError(t, tracker.Migrate(ctx, conn))
	after, err := tracker.GetMigrationRecord(ctx, conn, "blog", "0001_initial")
	require.NoError(t, err)
	assert.NotEqual(t, before.FileHash, after.FileHash)
}

func TestMigrateReappliesEditedFieldMigration(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	fs := afero.NewMemMapFs()

	manager := NewManager("testdata", WithFs(fs))
	v1 := schema.New("crm", "User").
		Field("name", schema.Char(100)).
		MustBuild()
	_, err := manager.Makemigrations("crm", []*schema.Model{v1}, false)
	require.NoError(t, err)

	tracker := NewTracker("testdata", WithTrackerFs(fs))
	require.NoError(t, tracker.Migrate(ctx, conn))

	v2 := schema.New("crm", "User").
		Field("name", schema.Char(100)).
		Field("age", schema.Int().Nullable()).
		MustBuild()
	_, err = manager.Makemigrations("crm", []*schema.Model{v2}, false)
	require.NoError(t, err)
	require.NoError(t, tracker.Migrate(ctx, conn))

	before, err := tracker.GetMigrationRecord(ctx, conn, "crm", "0002_auto")
	require.NoError(t, err)
	require.NotNil(t, before)

	// Editing the applied AddField migration forces a forward re-run; the
	// column it already added must not make the second application fail.
	path := "testdata/crm/migrations/0002_auto.json"
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, append(data, '\n'), 0o644))

	require.NoError(t, tracker.Migrate(ctx, conn))
	after, err := tracker.GetMigrationRecord(ctx, conn, "crm", "0002_auto")
	require.NoError(t, err)
	assert.NotEqual(t, before.FileHash, after.FileHash)

	ok, err := conn.Provider.ColumnExists(ctx, conn.DB, "crm", "user", "age")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateAbortsOnFailure(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	fs := afero.NewMemMapFs()
	writeInitial(t, fs)

	// An alter against a table that does not exist is a schema mismatch and
	// must abort the run without recording anything for itself. The "shop"
	// app sorts after "blog", so blog still applies first.
	data, err := EncodeMigration(&Migration{
		AppLabel: "shop",
		Name:     "0001_initial",
		Operations: []operations.Operation{
			&operations.AddField{Model: "shop.Order", Name: "total", Spec: schema.Int().Spec()},
		},
		Hash: HashState{},
	})
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("testdata/shop/migrations", 0o755))
	require.NoError(t, afero.WriteFile(fs, "testdata/shop/migrations/0001_initial.json", data, 0o644))

	tracker := NewTracker("testdata", WithTrackerFs(fs))
	err = tracker.Migrate(ctx, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrSchemaMismatch)

	// The failed migration left no record; the earlier one committed.
	record, err := tracker.GetMigrationRecord(ctx, conn, "shop", "0001_initial")
	require.NoError(t, err)
	assert.Nil(t, record)
	record, err = tracker.GetMigrationRecord(ctx, conn, "blog", "0001_initial")
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestStatusStates(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	fs := afero.NewMemMapFs()
	writeInitial(t, fs)

	tracker := NewTracker("testdata", WithTrackerFs(fs))

	entries, err := tracker.Status(ctx, conn)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pending", entries[0].State)

	require.NoError(t, tracker.Migrate(ctx, conn))
	entries, err = tracker.Status(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "applied", entries[0].State)

	path := "testdata/blog/migrations/0001_initial.json"
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, append(data, '\n'), 0o644))

	entries, err = tracker.Status(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "edited", entries[0].State)
}

func TestDiscoverMigrationFilesOrdersBySequence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("testdata/blog/migrations", 0o755))
	for _, name := range []string{"0010_auto.json", "0002_auto.json", "notes.txt"} {
		require.NoError(t, afero.WriteFile(fs, "testdata/blog/migrations/"+name, []byte("{}"), 0o644))
	}

	tracker := NewTracker("testdata", WithTrackerFs(fs))
	found, err := tracker.DiscoverMigrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_auto.json", "0010_auto.json"}, found["blog"])
}
