package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/internal/debug"
)

// recordTable persists one row per applied migration file.
const recordTable = "neutron_migrations"

// Record is the persisted application state of one migration file.
type Record struct {
	AppLabel      string
	MigrationName string
	FileHash      string
	AppliedAt     time.Time
}

// Tracker applies pending migration files to a target database in order and
// records applied file hashes.
type Tracker struct {
	fs      afero.Fs
	baseDir string
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerFs substitutes the filesystem.
func WithTrackerFs(fs afero.Fs) TrackerOption { return func(t *Tracker) { t.fs = fs } }

// NewTracker returns a tracker rooted at the same baseDir layout the
// manager writes to.
func NewTracker(baseDir string, opts ...TrackerOption) *Tracker {
	t := &Tracker{fs: afero.NewOsFs(), baseDir: baseDir}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DiscoverMigrationFiles returns migration file names per app label, ordered
// by numeric prefix. It is a pure filesystem read with no side effects.
func (t *Tracker) DiscoverMigrationFiles() (map[string][]string, error) {
	apps, err := listApps(t.fs, t.baseDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(apps))
	for _, app := range apps {
		names, err := listMigrationFiles(t.fs, t.baseDir, app)
		if err != nil {
			return nil, err
		}
		out[app] = names
	}
	return out, nil
}

// Migrate applies every pending migration to the connection's database. A
// migration with no record is applied and recorded; a recorded migration
// whose file hash is unchanged is skipped; a recorded migration whose file
// was edited since application is re-applied and its stored hash overwritten
// (operations are therefore required to be safe to re-run). A failing
// migration rolls back its own transaction and aborts the rest of the run;
// migrations committed earlier in the same call remain applied.
func (t *Tracker) Migrate(ctx context.Context, conn *connection.Connection) error {
	if err := t.ensureRecordTable(ctx, conn); err != nil {
		return err
	}
	discovered, err := t.DiscoverMigrationFiles()
	if err != nil {
		return err
	}
	apps := make([]string, 0, len(discovered))
	for app := range discovered {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	for _, app := range apps {
		for _, fileName := range discovered[app] {
			if err := t.migrateFile(ctx, conn, app, fileName); err != nil {
				return fmt.Errorf("apply %s/%s: %w", app, fileName, err)
			}
		}
	}
	return nil
}

func (t *Tracker) migrateFile(ctx context.Context, conn *connection.Connection, appLabel, fileName string) error {
	path := filepath.Join(t.baseDir, appLabel, migrationsDirName, fileName)
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return err
	}
	hash := hashBytes(data)

	mig, err := DecodeMigration(fileName, data)
	if err != nil {
		return err
	}
	if mig.AppLabel == "" {
		mig.AppLabel = appLabel
	}

	record, err := t.GetMigrationRecord(ctx, conn, appLabel, mig.Name)
	if err != nil {
		return err
	}
	if record != nil && record.FileHash == hash {
		return nil
	}

	tx, err := conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, op := range mig.Operations {
		if err := op.Apply(ctx, mig.AppLabel, conn.Provider, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: %w", op.Describe(), err)
		}
	}
	if err := t.writeRecord(ctx, conn, tx, record != nil, appLabel, mig.Name, hash); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if record == nil {
		debug.Info("applied migration", "app", appLabel, "file", fileName)
	} else {
		debug.Info("re-applied edited migration", "app", appLabel, "file", fileName)
	}
	return nil
}

// StatusEntry reports the application state of one migration file.
type StatusEntry struct {
	AppLabel string
	Name     string
	// State is "pending", "applied" or "edited" (applied, but the file
	// changed since and will re-apply on the next run).
	State     string
	AppliedAt time.Time
}

// Status compares discovered migration files against the record table.
func (t *Tracker) Status(ctx context.Context, conn *connection.Connection) ([]StatusEntry, error) {
	discovered, err := t.DiscoverMigrationFiles()
	if err != nil {
		return nil, err
	}
	if err := t.ensureRecordTable(ctx, conn); err != nil {
		return nil, err
	}

	apps := make([]string, 0, len(discovered))
	for app := range discovered {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	var out []StatusEntry
	for _, app := range apps {
		for _, fileName := range discovered[app] {
			name := fileName[:len(fileName)-len(".json")]
			entry := StatusEntry{AppLabel: app, Name: name, State: "pending"}
			data, err := afero.ReadFile(t.fs, filepath.Join(t.baseDir, app, migrationsDirName, fileName))
			if err != nil {
				return nil, err
			}
			record, err := t.GetMigrationRecord(ctx, conn, app, name)
			if err != nil {
				return nil, err
			}
			if record != nil {
				entry.AppliedAt = record.AppliedAt
				entry.State = "applied"
				if record.FileHash != hashBytes(data) {
					entry.State = "edited"
				}
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// GetMigrationRecord fetches the stored record for one migration file stem,
// or nil when it was never applied.
func (t *Tracker) GetMigrationRecord(ctx context.Context, conn *connection.Connection, appLabel, name string) (*Record, error) {
	query := conn.Provider.Rebind(fmt.Sprintf(
		"SELECT app_label, migration_name, file_hash, applied_at FROM %s WHERE app_label = ? AND migration_name = ?",
		recordTable))
	row := conn.DB.QueryRowContext(ctx, query, appLabel, name)

	var rec Record
	var applied any
	if err := row.Scan(&rec.AppLabel, &rec.MigrationName, &rec.FileHash, &applied); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	switch v := applied.(type) {
	case time.Time:
		rec.AppliedAt = v
	case string:
		rec.AppliedAt, _ = time.Parse(time.RFC3339Nano, v)
	case []byte:
		rec.AppliedAt, _ = time.Parse(time.RFC3339Nano, string(v))
	}
	return &rec, nil
}

func (t *Tracker) writeRecord(ctx context.Context, conn *connection.Connection, ex interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, update bool, appLabel, name, hash string) error {
	now := time.Now().UTC()
	if update {
		query := conn.Provider.Rebind(fmt.Sprintf(
			"UPDATE %s SET file_hash = ?, applied_at = ? WHERE app_label = ? AND migration_name = ?",
			recordTable))
		_, err := ex.ExecContext(ctx, query, hash, now, appLabel, name)
		return err
	}
	query := conn.Provider.Rebind(fmt.Sprintf(
		"INSERT INTO %s (app_label, migration_name, file_hash, applied_at) VALUES (?, ?, ?, ?)",
		recordTable))
	_, err := ex.ExecContext(ctx, query, appLabel, name, hash, now)
	return err
}

func (t *Tracker) ensureRecordTable(ctx context.Context, conn *connection.Connection) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		app_label TEXT NOT NULL,
		migration_name TEXT NOT NULL,
		file_hash TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL,
		PRIMARY KEY (app_label, migration_name)
	)`, recordTable)
	_, err := conn.DB.ExecContext(ctx, stmt)
	return err
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
