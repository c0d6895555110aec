// Package migrate implements the migration state-diffing engine and the
// tracker that applies numbered migration files to a database.
package migrate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/forwardcompute/neutronapi/migrate/operations"
)

// migrationsDirName is the per-app directory holding migration files.
const migrationsDirName = "migrations"

// filePattern matches migration file names: a zero-padded 4-digit sequence
// number, an underscore, and a slug.
var filePattern = regexp.MustCompile(`^(\d{4})_[A-Za-z0-9_]+\.json$`)

// HashState is the per-model canonical field description snapshot embedded
// in each migration file and used as the diff baseline.
type HashState map[string]map[string]string

// Migration is an ordered, numbered batch of operations plus the model
// state snapshot taken when it was generated. Migrations are immutable once
// written; editing the file on disk is detected by the tracker through the
// content hash, not by the manager.
type Migration struct {
	AppLabel   string
	Name       string // file stem, e.g. "0001_initial"
	Operations []operations.Operation
	Hash       HashState
}

// Sequence returns the numeric prefix of the migration name.
func (m *Migration) Sequence() int {
	n, _ := strconv.Atoi(m.Name[:4])
	return n
}

type migrationFile struct {
	AppLabel   string            `json:"app_label"`
	Operations []json.RawMessage `json:"operations"`
	Hash       HashState         `json:"hash"`
}

// EncodeMigration renders a migration into its on-disk JSON form.
func EncodeMigration(m *Migration) ([]byte, error) {
	raws, err := operations.Encode(m.Operations)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(migrationFile{
		AppLabel:   m.AppLabel,
		Operations: raws,
		Hash:       m.Hash,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// DecodeMigration parses a migration file's bytes.
func DecodeMigration(name string, data []byte) (*Migration, error) {
	var f migrationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse migration %s: %w", name, err)
	}
	ops, err := operations.Decode(f.Operations)
	if err != nil {
		return nil, fmt.Errorf("parse migration %s: %w", name, err)
	}
	return &Migration{
		AppLabel:   f.AppLabel,
		Name:       strings.TrimSuffix(name, ".json"),
		Operations: ops,
		Hash:       f.Hash,
	}, nil
}

// listMigrationFiles returns the migration file names for one app, sorted by
// numeric prefix. Files that do not match the naming contract are ignored.
func listMigrationFiles(fs afero.Fs, baseDir, appLabel string) ([]string, error) {
	dir := filepath.Join(baseDir, appLabel, migrationsDirName)
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, dir); !exists {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() || !filePattern.MatchString(info.Name()) {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		ni, _ := strconv.Atoi(names[i][:4])
		nj, _ := strconv.Atoi(names[j][:4])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
	return names, nil
}

// listApps returns the app labels that have a migrations directory under
// baseDir.
func listApps(fs afero.Fs, baseDir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, baseDir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, baseDir); !exists {
			return nil, nil
		}
		return nil, err
	}
	var apps []string
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if ok, _ := afero.DirExists(fs, filepath.Join(baseDir, info.Name(), migrationsDirName)); ok {
			apps = append(apps, info.Name())
		}
	}
	sort.Strings(apps)
	return apps, nil
}
