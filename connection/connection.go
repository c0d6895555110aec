// Package connection manages the process-wide registry of database
// connections keyed by logical alias.
package connection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	// Database drivers for the two supported engines.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forwardcompute/neutronapi/provider"
)

// DefaultAlias is the alias used when none is given.
const DefaultAlias = "default"

// Options carries engine-specific settings.
type Options struct {
	// FTS opts an embedded-engine database into full-text table
	// provisioning.
	FTS bool
}

// Settings configures one named database alias.
type Settings struct {
	Engine   string // "embedded"/"sqlite" or "client-server"/"postgres"
	Name     string
	Host     string
	Port     int
	User     string
	Password string
	Options  Options
}

// Connection wraps one database handle and its provider.
type Connection struct {
	DB       *sql.DB
	Provider provider.Provider
	Alias    string
	Settings Settings
}

// Execute runs a statement and returns the affected row count.
func (c *Connection) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.DB.ExecContext(ctx, c.Provider.Rebind(query), args...)
	if err != nil {
		return 0, c.Provider.MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FetchOne returns the first result row as a column map, or nil when the
// query matches nothing.
func (c *Connection) FetchOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := c.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchAll returns all result rows as column maps.
func (c *Connection) FetchAll(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.DB.QueryContext(ctx, c.Provider.Rebind(query), args...)
	if err != nil {
		return nil, c.Provider.MapError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Registry holds lazily-dialed connections per alias.
type Registry struct {
	mu       sync.Mutex
	settings map[string]Settings
	open     map[string]*Connection
}

var databases = &Registry{
	settings: map[string]Settings{},
	open:     map[string]*Connection{},
}

// Setup replaces the registry configuration, closing anything already open.
func Setup(settings map[string]Settings) {
	databases.mu.Lock()
	defer databases.mu.Unlock()
	for alias, c := range databases.open {
		c.DB.Close()
		delete(databases.open, alias)
	}
	databases.settings = settings
}

// Get returns the connection for an alias, dialing it on first use. The
// returned connection is shared and reused until CloseAll.
func Get(ctx context.Context, alias string) (*Connection, error) {
	databases.mu.Lock()
	defer databases.mu.Unlock()

	if c, ok := databases.open[alias]; ok {
		return c, nil
	}
	settings, ok := databases.settings[alias]
	if !ok {
		return nil, fmt.Errorf("no database configured for alias %q", alias)
	}
	c, err := dial(ctx, alias, settings)
	if err != nil {
		return nil, err
	}
	databases.open[alias] = c
	return c, nil
}

// CloseAll tears down every open connection.
func CloseAll() error {
	databases.mu.Lock()
	defer databases.mu.Unlock()
	var firstErr error
	for alias, c := range databases.open {
		if err := c.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(databases.open, alias)
	}
	return firstErr
}

func dial(ctx context.Context, alias string, s Settings) (*Connection, error) {
	switch strings.ToLower(s.Engine) {
	case "embedded", "sqlite", "sqlite3":
		db, err := sql.Open("sqlite3", s.Name)
		if err != nil {
			return nil, fmt.Errorf("open embedded database %q: %w", s.Name, err)
		}
		// A single shared handle keeps statement ordering intact and is
		// required for :memory: databases to see one another's tables.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping embedded database %q: %w", s.Name, err)
		}
		return &Connection{DB: db, Provider: provider.NewSQLite(s.Options.FTS), Alias: alias, Settings: s}, nil

	case "client-server", "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			s.Host, s.Port, s.Name, s.User, s.Password)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database %q: %w", s.Name, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database %q: %w", s.Name, err)
		}
		return &Connection{DB: db, Provider: provider.NewPostgres(), Alias: alias, Settings: s}, nil
	}
	return nil, fmt.Errorf("unknown database engine %q for alias %q", s.Engine, alias)
}
