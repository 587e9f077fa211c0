// Package migrate applies the embedded SQL migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var embedded embed.FS

// Status describes one migration.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager executes the embedded migrations through a goose provider.
type Manager struct {
	provider        *goose.Provider
	migrationsTable string
	fsys            fs.FS
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithFS replaces the embedded migrations (tests).
func WithFS(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: database handle is required")
	}
	m := &Manager{migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(m)
	}
	if m.fsys == nil {
		sub, err := fs.Sub(embedded, "sql")
		if err != nil {
			return nil, err
		}
		m.fsys = sub
	}

	store, err := database.NewStore(goose.DialectPostgres, m.migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("migrate: store: %w", err)
	}
	provider, err := goose.NewProvider("", db, m.fsys, goose.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("migrate: provider: %w", err)
	}
	m.provider = provider
	return m, nil
}

// Up applies all pending migrations and returns the names it ran.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	results, err := m.provider.Up(ctx)
	applied := make([]string, 0, len(results))
	for _, r := range results {
		if r.Error == nil {
			applied = append(applied, name(r.Source))
		}
	}
	if err != nil {
		return applied, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	r, err := m.provider.Down(ctx)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return "", errors.New("no migrations applied")
		}
		return "", fmt.Errorf("rollback migration: %w", err)
	}
	return name(r.Source), nil
}

// Status returns every known migration in version order.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	list, err := m.provider.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, Status{
			Version:   s.Source.Version,
			Name:      name(s.Source),
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}

// Sources lists the migration files the manager knows about.
func (m *Manager) Sources() []string {
	src := m.provider.ListSources()
	out := make([]string, 0, len(src))
	for _, s := range src {
		out = append(out, name(s))
	}
	return out
}

func name(s *goose.Source) string {
	if s == nil {
		return ""
	}
	return filepath.Base(s.Path)
}
