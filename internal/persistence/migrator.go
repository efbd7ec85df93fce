package persistence

import (
	"SlotLock/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migrator applies the numbered SQL scripts under a directory.
// Scripts come in pairs: {version}_{name}.up.sql and {version}_{name}.down.sql.
// Applied versions are tracked in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:     db,
		dir:    migrationsDir,
		logger: observability.NewLogger("migrator"),
	}
}

// MigrationStatus is one up-migration and whether it has been applied.
type MigrationStatus struct {
	Version string
	File    string
	Applied bool
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.Status(ctx)
	if err != nil {
		return err
	}

	for _, st := range pending {
		if st.Applied {
			continue
		}
		err := m.runScript(ctx, st.File, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				st.Version, st.File)
			return err
		})
		if err != nil {
			return err
		}
		m.logger.Info().Str("version", st.Version).Str("file", st.File).Msg("migration applied")
	}
	return nil
}

// Down reverts the most recently applied migration. It is a no-op when
// nothing has been applied.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m.logger.Info().Msg("nothing to roll back")
		return nil
	case err != nil:
		return fmt.Errorf("latest applied migration: %w", err)
	}

	downFile := downFor(upFile)
	err = m.runScript(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("version", version).Str("file", downFile).Msg("migration rolled back")
	return nil
}

// Status lists every up-migration in version order with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	files, err := m.ValidateFiles()
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := versionOf(f)
		out = append(out, MigrationStatus{Version: v, File: f, Applied: applied[v]})
	}
	return out, nil
}

// ValidateFiles returns the up-migrations in order after checking that each
// has a matching down file and that no version appears twice.
func (m *Migrator) ValidateFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var ups []string
	downs := make(map[string]bool)
	for _, e := range entries {
		switch name := e.Name(); {
		case e.IsDir():
		case strings.HasSuffix(name, upSuffix):
			ups = append(ups, name)
		case strings.HasSuffix(name, downSuffix):
			downs[name] = true
		}
	}
	slices.Sort(ups)

	owner := make(map[string]string, len(ups))
	for _, f := range ups {
		v := versionOf(f)
		if prev, dup := owner[v]; dup {
			return nil, fmt.Errorf("migration version %s used by %s and %s", v, prev, f)
		}
		owner[v] = f
		if !downs[downFor(f)] {
			return nil, fmt.Errorf("migration %s has no down file", f)
		}
	}
	return ups, nil
}

// runScript executes one file and the bookkeeping statement atomically.
func (m *Migrator) runScript(ctx context.Context, file string, record func(*sql.Tx) error) error {
	script, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// versionOf returns the numeric prefix: "000001_event_log.up.sql" -> "000001".
func versionOf(file string) string {
	v, _, _ := strings.Cut(file, "_")
	return v
}

func downFor(upFile string) string {
	return strings.TrimSuffix(upFile, upSuffix) + downSuffix
}
