// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

// Package store manages the PostgreSQL schema and connection pool.
package store

import (
	"cmp"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

const schemaDir = "migrations"

// upFilePattern matches NNNNNN_name.up.sql.
var upFilePattern = regexp.MustCompile(`^(\d{6})_(\w+)\.up\.sql$`)

// Migration is one step of the membership schema.
type Migration struct {
	Version uint
	Name    string
}

// String returns the file stem, e.g. "000002_tokens".
func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

// SchemaStatus describes where a database stands against the embedded
// migrations.
type SchemaStatus struct {
	Version uint
	Dirty   bool
	Applied []Migration
	Pending []Migration
}

// Latest reports whether no migration is pending.
func (s SchemaStatus) Latest() bool {
	return len(s.Pending) == 0
}

var (
	catalogOnce sync.Once
	catalog     []Migration
	catalogErr  error
)

// Migrations returns the embedded migrations in version order. The caller
// owns the returned slice.
func Migrations() ([]Migration, error) {
	catalogOnce.Do(func() {
		catalog, catalogErr = readCatalog(schemaFS)
	})
	if catalogErr != nil {
		return nil, catalogErr
	}
	return slices.Clone(catalog), nil
}

func readCatalog(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, schemaDir)
	if err != nil {
		return nil, oops.Code("SCHEMA_CATALOG_FAILED").With("dir", schemaDir).Wrap(err)
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		match := upFilePattern.FindStringSubmatch(name)
		if match == nil {
			slog.Warn("skipping migration with unexpected file name",
				"filename", name,
				"expected_format", "NNNNNN_name.up.sql")
			continue
		}
		v, err := strconv.ParseUint(match[1], 10, 32)
		if err != nil {
			return nil, oops.Code("SCHEMA_CATALOG_FAILED").With("filename", name).Wrap(err)
		}
		out = append(out, Migration{Version: uint(v), Name: match[2]})
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// engine is the subset of *migrate.Migrate the Migrator drives.
type engine interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

// Migrator applies the embedded membership schema to a PostgreSQL database.
type Migrator struct {
	engine engine
}

// NewMigrator opens a migrator for databaseURL. postgres:// and
// postgresql:// URLs are accepted alongside the pgx5:// scheme.
func NewMigrator(databaseURL string) (*Migrator, error) {
	source, err := iofs.New(schemaFS, schemaDir)
	if err != nil {
		return nil, oops.Code("SCHEMA_SOURCE_FAILED").Wrap(err)
	}

	e, err := migrate.NewWithSourceInstance("iofs", source, driverURL(databaseURL))
	if err != nil {
		_ = source.Close() //nolint:errcheck // init error takes precedence
		return nil, oops.Code("SCHEMA_INIT_FAILED").Wrap(err)
	}
	return &Migrator{engine: e}, nil
}

// driverURL rewrites a PostgreSQL URL to the scheme the pgx/v5 driver
// registers under.
func driverURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(databaseURL, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}

// Apply runs up to steps pending migrations, or all of them when steps is
// zero. An up-to-date schema is not an error.
func (m *Migrator) Apply(steps int) error {
	if steps < 0 {
		return oops.Code("INVALID_STEPS").Errorf("steps must be non-negative, got %d", steps)
	}
	run := m.engine.Up
	if steps > 0 {
		run = func() error { return m.engine.Steps(steps) }
	}
	return schemaError("SCHEMA_APPLY_FAILED", steps, run())
}

// Rollback reverts up to steps applied migrations, or all of them when steps
// is zero. Rolling back everything drops the membership tables and their data.
func (m *Migrator) Rollback(steps int) error {
	if steps < 0 {
		return oops.Code("INVALID_STEPS").Errorf("steps must be non-negative, got %d", steps)
	}
	run := m.engine.Down
	if steps > 0 {
		run = func() error { return m.engine.Steps(-steps) }
	}
	return schemaError("SCHEMA_ROLLBACK_FAILED", steps, run())
}

// schemaError maps an engine result onto code. ErrNoChange is success and a
// dirty database gets its own code so the operator knows to force a version.
func schemaError(code string, steps int, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return oops.Code("SCHEMA_DIRTY").
			With("version", dirty.Version).
			Hint("fix the schema by hand, then run migrate force").
			Wrap(err)
	}
	return oops.Code(code).With("steps", steps).Wrap(err)
}

// Status reports the recorded schema version and splits the embedded
// migrations into applied and pending. A database that was never migrated
// is at version zero.
func (m *Migrator) Status() (SchemaStatus, error) {
	version, dirty, err := m.engine.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		version, dirty, err = 0, false, nil
	}
	if err != nil {
		return SchemaStatus{}, oops.Code("SCHEMA_VERSION_FAILED").Wrap(err)
	}

	all, err := Migrations()
	if err != nil {
		return SchemaStatus{}, err
	}
	status := SchemaStatus{Version: version, Dirty: dirty}
	for _, mig := range all {
		if mig.Version <= version {
			status.Applied = append(status.Applied, mig)
		} else {
			status.Pending = append(status.Pending, mig)
		}
	}
	return status, nil
}

// Force records version as current and clears the dirty flag without running
// any migration. It is the recovery path after a failed migration was fixed
// by hand; a wrong version makes later runs skip or repeat migrations.
func (m *Migrator) Force(version int) error {
	if version < 0 {
		return oops.Code("INVALID_VERSION").Errorf("version must be non-negative, got %d", version)
	}
	if err := m.engine.Force(version); err != nil {
		return oops.Code("SCHEMA_FORCE_FAILED").With("version", version).Wrap(err)
	}
	return nil
}

// Close releases the migration source and the database connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.engine.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return oops.Code("SCHEMA_CLOSE_FAILED").
			With("source_failed", srcErr != nil).
			With("database_failed", dbErr != nil).
			Wrap(err)
	}
	return nil
}
