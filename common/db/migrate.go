package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lyzr/lineage/common/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrateUp applies all pending migrations against databaseURL.
// Returns nil when the schema is already at the latest version.
func MigrateUp(databaseURL string, log *logger.Logger) error {
	m, err := newMigrate(databaseURL, log)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.Info("database schema ready", "version", version, "dirty", dirty)
	return nil
}

func newMigrate(databaseURL string, log *logger.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: log}
	return m, nil
}

// pgx5URL swaps the postgres scheme for the one the pgx/v5 driver registers
func pgx5URL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}

// migrateLogger implements migrate.Logger on top of the service logger
type migrateLogger struct {
	log *logger.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug("[migrate] " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
