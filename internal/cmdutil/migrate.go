package cmdutil

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/relaymta/relaymta/internal/config"
)

// RunMigrations applies migrations/0001_quarantine.sql (and any later
// files in that directory) to the quarantine/dead-letter database,
// matching the teacher's cmd/mailit AutoMigrate gate.
func RunMigrations(db config.DatabaseConfig) error {
	connStr := dsnToURL(db)
	m, err := migrate.New("file://migrations", connStr)
	if err != nil {
		return fmt.Errorf("cmdutil: initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("cmdutil: running migrations: %w", err)
	}
	return nil
}

// dsnToURL converts a DatabaseConfig into a postgres:// connection URL
// suitable for golang-migrate, which doesn't accept libpq keyword DSNs.
func dsnToURL(db config.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, db.Password, db.Host, db.Port, db.DBName, db.SSLMode,
	)
}
