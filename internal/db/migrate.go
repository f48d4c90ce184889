package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/lunabot/luna/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending embedded migrations.
func Migrate(cfg config.PostgresConfig) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateDSN(cfg))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrateDSN(cfg config.PostgresConfig) string {
	return "pgx5://" + DSN(cfg)[len("postgres://"):]
}
