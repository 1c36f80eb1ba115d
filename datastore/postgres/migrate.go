package postgres

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/remind101/migrate"

	"github.com/rocky-linux/apollo/datastore/postgres/migrations"
)

// RunMigrations applies every not-yet-applied schema migration,
// grounded on libvuln/opts.go's Opts.migrations: parse the connection
// string into a pgx config, register it under the "pgx" database/sql
// driver name, and hand the resulting *sql.DB to remind101/migrate.
func RunMigrations(connString string) error {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("postgres: parsing migration connection string: %w", err)
	}
	db, err := sql.Open("pgx", stdlib.RegisterConnConfig(cfg))
	if err != nil {
		return fmt.Errorf("postgres: opening migration connection: %w", err)
	}
	defer db.Close()

	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return fmt.Errorf("postgres: running migrations: %w", err)
	}
	return nil
}
