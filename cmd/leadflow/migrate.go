package main

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/abhogle/leadops-os-sub001/internal/config"
	"github.com/abhogle/leadops-os-sub001/internal/persistence"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the SQL backend",
		Long: `Apply pending schema migrations. The SQL backends also migrate on startup;
run this ahead of a deploy to keep schema changes out of the start path.
Redis, MongoDB and the in-memory backend have no schema.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			switch a.cfg.Backend.Driver {
			case config.DriverSQLite:
				db, err := sql.Open("sqlite", sqliteDSN(a.cfg.Backend.SQLite.Path))
				if err != nil {
					return err
				}
				defer db.Close()
				db.SetMaxOpenConns(1)
				if err := persistence.MigrateSQLite(ctx, db); err != nil {
					return err
				}
			case config.DriverPostgres:
				pool, err := pgxpool.New(ctx, a.cfg.Backend.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("failed to create connection pool: %w", err)
				}
				defer pool.Close()
				if err := persistence.MigratePostgres(ctx, pool); err != nil {
					return err
				}
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "backend %s has no schema to migrate\n", a.cfg.Backend.Driver)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", a.cfg.Backend.Driver)
			return nil
		},
	}
}
