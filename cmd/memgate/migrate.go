package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/memgate/internal/config"
	"github.com/velmie/memgate/mysql"
	"github.com/velmie/memgate/postgres"
)

func newMigrateCmd(a *app) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the outbox and audit tables",
		Long: `Create or update the outbox and audit tables for the configured dialect.

PostgreSQL uses the embedded golang-migrate migrations (--down reverts them).
MySQL applies the idempotent CREATE TABLE IF NOT EXISTS schema; the DSN must
allow multiStatements=true.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.Database
			switch cfg.Dialect {
			case config.DialectPostgres:
				if down {
					return postgres.MigrateDown(cfg.DSN)
				}
				if err := postgres.Migrate(cfg.DSN); err != nil {
					return err
				}
			case config.DialectMySQL:
				if down {
					return usageError{msg: "--down is only supported for postgres"}
				}
				schema, err := mysql.Schema(cfg.OutboxTable, cfg.AuditTable)
				if err != nil {
					return err
				}
				db, err := sql.Open("mysql", cfg.DSN)
				if err != nil {
					return fmt.Errorf("open mysql: %w", err)
				}
				defer db.Close()
				if _, err := db.ExecContext(cmd.Context(), schema); err != nil {
					return fmt.Errorf("apply mysql schema: %w", err)
				}
			default:
				a.logger.Info("nothing to migrate", "dialect", cfg.Dialect)

				return nil
			}

			a.logger.Info("migrations applied", "dialect", cfg.Dialect)

			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Revert all migrations (postgres only)")

	return cmd
}

func newSchemaCmd() *cobra.Command {
	var outboxTable, auditTable string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the MySQL DDL for the outbox and audit tables",
		// Printing DDL needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := mysql.Schema(outboxTable, auditTable)
			if err != nil {
				return usageError{msg: err.Error()}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), schema)

			return err
		},
	}
	cmd.Flags().StringVar(&outboxTable, "outbox-table", "memgate_outbox", "Outbox table name")
	cmd.Flags().StringVar(&auditTable, "audit-table", "memgate_audit", "Audit table name")

	return cmd
}
