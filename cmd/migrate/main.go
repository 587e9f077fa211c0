package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"flowbit.dev/internal/config"
	"flowbit.dev/internal/migrate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		dsn     string
		table   string
		timeout time.Duration
	)

	withManager := func(cmd *cobra.Command, fn func(ctx context.Context, m *migrate.Manager) error) error {
		if dsn == "" {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			dsn = cfg.DatabaseDSN
		}
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn, DATABASE_URL or database.dsn")
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		m, err := migrate.NewManager(db, migrate.WithMigrationsTable(table))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return fn(ctx, m)
	}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or inspect the database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "optional config file")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (overrides config)")
	root.PersistentFlags().StringVar(&table, "table", "schema_migrations", "migrations bookkeeping table")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					applied, err := m.Up(ctx)
					for _, name := range applied {
						fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
					}
					if err == nil && len(applied) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					}
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					name, err := m.Down(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					list, err := m.Status(ctx)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
					for _, s := range list {
						at := "pending"
						if s.Applied {
							at = s.AppliedAt.UTC().Format(time.RFC3339)
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Name, at)
					}
					return tw.Flush()
				})
			},
		},
	)
	return root
}
