package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"truxe.io/internal/migrate"
	"truxe.io/internal/store/pg"
)

type migrateFlags struct {
	dsn     string
	seeds   string
	timeout time.Duration
}

func newMigrateCmd() *cobra.Command {
	var f migrateFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply, roll back or inspect the schema migrations embedded in the binary.

Examples:
  authctl migrate up
  authctl migrate status
  authctl migrate seed --seeds ./seeds`,
	}
	cmd.PersistentFlags().StringVar(&f.dsn, "dsn", "", "PostgreSQL DSN (defaults to TRUXE_PG_DSN)")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Deadline for the whole operation")

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Apply seed files not applied yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.seeds == "" {
				return errors.New("--seeds is required")
			}
			return withManager(cmd, f, func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Seed(ctx)
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", name)
				}
				return err
			})
		},
	}
	seed.Flags().StringVar(&f.seeds, "seeds", "", "Directory of seed .sql files")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, f, func(ctx context.Context, m *migrate.Manager) error {
					applied, err := m.Up(ctx)
					for _, name := range applied {
						fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
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
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, f, func(ctx context.Context, m *migrate.Manager) error {
					name, err := m.Down(ctx)
					if errors.Is(err, migrate.ErrNothingApplied) {
						fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, f, func(ctx context.Context, m *migrate.Manager) error {
					history, err := m.Status(ctx)
					if err != nil {
						return err
					}
					pending, err := m.Pending(ctx)
					if err != nil {
						return err
					}
					for _, item := range history {
						fmt.Fprintf(cmd.OutOrStdout(), "applied  %s\n", item)
					}
					for _, name := range pending {
						fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", name)
					}
					return nil
				})
			},
		},
		seed,
	)
	return cmd
}

func withManager(cmd *cobra.Command, f migrateFlags, fn func(context.Context, *migrate.Manager) error) error {
	dsn := f.dsn
	if dsn == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dsn = cfg.DatabaseDSN
	}
	if dsn == "" {
		return errors.New("missing DSN: provide --dsn or TRUXE_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	st, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	var opts []migrate.Option
	if f.seeds != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(f.seeds)))
	}
	return fn(ctx, migrate.NewManager(st.DB(), nil, opts...))
}
