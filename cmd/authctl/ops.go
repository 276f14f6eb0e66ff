package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"truxe.io/internal/app"
)

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	core, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(cmd.Context(), core)
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "rotate",
			Short: "Generate a new signing key and retire the current one",
			Long: `Generate a new signing key. The previous key stays in the published JWKS
for the configured grace period so outstanding tokens keep verifying.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, core *app.App) error {
					if core.PG == nil {
						return errors.New("rotation needs persistent storage: set TRUXE_PG_DSN")
					}
					if core.Config.Keys.PrivatePEM != "" {
						return errors.New("signing key is pinned by TRUXE_KEYS_PRIVATE_PEM")
					}
					k, err := core.Keys.Rotate(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "rotated to %s (%s)\n", k.ID, k.Algorithm)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the published key ids",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, core *app.App) error {
					for _, k := range core.Keys.PublicJWKS().Keys {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k.KeyID, k.Algorithm)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain stored sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete expired and revoked sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, core *app.App) error {
					n, err := core.Sessions.CleanupExpired(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "revoke-user USER_ID",
			Short: "Revoke every active session of a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, core *app.App) error {
					n, err := core.Sessions.RevokeAllSessions(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}
