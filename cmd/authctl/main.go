package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"truxe.io/internal/config"
	"truxe.io/internal/obs"
)

// Version can be set during build with -ldflags
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:   "authctl",
		Short: "Operate a Truxe auth deployment",
		Long: `authctl runs maintenance tasks against the database and signing keys that
back truxe-api. Configuration is read from the same TRUXE_* environment as the server.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			obs.SetLogger(obs.NewLogger(cmd.ErrOrStderr(), logLevel))
		},
	}
	root.SetVersionTemplate(`{{printf "authctl version %s\n" .Version}}`)
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCmd(),
		newKeysCmd(),
		newSessionsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of authctl",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authctl version %s\n", version)
		},
	}
}

func loadConfig() (config.Config, error) {
	return config.Load()
}
