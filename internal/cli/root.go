// ABOUTME: Root cobra command for the link-relay admin CLI
// ABOUTME: Holds global flags shared by every subcommand

package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/2389/link-relay/internal/config"
	"github.com/2389/link-relay/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	Format   string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the admin CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "link-relay-admin",
		Short: "Inspect and manage a link-relay database",
		Long: `Inspect code bindings, conversation states and the delivery log of a
link-relay database, and mint bearer tokens for the notification endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", defaultDatabase(), "path to the relay SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewBindingsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewDeliveriesCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func defaultDatabase() string {
	if p := os.Getenv("LINK_RELAY_DB_PATH"); p != "" {
		return p
	}
	return config.DefaultDatabasePath
}

// openStore opens an existing database. It never creates one, so a typo in
// --db fails instead of inspecting an empty file.
func openStore(opts *RootOptions) (*store.SQLiteStore, error) {
	if opts.Database == "" || opts.Database == ":memory:" {
		return nil, NewExitError(ExitCommandError, "--db must name a database file")
	}
	if _, err := os.Stat(opts.Database); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.NewSQLiteStore(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
