// Package cli assembles the crdtstore operator surface — start the
// node, trigger consolidation, trigger cleanup, trigger repartition,
// inspect the partition scheme — as a cobra command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"crdtstore/internal/config"
	"crdtstore/internal/crdt"
)

// RuntimeError marks a failure that happened after the node was already
// serving traffic, as opposed to one encountered while starting up.
// main() maps it to exit code 2; every other error maps to exit code 1.
type RuntimeError struct{ Err error }

func (e *RuntimeError) Error() string { return e.Err.Error() }
func (e *RuntimeError) Unwrap() error { return e.Err }

// StartNodeFunc boots a node from a loaded config and runs until ctx is
// cancelled or an unrecoverable error occurs. Passed in from main so
// this package stays free of the concrete storage/wire/discovery wiring
// it dispatches to.
type StartNodeFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger) error

// Root builds the crdtstore root command.
func Root(version string, codec crdt.Codec, startNode StartNodeFunc, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "crdtstore",
		Short:         "Distributed CRDT storage engine node and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "data/config.json", "path to the node configuration file")

	root.AddCommand(
		newNodeCmd(startNode, logger),
		newConsolidateCmd(codec, logger),
		newCleanupCmd(codec, logger),
		newRepartitionCmd(codec, logger),
		newSchemeCmd(logger),
		newVersionCmd(version),
	)
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadConfig reads the --config file, falling back to Default() when it
// doesn't exist yet, matching config.Store.Load's own contract.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	store := config.NewStore(path)
	return store.Load()
}

// storeDirFlag resolves a positional store-dir argument (consolidate,
// cleanup) to a cleaned (not absolutized) chunk-store directory path.
func storeDirFlag(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one <store-dir> argument")
	}
	return filepath.Clean(args[0]), nil
}
