package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"crdtstore/internal/chunk/file"
	"crdtstore/internal/crdt"
)

// newCleanupCmd triggers one CleanupIrrelevant pass against a stopped
// node's chunk-store directory, dropping any key whose merged state has
// fully resolved to a tombstone.
func newCleanupCmd(codec crdt.Codec, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <store-dir>",
		Short: "Drop fully-tombstoned entries from a chunk store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := storeDirFlag(args)
			if err != nil {
				return err
			}
			mgr, err := file.New(file.Config{Dir: dir}, codec, logger)
			if err != nil {
				return fmt.Errorf("open chunk store %s: %w", dir, err)
			}
			defer mgr.Close()

			before := mgr.Stats()
			if err := mgr.CleanupIrrelevant(); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			after := mgr.Stats()

			p := newPrinter("kv")
			p.kv([][2]string{
				{"entries before", fmt.Sprint(before.TotalEntries)},
				{"entries after", fmt.Sprint(after.TotalEntries)},
			})
			return nil
		},
	}
}
