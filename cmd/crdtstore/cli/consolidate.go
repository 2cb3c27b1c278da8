package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"crdtstore/internal/chunk/file"
	"crdtstore/internal/crdt"
)

// newConsolidateCmd triggers a single consolidation pass against a
// stopped node's chunk-store directory directly, without going through
// a running wire server — there is no administrative RPC surface to
// trigger it remotely.
func newConsolidateCmd(codec crdt.Codec, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <store-dir>",
		Short: "Run one consolidation pass over a chunk store",
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
			if err := mgr.Consolidate(); err != nil {
				return fmt.Errorf("consolidate: %w", err)
			}
			after := mgr.Stats()

			p := newPrinter("kv")
			p.kv([][2]string{
				{"chunks before", fmt.Sprint(before.ChunkCount)},
				{"chunks after", fmt.Sprint(after.ChunkCount)},
				{"entries after", fmt.Sprint(after.TotalEntries)},
			})
			return nil
		},
	}
}
