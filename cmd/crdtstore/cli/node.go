package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// newNodeCmd builds "node" and its sole child "node start".
func newNodeCmd(startNode StartNodeFunc, logger *slog.Logger) *cobra.Command {
	node := &cobra.Command{
		Use:   "node",
		Short: "Run or inspect this node",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the node: wire server, WAL drain, background consolidation, and cluster discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return startNode(ctx, cfg, logger)
		},
	}

	node.AddCommand(start)
	return node
}
