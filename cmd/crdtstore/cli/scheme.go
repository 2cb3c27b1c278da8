package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"crdtstore/internal/discovery"
	"crdtstore/internal/partition"
)

// newSchemeCmd fetches the current Partition Scheme from the node's
// configured discovery collaborator and reports each group's liveness,
// without needing a running node.
func newSchemeCmd(logger *slog.Logger) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "scheme",
		Short: "Inspect the current partition scheme",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current partition scheme and per-group liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			source, err := discovery.NewSourceFromConfig(cfg.Discovery, "cli-scheme-show", cfg.Cluster.Buckets, logger)
			if err != nil {
				return fmt.Errorf("build discovery source: %w", err)
			}
			sch, err := source.Next(context.Background())
			if err != nil {
				return fmt.Errorf("fetch current scheme: %w", err)
			}

			alive := func(id string) bool {
				_, ok := sch.Addresses[id]
				return ok
			}
			resolved, err := partition.NewScheme(sch.Buckets, sch.Groups, alive)
			if err != nil {
				return fmt.Errorf("resolve scheme: %w", err)
			}

			p := newPrinter(format)
			if format == "json" {
				return p.json(sch)
			}

			header := []string{"GROUP", "REPLICAS", "READ THRESHOLD"}
			var rows [][]string
			for _, gl := range resolved.GroupLiveness() {
				rows = append(rows, []string{gl.Name, fmt.Sprint(gl.Replicas), fmt.Sprint(gl.ReadThreshold)})
			}
			p.table(header, rows)
			p.kv([][2]string{
				{"version", fmt.Sprint(sch.Version)},
				{"buckets", fmt.Sprint(sch.Buckets)},
				{"write-valid", fmt.Sprint(resolved.WriteValid())},
			})
			return nil
		},
	}
	show.Flags().StringVar(&format, "format", "table", "output format: table or json")

	cmd.AddCommand(show)
	return cmd
}
