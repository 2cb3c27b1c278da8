package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"crdtstore/internal/auth"
	"crdtstore/internal/cluster"
	"crdtstore/internal/crdt"
	"crdtstore/internal/discovery"
	"crdtstore/internal/repartition"
)

// newRepartitionCmd drains a named source partition and re-uploads its
// content through the cluster write path, so it lands wherever the
// current scheme now says it belongs. It
// connects to the cluster as an unnamed observer — an id not in any
// scheme's candidate list, so every operation routes over the wire to a
// real peer rather than ever taking the local shortcut.
func newRepartitionCmd(codec crdt.Codec, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "repartition <partition-id>",
		Short: "Drain a partition and re-upload its content through the current scheme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID := args[0]

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var tokens *auth.TokenService
			if cfg.Node.AuthSecret != "" {
				secret, err := base64.StdEncoding.DecodeString(cfg.Node.AuthSecret)
				if err != nil {
					return fmt.Errorf("decode node auth secret: %w", err)
				}
				tokens = auth.NewTokenService(secret, time.Hour)
			}

			observerID := "cli-observer-" + uuid.Must(uuid.NewV7()).String()
			store := cluster.New(observerID, nil, codec, tokens, cfg.Net, logger)

			source, err := discovery.NewSourceFromConfig(cfg.Discovery, observerID, cfg.Cluster.Buckets, logger)
			if err != nil {
				return fmt.Errorf("build discovery source: %w", err)
			}
			sch, err := source.Next(context.Background())
			if err != nil {
				return fmt.Errorf("fetch current scheme: %w", err)
			}
			if err := store.ApplyScheme(sch); err != nil {
				return fmt.Errorf("apply scheme: %w", err)
			}
			defer store.Close()

			r := repartition.New(store, logger)
			if err := r.Repartition(sourceID); err != nil {
				return fmt.Errorf("repartition %s: %w", sourceID, err)
			}

			p := newPrinter("kv")
			p.kv([][2]string{{"repartitioned", sourceID}})
			return nil
		},
	}
}
