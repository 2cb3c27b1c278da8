package main

import (
	"log/slog"

	"crdtstore/internal/config"
	"crdtstore/internal/discovery"
)

// buildDiscoverySource dispatches a loaded Config to the concrete
// discovery.Source backend it names. There is no membership consensus
// to dispatch here, since the scheme itself is an external input this
// node never votes on — it just needs to know which collaborator to
// listen to.
func buildDiscoverySource(cfg config.Config, logger *slog.Logger) (discovery.Source, error) {
	return discovery.NewSourceFromConfig(cfg.Discovery, cfg.Node.ID, cfg.Cluster.Buckets, logger)
}
