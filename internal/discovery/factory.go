package discovery

import (
	"fmt"
	"log/slog"

	"crdtstore/internal/config"
	"crdtstore/internal/partition"
)

// NewSourceFromConfig selects and constructs the Source backend named by
// cfg.Kind, wrapping it in a CachedSource (unless the kind is static or
// cfg.CachePath is empty) so a restarting node has a last-known-good
// scheme before its first tick. Shared by the node's
// own startup path and by
// CLI commands (like repartition) that need a one-off scheme snapshot
// without running a full node. buckets is only consulted for the static
// backend, to build a standalone single-node scheme.
func NewSourceFromConfig(cfg config.DiscoveryConfig, nodeID string, buckets int, logger *slog.Logger) (Source, error) {
	var upstream Source
	switch cfg.Kind {
	case config.DiscoveryFile:
		src, err := NewFileSource(cfg.FilePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open file discovery source %s: %w", cfg.FilePath, err)
		}
		upstream = src
	case config.DiscoveryMQTT:
		src, err := NewMQTTSource(cfg.MQTTBroker, cfg.MQTTTopic, nodeID, logger)
		if err != nil {
			return nil, fmt.Errorf("open mqtt discovery source %s: %w", cfg.MQTTBroker, err)
		}
		upstream = src
	case config.DiscoveryKafka:
		src, err := NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
		if err != nil {
			return nil, fmt.Errorf("open kafka discovery source %v: %w", cfg.KafkaBrokers, err)
		}
		upstream = src
	case config.DiscoveryStatic:
		upstream = NewStaticSource(SingleNodeScheme(buckets, nodeID))
	default:
		return nil, fmt.Errorf("unknown discovery source kind %q", cfg.Kind)
	}

	if cfg.Kind == config.DiscoveryStatic || cfg.CachePath == "" {
		return upstream, nil
	}
	cached, err := NewCachedSource(upstream, cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open discovery cache %s: %w", cfg.CachePath, err)
	}
	return cached, nil
}

// SingleNodeScheme builds a scheme naming id as the sole candidate of a
// single, always-active group — used for standalone operation with no
// external discovery collaborator.
func SingleNodeScheme(buckets int, id string) Scheme {
	return Scheme{
		Version: 1,
		Buckets: buckets,
		Groups: []partition.Group{{
			Name:          "standalone",
			Candidates:    []string{id},
			Replication:   1,
			MinActive:     1,
			ReadThreshold: 1,
			Active:        true,
		}},
		Addresses: map[string]string{},
	}
}
