// Package repartition implements the Repartitioner: draining one
// partition's local content and re-uploading it through the cluster
// write path so it lands wherever the current Partition Scheme now says
// it belongs. It is a thin orchestration layer over internal/cluster's
// streaming Put/Close contract.
package repartition

import (
	"errors"
	"fmt"
	"log/slog"

	"crdtstore/internal/chunk"
	"crdtstore/internal/cluster"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

// ErrNotAlive is returned when the requested source partition-id is not
// among the scheme's currently live replicas.
var ErrNotAlive = errors.New("repartition: source partition is not alive in the current scheme")

// ErrNoOtherDestination is returned when the source is the only replica
// the scheme currently names, so repartitioning it would have nowhere to
// send its content.
var ErrNoOtherDestination = errors.New("repartition: no other destination exists to repartition into")

// Repartitioner runs the repartition operation against a cluster.Storage.
type Repartitioner struct {
	cluster *cluster.Storage
	logger  *slog.Logger
}

// New builds a Repartitioner over an already-running cluster.Storage.
func New(c *cluster.Storage, logger *slog.Logger) *Repartitioner {
	return &Repartitioner{
		cluster: c,
		logger:  logging.Default(logger).With("component", "repartition"),
	}
}

// Repartition drains sourcePartition's local content and re-uploads it
// through the cluster write path, so each entry ends up wherever the
// current scheme's shard(key) says it belongs now. If the take succeeds
// but the re-upload fails partway, the take session is never acked, so
// the source partition's data is left exactly as it was —
// at-least-once, nothing deleted on an aborted move.
func (r *Repartitioner) Repartition(sourcePartitionID string) error {
	scheme := r.cluster.Scheme()
	if scheme == nil {
		return cluster.ErrNoScheme
	}

	live := scheme.LiveReplicaSet()
	if !contains(live, sourcePartitionID) {
		return fmt.Errorf("%w: %q", ErrNotAlive, sourcePartitionID)
	}
	if !hasOtherDestination(live, sourcePartitionID) {
		return fmt.Errorf("%w: only %q is alive", ErrNoOtherDestination, sourcePartitionID)
	}

	session, err := r.cluster.TakeFrom(sourcePartitionID)
	if err != nil {
		return fmt.Errorf("repartition: take from %s: %w", sourcePartitionID, err)
	}
	sink, err := r.cluster.Upload()
	if err != nil {
		session.Cancel()
		return fmt.Errorf("repartition: open cluster upload: %w", err)
	}

	count, copyErr := streamInto(session, sink)
	if copyErr != nil {
		sink.Abort()
		session.Cancel()
		return fmt.Errorf("repartition: stream %s into cluster: %w", sourcePartitionID, copyErr)
	}
	if err := sink.Close(); err != nil {
		session.Cancel()
		return fmt.Errorf("repartition: close cluster upload: %w", err)
	}

	// Only once the re-upload has fully committed do we allow the source
	// partition to drop the content it handed us.
	if err := session.Ack(); err != nil {
		return fmt.Errorf("repartition: ack take from %s: %w", sourcePartitionID, err)
	}

	r.logger.Info("repartitioned", "source", sourcePartitionID, "entries", count)
	return nil
}

func streamInto(src crdt.Source, sink chunk.Sink) (int, error) {
	count := 0
	for {
		e, ok, err := src.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		if err := sink.Put(e); err != nil {
			return count, err
		}
		count++
	}
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func hasOtherDestination(live []string, sourceID string) bool {
	for _, id := range live {
		if id != sourceID {
			return true
		}
	}
	return false
}
