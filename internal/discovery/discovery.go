// Package discovery defines the external collaborator that pushes
// PartitionScheme updates to Cluster Storage: an opaque Source of
// Scheme snapshots, with backends for a watched file, an MQTT topic,
// and a Kafka compacted topic, plus a durable last-known-good cache so
// a restarting node isn't scheme-less before its first tick.
package discovery

import (
	"context"
	"errors"

	"crdtstore/internal/partition"
)

// ErrClosed is returned by a Source once it has been permanently closed
// and will never produce another Scheme.
var ErrClosed = errors.New("discovery: source closed")

// Scheme is one partition-scheme snapshot pushed by Discovery: the
// partition groups (candidates, replication, threshold policy) plus the
// dial address for every candidate those groups name. Version
// distinguishes successive pushes so a cache or a log line can report
// which scheme is in force without comparing the whole structure.
type Scheme struct {
	Version   uint64            `json:"version" msgpack:"version"`
	Buckets   int               `json:"buckets" msgpack:"buckets"`
	Groups    []partition.Group `json:"groups" msgpack:"groups"`
	Addresses map[string]string `json:"addresses" msgpack:"addresses"`
}

// Source is pushed a new Scheme on every discovery tick. Next blocks
// until a new scheme is available or ctx is cancelled. A failing tick
// is the caller's concern, not the Source's: the consumer
// (internal/cluster) logs it and keeps the previous scheme in force —
// Source holds no history itself, except where CachedSource is used to
// survive a process restart before the first tick.
type Source interface {
	Next(ctx context.Context) (Scheme, error)
}
