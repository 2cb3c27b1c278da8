// Package partition implements the rendezvous-hashing partition
// scheme: it turns a set of partition groups — each a named
// replication domain with a candidate partition-id universe, a
// replication factor, and a liveness requirement — plus a live-node
// predicate, into an immutable Scheme that answers two questions: which
// partition-ids replicate a given key (Shard), and whether the cluster
// currently has enough live replicas to accept writes at all
// (WriteValid).
//
// A Scheme is rebuilt, never mutated, on every discovery tick —
// in-flight operations keep using the Scheme snapshot they started with
// even as a newer one replaces it.
package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ErrIncompleteCluster is returned when a Scheme cannot name enough
// live replicas to satisfy a write.
var ErrIncompleteCluster = errors.New("partition: incomplete cluster")

// Group is one partition group: a named replication domain over a
// candidate set of partition-ids (the universe of nodes eligible to
// hold this group's data — not necessarily all currently alive).
type Group struct {
	Name          string   `json:"name" msgpack:"name"`
	Candidates    []string `json:"candidates" msgpack:"candidates"`
	Replication   int      `json:"replication" msgpack:"replication"`
	MinActive     int      `json:"minActive" msgpack:"minActive"`
	ReadThreshold int      `json:"readThreshold" msgpack:"readThreshold"`
	Active        bool     `json:"active" msgpack:"active"`
}

// GroupReplicas is one group's resolved replica set for a specific key,
// reported alongside the read threshold the caller must meet for that
// group to count as read-valid.
type GroupReplicas struct {
	Name          string
	Replicas      []string
	ReadThreshold int
}

// resolvedGroup is a Group with its per-bucket replica table baked in
// against a liveness snapshot taken at construction time.
type resolvedGroup struct {
	Group
	aliveCount int
	aliveIDs   []string // the group's candidates that were live at construction, sorted
	table      [][]string // index: bucket -> ordered replica partition-ids, len <= Replication
}

// Scheme is an immutable rendezvous-hashing routing table built from a
// set of active partition groups and a liveness snapshot.
type Scheme struct {
	buckets int
	groups  []resolvedGroup
}

// h hashes a key into the 32-bit bucket space.
func h(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

// g is the pseudo-random 64-bit per-(partition-id, bucket) weight used
// to rank candidates for a bucket.
func g(partitionID string, bucket int) uint64 {
	d := xxhash.New()
	d.WriteString(partitionID)
	var bbuf [8]byte
	binary.BigEndian.PutUint64(bbuf[:], uint64(bucket))
	d.Write(bbuf[:])
	return d.Sum64()
}

// NewScheme builds an immutable Scheme. buckets must be a power of two.
// alive reports whether a given partition-id is currently considered
// live; it is consulted once per candidate, here at construction, not
// later — a Scheme never re-checks liveness after it is built.
func NewScheme(buckets int, groups []Group, alive func(partitionID string) bool) (*Scheme, error) {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		return nil, fmt.Errorf("partition: bucket count must be a positive power of two, got %d", buckets)
	}
	s := &Scheme{buckets: buckets}
	for _, grp := range groups {
		if !grp.Active {
			continue
		}
		s.groups = append(s.groups, buildGroupTable(grp, buckets, alive))
	}
	return s, nil
}

func buildGroupTable(grp Group, buckets int, alive func(string) bool) resolvedGroup {
	aliveSet := make(map[string]bool, len(grp.Candidates))
	for _, c := range grp.Candidates {
		if alive(c) {
			aliveSet[c] = true
		}
	}

	type scored struct {
		id    string
		score uint64
	}

	table := make([][]string, buckets)
	for b := 0; b < buckets; b++ {
		ranked := make([]scored, 0, len(aliveSet))
		for id := range aliveSet {
			ranked = append(ranked, scored{id: id, score: g(id, b)})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return ranked[i].score > ranked[j].score
			}
			return ranked[i].id < ranked[j].id // deterministic tiebreak
		})
		n := grp.Replication
		if n > len(ranked) {
			n = len(ranked)
		}
		reps := make([]string, n)
		for i := 0; i < n; i++ {
			reps[i] = ranked[i].id
		}
		table[b] = reps
	}

	aliveIDs := make([]string, 0, len(aliveSet))
	for id := range aliveSet {
		aliveIDs = append(aliveIDs, id)
	}
	sort.Strings(aliveIDs)

	return resolvedGroup{Group: grp, aliveCount: len(aliveSet), aliveIDs: aliveIDs, table: table}
}

func (s *Scheme) bucketFor(key []byte) int {
	return int(h(key) % uint32(s.buckets))
}

// WriteValid reports whether every active group currently has at least
// MinActive live candidates. The scheme's sharder is usable only when
// this holds.
func (s *Scheme) WriteValid() bool {
	for _, grp := range s.groups {
		if grp.aliveCount < grp.MinActive {
			return false
		}
	}
	return true
}

// Shard returns the deduplicated union, across every active group, of
// the partition-ids that should receive a write for key. It fails with
// ErrIncompleteCluster if the scheme is not write-valid or names no
// replicas at all for key's bucket.
func (s *Scheme) Shard(key []byte) ([]string, error) {
	if !s.WriteValid() {
		return nil, ErrIncompleteCluster
	}
	b := s.bucketFor(key)
	seen := make(map[string]bool)
	var out []string
	for _, grp := range s.groups {
		for _, id := range grp.table[b] {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrIncompleteCluster
	}
	return out, nil
}

// ReplicasByGroup returns, per active group, the ordered replica set
// selected for key's bucket and that group's read threshold — the
// shape Cluster Storage's read path needs to judge read-validity
// independently per group before merging their streams.
func (s *Scheme) ReplicasByGroup(key []byte) []GroupReplicas {
	b := s.bucketFor(key)
	out := make([]GroupReplicas, 0, len(s.groups))
	for _, grp := range s.groups {
		reps := append([]string(nil), grp.table[b]...)
		out = append(out, GroupReplicas{Name: grp.Name, Replicas: reps, ReadThreshold: grp.ReadThreshold})
	}
	return out
}

// PartitionIDs returns the deduplicated union of every active group's
// candidate universe (alive or not) — the set Cluster Storage's
// connection pool should know about, so it can keep a cached
// connection warm even to a candidate that is momentarily dead.
func (s *Scheme) PartitionIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, grp := range s.groups {
		for _, id := range grp.Candidates {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Buckets reports the bucket count this scheme was built with.
func (s *Scheme) Buckets() int { return s.buckets }

// LiveReplicaSet returns the deduplicated union, across every active
// group, of the candidates that were alive when this Scheme was built.
// Cluster Storage opens an upload/download stream to every id in this
// set up front, since any given key's Shard() may route to any subset
// of it and streams must be open before the first entry is seen.
func (s *Scheme) LiveReplicaSet() []string {
	seen := make(map[string]bool)
	var out []string
	for _, grp := range s.groups {
		for _, id := range grp.aliveIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// GroupLiveness reports, per active group, which of its candidates were
// alive at construction time and the read threshold that group imposes.
// Cluster Storage's read path uses this to judge read-validity
// independently per group — every group must have at least its
// threshold of responsive replicas — instead of a single cluster-wide
// quorum count.
func (s *Scheme) GroupLiveness() []GroupReplicas {
	out := make([]GroupReplicas, 0, len(s.groups))
	for _, grp := range s.groups {
		out = append(out, GroupReplicas{
			Name:          grp.Name,
			Replicas:      append([]string(nil), grp.aliveIDs...),
			ReadThreshold: grp.ReadThreshold,
		})
	}
	return out
}
