package cluster

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/partition"
	"crdtstore/internal/wire"
)

// openResult pairs a successfully opened per-peer source (or take
// session) with the peer-id it came from, so group-liveness counting
// can attribute successes to the right group.
type openResult struct {
	id     string
	src    crdt.Source
	ack    func() error // non-nil only for Take
	cancel func() error // non-nil only for Take
}

// fanOpen opens open(peer) against every live replica in parallel,
// returning only the ones that succeeded. It never itself fails the
// whole read — read-validity is judged afterward, per group, by the
// caller (a per-group threshold, not an all-or-nothing gate).
func (s *Storage) fanOpen(open func(wire.NodeStore) (openResult, error)) (*partition.Scheme, []openResult, error) {
	scheme, peers, err := s.snapshot()
	if err != nil {
		return nil, nil, err
	}
	liveIDs := scheme.LiveReplicaSet()

	var mu sync.Mutex
	var results []openResult
	var g errgroup.Group
	for _, id := range liveIDs {
		p, ok := peers[id]
		if !ok {
			continue
		}
		g.Go(func() error {
			r, err := open(p)
			if err != nil {
				s.logger.Debug("replica unresponsive for read", "peer", id, "error", err)
				return nil // unresponsiveness is not fatal here; counted below
			}
			r.id = id
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // fanOpen's open() callback never itself returns an error
	return scheme, results, nil
}

// checkReadValid judges read-validity: a read is valid iff, for every
// active group, the number of responsive replicas (present in results)
// meets that group's read threshold.
func checkReadValid(scheme *partition.Scheme, results []openResult) error {
	responsive := make(map[string]bool, len(results))
	for _, r := range results {
		responsive[r.id] = true
	}
	for _, grp := range scheme.GroupLiveness() {
		count := 0
		for _, id := range grp.Replicas {
			if responsive[id] {
				count++
			}
		}
		if count < grp.ReadThreshold {
			return fmt.Errorf("cluster: group %q has %d responsive replicas, needs %d: %w", grp.Name, count, grp.ReadThreshold, partition.ErrIncompleteCluster)
		}
	}
	return nil
}

// reducerSource adapts crdt.MergeReducer into the plain crdt.Source this
// package returns, so callers don't need to know a merge is happening
// underneath.
type reducerSource struct {
	reducer *crdt.MergeReducer
}

func (r *reducerSource) Next() (crdt.Entry, bool, error) { return r.reducer.Next() }

// Download is the cluster read path: open download(since) on every live
// replica, check read-validity per group, then reduce the surviving
// streams with a k-way merge keyed by K, combining equal keys via
// crdt.Codec.Combine — the same reducer chunk download and the WAL
// drainer already use.
func (s *Storage) Download(since uint64) (crdt.Source, error) {
	scheme, results, err := s.fanOpen(func(p wire.NodeStore) (openResult, error) {
		src, err := p.Download(since)
		return openResult{src: src}, err
	})
	if err != nil {
		return nil, err
	}
	if err := checkReadValid(scheme, results); err != nil {
		return nil, err
	}
	sources := make([]crdt.Source, len(results))
	for i, r := range results {
		sources[i] = r.src
	}
	reducer, err := crdt.NewMergeReducer(s.codec, sources)
	if err != nil {
		return nil, fmt.Errorf("cluster: prime merge reducer: %w", err)
	}
	return &reducerSource{reducer: reducer}, nil
}

// clusterTakeSession fans Ack out to every replica's own TakeSession.
// A replica failing before its TakeAck simply keeps its data
// (at-least-once) — Ack here reports the first error it sees but
// still attempts every replica rather than stopping at the first
// failure, since each replica's commit is independent.
type clusterTakeSession struct {
	reducerSource
	sessions []openResult
}

func (c *clusterTakeSession) Ack() error {
	var firstErr error
	for _, r := range c.sessions {
		if err := r.ack(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cluster: ack %s: %w", r.id, err)
		}
	}
	return firstErr
}

// Cancel abandons every replica's take; each keeps its data and
// releases its locks.
func (c *clusterTakeSession) Cancel() error {
	var firstErr error
	for _, r := range c.sessions {
		if err := r.cancel(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cluster: cancel %s: %w", r.id, err)
		}
	}
	return firstErr
}

var _ chunk.TakeSession = (*clusterTakeSession)(nil)

// Take is the cluster read path for the destructive Take operation:
// same fan-out and read-validity check as Download(0), plus a combined
// Ack that commits every replica's chunk-deletion half.
func (s *Storage) Take() (chunk.TakeSession, error) {
	scheme, results, err := s.fanOpen(func(p wire.NodeStore) (openResult, error) {
		session, err := p.Take()
		if err != nil {
			return openResult{}, err
		}
		return openResult{src: session, ack: session.Ack, cancel: session.Cancel}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkReadValid(scheme, results); err != nil {
		// The replicas that did open a take are holding locks; let them go
		// before reporting the incomplete cluster.
		for _, r := range results {
			r.cancel()
		}
		return nil, err
	}
	sources := make([]crdt.Source, len(results))
	for i, r := range results {
		sources[i] = r.src
	}
	reducer, err := crdt.NewMergeReducer(s.codec, sources)
	if err != nil {
		for _, r := range results {
			r.cancel()
		}
		return nil, fmt.Errorf("cluster: prime merge reducer: %w", err)
	}
	return &clusterTakeSession{reducerSource: reducerSource{reducer: reducer}, sessions: results}, nil
}

// Ping reports whether at least one live replica is reachable. It is a
// coarser liveness check than a single node's Ping: Cluster Storage has
// no single "are we up" answer beyond "can we reach anything".
func (s *Storage) Ping(ctx context.Context) error {
	scheme, peers, err := s.snapshot()
	if err != nil {
		return err
	}
	for _, id := range scheme.LiveReplicaSet() {
		p, ok := peers[id]
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("cluster: %w", partition.ErrIncompleteCluster)
}

var _ wire.NodeStore = (*Storage)(nil)
