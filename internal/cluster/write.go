package cluster

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/partition"
	"crdtstore/internal/wire"
)

// Upload opens the cluster-wide write path for Data entries: a stream
// on every live replica named by the current scheme, fanned out
// per-entry by Shard(key).
func (s *Storage) Upload() (chunk.Sink, error) {
	return s.openWriteFanout(func(p wire.NodeStore) (chunk.Sink, error) { return p.Upload() })
}

// Remove is Upload's counterpart for Tombstone entries.
func (s *Storage) Remove() (chunk.Sink, error) {
	return s.openWriteFanout(func(p wire.NodeStore) (chunk.Sink, error) { return p.Remove() })
}

// openWriteFanout opens a stream on every live replica up front (in
// parallel, via errgroup) and fails the whole operation before
// consuming any input if the scheme isn't write-valid.
func (s *Storage) openWriteFanout(open func(wire.NodeStore) (chunk.Sink, error)) (chunk.Sink, error) {
	scheme, peers, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	if !scheme.WriteValid() {
		return nil, fmt.Errorf("cluster: %w", partition.ErrIncompleteCluster)
	}
	liveIDs := scheme.LiveReplicaSet()
	if len(liveIDs) == 0 {
		return nil, fmt.Errorf("cluster: %w", partition.ErrIncompleteCluster)
	}

	var mu sync.Mutex
	sinks := make(map[string]chunk.Sink, len(liveIDs))
	var g errgroup.Group
	for _, id := range liveIDs {
		p, ok := peers[id]
		if !ok {
			continue
		}
		g.Go(func() error {
			sink, err := open(p)
			if err != nil {
				return fmt.Errorf("cluster: open stream to %s: %w", id, err)
			}
			mu.Lock()
			sinks[id] = sink
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sink := range sinks {
			sink.Abort()
		}
		return nil, err
	}
	return &splitterSink{scheme: scheme, sinks: sinks}, nil
}

// splitterSink is the streaming splitter: for each incoming entry,
// compute shard(key) and forward to the selected replicas' already-open
// sinks. Backpressure falls out naturally — Put blocks on each
// underlying sink's synchronous write in turn, so a slow or stalled
// replica stalls the whole upload rather than silently dropping behind.
type splitterSink struct {
	scheme  *partition.Scheme
	sinks   map[string]chunk.Sink
	lastKey []byte
	hasLast bool
}

func (s *splitterSink) Put(e crdt.Entry) error {
	if s.hasLast {
		if err := crdt.CheckAscending(s.lastKey, e.Key); err != nil {
			return err
		}
	}
	targets, err := s.scheme.Shard(e.Key)
	if err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	for _, id := range targets {
		sink, ok := s.sinks[id]
		if !ok {
			continue
		}
		if err := sink.Put(e); err != nil {
			return fmt.Errorf("cluster: put to %s: %w", id, err)
		}
	}
	s.lastKey, s.hasLast = e.Key, true
	return nil
}

// Close propagates end-of-stream to every opened sink in parallel and
// awaits all acks. One replica failing aborts the whole operation — the
// caller sees the error and is expected to retry, which is safe because
// the data layer's merge semantics are idempotent.
func (s *splitterSink) Close() error {
	var g errgroup.Group
	for id, sink := range s.sinks {
		g.Go(func() error {
			if err := sink.Close(); err != nil {
				return fmt.Errorf("cluster: close stream to %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *splitterSink) Abort() error {
	for _, sink := range s.sinks {
		sink.Abort()
	}
	return nil
}

var _ chunk.Sink = (*splitterSink)(nil)
