// Package cluster implements Cluster Storage: a storage endpoint with
// the same five-operation surface as a Local Storage Node, but fanning
// out writes and reads to remote peers over internal/wire, routed by
// the rendezvous-hashing partition.Scheme that internal/discovery keeps
// current. It never owns the peers it talks to — their lifetime tracks
// the most recent Scheme that names them.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"crdtstore/internal/auth"
	"crdtstore/internal/chunk"
	"crdtstore/internal/config"
	"crdtstore/internal/crdt"
	"crdtstore/internal/discovery"
	"crdtstore/internal/logging"
	"crdtstore/internal/partition"
	"crdtstore/internal/wire"
)

// peer is a bound (address, connection) pair so Storage can tell, on the
// next scheme update, whether a cached connection's address changed
// underneath it. A connection is reset whenever its peer's advertised
// address changes, even if the partition-id is stable — a stale socket
// to a moved node silently no-ops writes.
type peer struct {
	addr  string
	store wire.NodeStore
}

// Storage is Cluster Storage: a partition.Scheme snapshot plus a pool
// of peer connections rebuilt on every discovery tick. Membership is an
// external input — there is no consensus here, only whatever the last
// discovered scheme said.
type Storage struct {
	selfID string
	local  wire.NodeStore
	codec  crdt.Codec
	tokens *auth.TokenService
	netCfg config.NetConfig
	logger *slog.Logger

	mu     sync.Mutex
	scheme *partition.Scheme
	peers  map[string]*peer // excludes selfID
}

// New builds a Storage with no scheme yet; every operation fails with
// ErrNoScheme until the first successful ApplyScheme (typically driven
// by Watch). local is this node's own Local Storage Node, used for any
// partition-id that resolves to selfID instead of dialing ourselves
// over the wire. codec is the CRDT merge function used to reduce reads
// across replicas.
func New(selfID string, local wire.NodeStore, codec crdt.Codec, tokens *auth.TokenService, netCfg config.NetConfig, logger *slog.Logger) *Storage {
	return &Storage{
		selfID: selfID,
		local:  local,
		codec:  codec,
		tokens: tokens,
		netCfg: netCfg,
		logger: logging.Default(logger).With("component", "cluster"),
		peers:  make(map[string]*peer),
	}
}

// ErrNoScheme is returned by any operation attempted before ApplyScheme
// has succeeded at least once.
var ErrNoScheme = fmt.Errorf("cluster: no partition scheme applied yet")

// Watch runs ApplyScheme against every Scheme source yields until ctx is
// cancelled or source permanently fails. A failing tick is logged and
// the previous scheme (and peer pool) remains in force.
func (s *Storage) Watch(ctx context.Context, source discovery.Source) error {
	for {
		sch, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, discovery.ErrClosed) {
				return err
			}
			s.logger.Warn("discovery tick failed, keeping previous scheme", "error", err)
			continue
		}
		if err := s.ApplyScheme(sch); err != nil {
			s.logger.Warn("failed to apply discovered scheme, keeping previous one", "error", err, "version", sch.Version)
			continue
		}
	}
}

// ApplyScheme rebuilds the routing Scheme and the peer connection pool
// from a freshly discovered Scheme. Existing connections are kept
// as-is unless their peer's address changed; peers no longer named by
// the new scheme are closed and dropped.
func (s *Storage) ApplyScheme(sch discovery.Scheme) error {
	alive := func(id string) bool {
		if id == s.selfID {
			return true
		}
		_, ok := sch.Addresses[id]
		return ok
	}
	resolved, err := partition.NewScheme(sch.Buckets, sch.Groups, alive)
	if err != nil {
		return fmt.Errorf("cluster: build scheme: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*peer, len(sch.Addresses))
	for id, addr := range sch.Addresses {
		if id == s.selfID {
			continue
		}
		if existing, ok := s.peers[id]; ok && existing.addr == addr {
			next[id] = existing
			delete(s.peers, id)
			continue
		}
		next[id] = &peer{addr: addr, store: wire.NewClient(addr, s.selfID, s.tokens, s.netCfg, s.logger)}
	}
	// Whatever is left in s.peers is either gone from the new scheme or
	// had its address change; either way the cached connection is stale.
	for id, stale := range s.peers {
		if c, ok := stale.store.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				s.logger.Debug("error closing stale peer connection", "peer", id, "error", err)
			}
		}
	}

	s.scheme = resolved
	s.peers = next
	s.logger.Info("applied partition scheme", "version", sch.Version, "peers", len(next), "groups", len(sch.Groups))
	return nil
}

// snapshot returns the currently applied scheme and a stable view of
// the peer pool, so an in-flight operation is insulated from a
// concurrent ApplyScheme.
func (s *Storage) snapshot() (*partition.Scheme, map[string]wire.NodeStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheme == nil {
		return nil, nil, ErrNoScheme
	}
	peers := make(map[string]wire.NodeStore, len(s.peers)+1)
	for id, p := range s.peers {
		peers[id] = p.store
	}
	if s.local != nil {
		peers[s.selfID] = s.local
	}
	return s.scheme, peers, nil
}

// Scheme returns the currently applied partition.Scheme, or nil if none
// has been applied yet. Used by internal/repartition to check its
// source/destination guards before draining anything.
func (s *Storage) Scheme() *partition.Scheme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme
}

// TakeFrom performs Take against exactly one named partition-id, rather
// than fanning out to every live replica — the primitive
// internal/repartition needs to drain a single source partition's local
// content ahead of re-uploading it through the normal cluster write
// path.
func (s *Storage) TakeFrom(partitionID string) (chunk.TakeSession, error) {
	_, peers, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	p, ok := peers[partitionID]
	if !ok {
		return nil, fmt.Errorf("cluster: %w: partition %q not in current scheme", partition.ErrIncompleteCluster, partitionID)
	}
	return p.Take()
}

// Close tears down every cached peer connection.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, p := range s.peers {
		if c, ok := p.store.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.peers = make(map[string]*peer)
	return firstErr
}
