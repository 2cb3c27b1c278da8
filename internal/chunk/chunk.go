// Package chunk defines the storage contract for a Chunk Store: durable,
// ordered-by-key storage of CRDT entries as a set of immutable files,
// plus background consolidation. internal/chunk/file implements this
// contract on a local filesystem; internal/chunk/memory implements it
// in-process for tests and embedding.
package chunk

import (
	"errors"
	"log/slog"
	"sync"

	"crdtstore/internal/crdt"
)

var (
	ErrChunkNotFound   = errors.New("chunk: not found")
	ErrTakeInProgress  = errors.New("chunk: a take is already outstanding")
	ErrCleanupBusy     = errors.New("chunk: cleanup already running")
	ErrConsolidateBusy = errors.New("chunk: consolidation already running")
)

// ChunkID is a monotonically increasing identifier, also the chunk
// file's name on disk. Ids are never UUIDs: a monotonic u64 orders and
// names files directly, without a separate index.
type ChunkID uint64

// ChunkMeta describes one chunk without requiring the caller to open its
// data file: enough to decide whether it participates in a consolidation
// or cleanup pass.
type ChunkMeta struct {
	ID         ChunkID
	Count      uint32
	MinKey     []byte
	MaxKey     []byte
	Bytes      int64
	Compressed bool
}

// Stats is the counters-snapshot a CLI command or test can poll, instead
// of a JMX-style live attribute bag.
type Stats struct {
	ChunkCount    int
	TotalBytes    int64
	TotalEntries  int64
	Consolidating bool
	CleaningUp    bool
}

// Sink accepts a stream of entries in strictly ascending key order and
// fails with crdt.ErrProtocol the moment that order is violated. Close
// commits whatever was written (the upload()/remove() atomic rename);
// Abort discards it, removing any temp file.
type Sink interface {
	Put(e crdt.Entry) error
	Close() error
	Abort() error
}

// TakeSession is the same stream download(0) would produce, plus an
// explicit Ack. Ack is the only thing that commits the chunk-deletion
// half of take(); without it (e.g. the connection drops) the drained
// chunks remain on disk untouched, giving at-least-once semantics.
// Cancel abandons the session without committing: the drained chunks
// stay live and a new Take may begin. A session that is neither acked
// nor cancelled holds its chunk locks indefinitely, so every caller
// must finish with exactly one of the two.
type TakeSession interface {
	crdt.Source
	Ack() error
	Cancel() error
}

// Manager is the Chunk Store contract: upload, download, take, remove,
// consolidate, plus the irrelevant-entry cleanup pass that is mutually
// exclusive with consolidation.
type Manager interface {
	Upload() (Sink, error)
	Download(since uint64) (crdt.Source, error)
	Take() (TakeSession, error)
	Remove() (Sink, error)
	Consolidate() error
	CleanupIrrelevant() error
	List() ([]ChunkMeta, error)
	Stats() Stats
	Close() error
}

// MetaStore persists ChunkMeta independently of the chunk data files
// themselves, so a restart can rebuild the live chunk set without
// re-scanning and re-parsing every data file.
type MetaStore interface {
	Save(meta ChunkMeta) error
	Delete(id ChunkID) error
	Load(id ChunkID) (ChunkMeta, error)
	List() ([]ChunkMeta, error)
}

// Locker arbitrates which chunks are currently claimed by an in-flight
// consolidation or take, so that a second caller's overlapping selection
// backs off with ErrChunksAlreadyLocked (crdt.ErrChunksAlreadyLocked)
// instead of corrupting a chunk out from under the first caller.
type Locker interface {
	// TryLock claims every id atomically: either all are free and become
	// locked, or none are locked and ok is false.
	TryLock(ids []ChunkID) (release func(), ok bool)
}

// MapLocker is the standard Locker: an in-memory set of claimed ids
// guarded by a mutex. Both the memory and file chunk.Manager
// implementations use this; there is no per-backend locking concern to
// justify separate implementations.
type MapLocker struct {
	mu     sync.Mutex
	locked map[ChunkID]bool
}

func NewMapLocker() *MapLocker {
	return &MapLocker{locked: make(map[ChunkID]bool)}
}

func (l *MapLocker) TryLock(ids []ChunkID) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if l.locked[id] {
			return nil, false
		}
	}
	for _, id := range ids {
		l.locked[id] = true
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, id := range ids {
			delete(l.locked, id)
		}
	}, true
}

// Strategy selects which chunks consolidate() should merge next.
// Alternator below flips between a hot and a cold policy on successive
// invocations, parameterized by two Strategy values.
type Strategy interface {
	Select(metas []ChunkMeta) []ChunkID
}

// Alternator toggles between two strategies on successive Select calls.
// Which policy is due next is not persisted across a restart:
// consolidation is idempotent and safe to restart from hot every time.
type Alternator struct {
	hot, cold Strategy
	useHot    bool
}

func NewAlternator(hot, cold Strategy) *Alternator {
	return &Alternator{hot: hot, cold: cold, useHot: true}
}

func (a *Alternator) Select(metas []ChunkMeta) []ChunkID {
	useHot := a.useHot
	a.useHot = !a.useHot
	if useHot {
		return a.hot.Select(metas)
	}
	return a.cold.Select(metas)
}

// Factory constructs a Manager from a codec and a logger, letting
// callers defer the choice of backend (file or memory) to wiring time.
type Factory func(codec crdt.Codec, logger *slog.Logger) (Manager, error)
