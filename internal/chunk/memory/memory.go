// Package memory implements chunk.Manager entirely in process memory.
// It exists for tests and for embedding a storage node without a
// filesystem (e.g. short-lived CLI invocations).
package memory

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

type storedChunk struct {
	meta    chunk.ChunkMeta
	entries []crdt.Entry
}

// Manager is an in-memory chunk.Manager. All chunk data lives in a plain
// map guarded by a mutex; there is nothing to fsync or rename.
type Manager struct {
	mu      sync.Mutex
	codec   crdt.Codec
	chunks  map[chunk.ChunkID]*storedChunk
	nextID  atomic.Uint64
	locker  *chunk.MapLocker
	logger  *slog.Logger
	taking  bool
	consol  bool
	cleanUp bool
}

// New constructs an empty in-memory chunk store.
func New(codec crdt.Codec, logger *slog.Logger) *Manager {
	return &Manager{
		codec:  codec,
		chunks: make(map[chunk.ChunkID]*storedChunk),
		locker: chunk.NewMapLocker(),
		logger: logging.Default(logger).With("component", "chunk-memory"),
	}
}

var _ chunk.Factory = func(codec crdt.Codec, logger *slog.Logger) (chunk.Manager, error) {
	return New(codec, logger), nil
}

type memSink struct {
	m        *Manager
	entries  []crdt.Entry
	lastKey  []byte
	hasLast  bool
	tomb     bool
	aborted  bool
	finished bool
}

func (m *Manager) newSink(tomb bool) *memSink {
	return &memSink{m: m, tomb: tomb}
}

func (s *memSink) Put(e crdt.Entry) error {
	if s.finished || s.aborted {
		return crdt.ErrProtocol
	}
	if s.hasLast {
		if err := crdt.CheckAscending(s.lastKey, e.Key); err != nil {
			return err
		}
	}
	s.lastKey = e.Key
	s.hasLast = true
	if s.tomb {
		e.Kind = crdt.KindTombstone
		e.State = nil
	}
	s.entries = append(s.entries, e.Clone())
	return nil
}

func (s *memSink) Close() error {
	if s.finished {
		return nil
	}
	s.finished = true
	if len(s.entries) == 0 {
		return nil
	}
	s.m.commit(s.entries)
	return nil
}

func (s *memSink) Abort() error {
	s.aborted = true
	s.entries = nil
	return nil
}

func (m *Manager) commit(entries []crdt.Entry) {
	id := chunk.ChunkID(m.nextID.Add(1))
	meta := chunk.ChunkMeta{
		ID:     id,
		Count:  uint32(len(entries)),
		MinKey: entries[0].Key,
		MaxKey: entries[len(entries)-1].Key,
	}
	for _, e := range entries {
		meta.Bytes += int64(len(e.Key) + len(e.State) + 16)
	}

	m.mu.Lock()
	m.chunks[id] = &storedChunk{meta: meta, entries: entries}
	m.mu.Unlock()
}

// Upload implements chunk.Manager.
func (m *Manager) Upload() (chunk.Sink, error) {
	return m.newSink(false), nil
}

// Remove implements chunk.Manager: tombstones are stored exactly like
// data entries, just tagged KindTombstone, in the next produced chunk.
func (m *Manager) Remove() (chunk.Sink, error) {
	return m.newSink(true), nil
}

func (m *Manager) snapshot() []*storedChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*storedChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		out = append(out, c)
	}
	return out
}

// Download implements chunk.Manager.
func (m *Manager) Download(since uint64) (crdt.Source, error) {
	snap := m.snapshot()
	sources := make([]crdt.Source, 0, len(snap))
	for _, c := range snap {
		sources = append(sources, crdt.NewSliceSource(c.entries))
	}
	reducer, err := crdt.NewMergeReducer(m.codec, sources)
	if err != nil {
		return nil, err
	}
	return &sinceFilter{codec: m.codec, since: since, inner: reducer}, nil
}

// sinceFilter narrows a merged stream down to entries with something to
// report after the watermark, applying Codec.Since to each one.
type sinceFilter struct {
	codec crdt.Codec
	since uint64
	inner crdt.Source
}

func (f *sinceFilter) Next() (crdt.Entry, bool, error) {
	for {
		e, ok, err := f.inner.Next()
		if err != nil || !ok {
			return crdt.Entry{}, ok, err
		}
		if out, pass := f.codec.Since(e, f.since); pass {
			return out, true, nil
		}
	}
}

type takeSession struct {
	m         *Manager
	ids       []chunk.ChunkID
	release   func()
	source    crdt.Source
	acked     bool
	cancelled bool
}

// Take implements chunk.Manager. Only one take may be outstanding at a
// time; ids stay locked until Ack (commit) or Cancel. A session dropped
// without either keeps its locks, and the data remains (at-least-once).
func (m *Manager) Take() (chunk.TakeSession, error) {
	m.mu.Lock()
	if m.taking {
		m.mu.Unlock()
		return nil, chunk.ErrTakeInProgress
	}
	m.taking = true
	snap := make([]*storedChunk, 0, len(m.chunks))
	ids := make([]chunk.ChunkID, 0, len(m.chunks))
	for id, c := range m.chunks {
		snap = append(snap, c)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	release, ok := m.locker.TryLock(ids)
	if !ok {
		m.mu.Lock()
		m.taking = false
		m.mu.Unlock()
		return nil, crdt.ErrChunksAlreadyLocked
	}

	sources := make([]crdt.Source, 0, len(snap))
	for _, c := range snap {
		sources = append(sources, crdt.NewSliceSource(c.entries))
	}
	reducer, err := crdt.NewMergeReducer(m.codec, sources)
	if err != nil {
		release()
		m.mu.Lock()
		m.taking = false
		m.mu.Unlock()
		return nil, err
	}

	return &takeSession{m: m, ids: ids, release: release, source: reducer}, nil
}

func (t *takeSession) Next() (crdt.Entry, bool, error) { return t.source.Next() }

// Ack commits the deletion half of take(): the drained chunks are
// removed. Must be called only after the caller has fully consumed
// Next() through to ok=false.
func (t *takeSession) Ack() error {
	if t.acked || t.cancelled {
		return nil
	}
	t.acked = true
	t.m.mu.Lock()
	for _, id := range t.ids {
		delete(t.m.chunks, id)
	}
	t.m.taking = false
	t.m.mu.Unlock()
	t.release()
	return nil
}

// Cancel abandons the take without deleting anything; the locked chunks
// become available to a later Take.
func (t *takeSession) Cancel() error {
	if t.acked || t.cancelled {
		return nil
	}
	t.cancelled = true
	t.m.mu.Lock()
	t.m.taking = false
	t.m.mu.Unlock()
	t.release()
	return nil
}

// Consolidate implements chunk.Manager: merges every chunk into one,
// using the shared MergeReducer so the output contains no duplicate
// keys. With no on-disk files to leave orphaned, there is nothing to
// GC on restart for the memory implementation.
func (m *Manager) Consolidate() error {
	m.mu.Lock()
	if m.consol {
		m.mu.Unlock()
		return chunk.ErrConsolidateBusy
	}
	if m.cleanUp {
		m.mu.Unlock()
		return chunk.ErrCleanupBusy
	}
	m.consol = true
	snap := make([]*storedChunk, 0, len(m.chunks))
	ids := make([]chunk.ChunkID, 0, len(m.chunks))
	for id, c := range m.chunks {
		snap = append(snap, c)
		ids = append(ids, id)
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.consol = false
		m.mu.Unlock()
	}()

	if len(snap) < 2 {
		return nil
	}

	release, ok := m.locker.TryLock(ids)
	if !ok {
		return crdt.ErrChunksAlreadyLocked
	}
	defer release()

	sources := make([]crdt.Source, 0, len(snap))
	for _, c := range snap {
		sources = append(sources, crdt.NewSliceSource(c.entries))
	}
	reducer, err := crdt.NewMergeReducer(m.codec, sources)
	if err != nil {
		return err
	}

	var merged []crdt.Entry
	for {
		e, ok, err := reducer.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		merged = append(merged, e)
	}

	m.mu.Lock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	m.mu.Unlock()
	if len(merged) > 0 {
		m.commit(merged)
	}
	return nil
}

// CleanupIrrelevant implements chunk.Manager: drops entries fully
// superseded by a tombstone with an equal-or-higher timestamp. Mutually
// exclusive with Consolidate, enforced with the same busy-flag pattern.
func (m *Manager) CleanupIrrelevant() error {
	m.mu.Lock()
	if m.consol {
		m.mu.Unlock()
		return chunk.ErrConsolidateBusy
	}
	if m.cleanUp {
		m.mu.Unlock()
		return chunk.ErrCleanupBusy
	}
	m.cleanUp = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cleanUp = false
		m.mu.Unlock()
	}()

	m.mu.Lock()
	snap := make([]*storedChunk, 0, len(m.chunks))
	ids := make([]chunk.ChunkID, 0, len(m.chunks))
	for id, c := range m.chunks {
		snap = append(snap, c)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	latest := make(map[string]crdt.Entry)
	for _, c := range snap {
		for _, e := range c.entries {
			k := string(e.Key)
			if cur, ok := latest[k]; ok {
				latest[k] = m.codec.Combine(cur, e)
			} else {
				latest[k] = e
			}
		}
	}

	var survivors []crdt.Entry
	for _, e := range latest {
		if !e.IsTombstone() {
			survivors = append(survivors, e)
		}
	}
	sort.Slice(survivors, func(i, j int) bool {
		return crdt.CompareKeys(survivors[i].Key, survivors[j].Key) < 0
	})

	// Only the snapshotted chunks are replaced; anything uploaded while
	// the pass ran stays live untouched.
	m.mu.Lock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	m.mu.Unlock()
	if len(survivors) > 0 {
		m.commit(survivors)
	}
	return nil
}

// List implements chunk.Manager.
func (m *Manager) List() ([]chunk.ChunkMeta, error) {
	snap := m.snapshot()
	out := make([]chunk.ChunkMeta, 0, len(snap))
	for _, c := range snap {
		out = append(out, c.meta)
	}
	return out, nil
}

// Stats implements chunk.Manager.
func (m *Manager) Stats() chunk.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := chunk.Stats{ChunkCount: len(m.chunks), Consolidating: m.consol, CleaningUp: m.cleanUp}
	for _, c := range m.chunks {
		s.TotalBytes += c.meta.Bytes
		s.TotalEntries += int64(c.meta.Count)
	}
	return s
}

// Close implements chunk.Manager. There is nothing to release.
func (m *Manager) Close() error { return nil }

