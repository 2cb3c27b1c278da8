// Package file implements chunk.Manager on a local filesystem: each
// chunk is an immutable, content-addressed data file written via
// temp-file-then-fsync-then-rename, with a parallel MetaStore so the
// live chunk set can be rebuilt on startup without reparsing every data
// file. Consolidation and irrelevant-entry cleanup are mutually
// exclusive background passes guarded by chunk.Locker and a local busy
// flag.
package file

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

// Config configures a Manager at construction time; the compression
// codec is fixed for the store's lifetime.
type Config struct {
	Dir         string
	Compression Compression
	FileMode    os.FileMode
	FsyncData   bool
	Strategy    chunk.Strategy
}

// Manager is a filesystem-backed chunk.Manager.
type Manager struct {
	dir         string
	codec       crdt.Codec
	compression Compression
	fileMode    os.FileMode
	fsyncData   bool
	logger      *slog.Logger

	metaStore *MetaStore
	locker    *chunk.MapLocker
	strategy  chunk.Strategy
	nextID    atomic.Uint64

	mu            sync.Mutex
	metas         map[chunk.ChunkID]chunk.ChunkMeta
	refCounts     map[chunk.ChunkID]int
	pendingDelete map[chunk.ChunkID]bool
	taking        bool
	consolidating bool
	cleaningUp    bool
}

// New opens (or initializes) a file-backed chunk store rooted at
// cfg.Dir. It rebuilds the live chunk set from the MetaStore, then
// garbage-collects orphan temp files and chunk files that have no
// corresponding meta record — the crash-safety contract for a
// consolidation or upload that died between writing its new chunk and
// committing the meta swap.
func New(cfg Config, codec crdt.Codec, logger *slog.Logger) (*Manager, error) {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.Strategy == nil {
		cfg.Strategy = DefaultStrategy()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunk/file: create store dir: %w", err)
	}

	metaStore, err := NewMetaStore(filepath.Join(cfg.Dir, "meta"), cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("chunk/file: open meta store: %w", err)
	}
	metas, err := metaStore.List()
	if err != nil {
		return nil, fmt.Errorf("chunk/file: list metas: %w", err)
	}

	m := &Manager{
		dir:           cfg.Dir,
		codec:         codec,
		compression:   cfg.Compression,
		fileMode:      cfg.FileMode,
		fsyncData:     cfg.FsyncData,
		logger:        logging.Default(logger).With("component", "chunk-file"),
		metaStore:     metaStore,
		locker:        chunk.NewMapLocker(),
		strategy:      cfg.Strategy,
		metas:         make(map[chunk.ChunkID]chunk.ChunkMeta, len(metas)),
		refCounts:     make(map[chunk.ChunkID]int),
		pendingDelete: make(map[chunk.ChunkID]bool),
	}
	var maxID chunk.ChunkID
	for _, meta := range metas {
		m.metas[meta.ID] = meta
		if meta.ID > maxID {
			maxID = meta.ID
		}
	}
	m.nextID.Store(uint64(maxID))

	if err := m.gcOrphans(); err != nil {
		return nil, fmt.Errorf("chunk/file: gc orphans: %w", err)
	}
	return m, nil
}

var _ chunk.Manager = (*Manager)(nil)

// gcOrphans removes leftover temp files from a crash mid-upload or
// mid-consolidate, and any data file with no matching meta record
// (a consolidation whose new chunk was written but whose meta swap
// never committed).
func (m *Manager) gcOrphans() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".upload-") {
			m.logger.Info("removing orphan upload temp file", "name", name)
			os.Remove(filepath.Join(m.dir, name))
			continue
		}
		id, err := parseChunkFileName(name)
		if err != nil {
			continue
		}
		if _, ok := m.metas[id]; !ok {
			m.logger.Info("removing orphan chunk file with no meta record", "id", id)
			os.Remove(filepath.Join(m.dir, name))
		}
	}
	return nil
}

func parseChunkFileName(name string) (chunk.ChunkID, error) {
	var id uint64
	if _, err := fmt.Sscanf(name, "%d", &id); err != nil {
		return 0, err
	}
	if fmt.Sprintf("%d", id) != name {
		return 0, fmt.Errorf("not a chunk file name: %q", name)
	}
	return chunk.ChunkID(id), nil
}

func (m *Manager) sortedMetas() []chunk.ChunkMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chunk.ChunkMeta, 0, len(m.metas))
	for _, meta := range m.metas {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// acquireRefs takes a read reference on each id so a concurrent
// consolidation that removes them from the live set defers the actual
// file deletion until this reader releases.
func (m *Manager) acquireRefs(ids []chunk.ChunkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.refCounts[id]++
	}
}

func (m *Manager) releaseRefs(ids []chunk.ChunkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.refCounts[id]--
		if m.refCounts[id] <= 0 {
			delete(m.refCounts, id)
			if m.pendingDelete[id] {
				delete(m.pendingDelete, id)
				m.deleteChunkFilesLocked(id)
			}
		}
	}
}

// deleteChunkFilesLocked removes a chunk's data and meta files. Callers
// must hold m.mu.
func (m *Manager) deleteChunkFilesLocked(id chunk.ChunkID) {
	if err := os.Remove(filepath.Join(m.dir, dataFileName(id))); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove chunk data file", "id", id, "error", err)
	}
	if err := m.metaStore.Delete(id); err != nil {
		m.logger.Warn("remove chunk meta file", "id", id, "error", err)
	}
}

// --- Upload / Remove -------------------------------------------------

type fileSink struct {
	m        *Manager
	tomb     bool
	entries  []crdt.Entry
	lastKey  []byte
	hasLast  bool
	finished bool
	aborted  bool
}

func (m *Manager) newSink(tomb bool) *fileSink { return &fileSink{m: m, tomb: tomb} }

func (s *fileSink) Put(e crdt.Entry) error {
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

func (s *fileSink) Abort() error {
	s.aborted = true
	s.entries = nil
	return nil
}

func (s *fileSink) Close() error {
	if s.finished {
		return nil
	}
	s.finished = true
	if len(s.entries) == 0 {
		return nil
	}
	return s.m.commit(s.entries)
}

func (m *Manager) commit(entries []crdt.Entry) error {
	id := chunk.ChunkID(m.nextID.Add(1))
	if err := writeDataFile(m.dir, id, entries, m.compression, m.fileMode, m.fsyncData); err != nil {
		return fmt.Errorf("chunk/file: write chunk %d: %w", id, err)
	}

	var totalBytes int64
	for _, e := range entries {
		totalBytes += int64(len(e.Key) + len(e.State) + 24)
	}
	meta := chunk.ChunkMeta{
		ID:         id,
		Count:      uint32(len(entries)),
		MinKey:     entries[0].Key,
		MaxKey:     entries[len(entries)-1].Key,
		Bytes:      totalBytes,
		Compressed: m.compression != CompressionNone,
	}
	if err := m.metaStore.Save(meta); err != nil {
		os.Remove(filepath.Join(m.dir, dataFileName(id)))
		return fmt.Errorf("chunk/file: save meta for chunk %d: %w", id, err)
	}

	m.mu.Lock()
	m.metas[id] = meta
	m.mu.Unlock()
	return nil
}

// Upload implements chunk.Manager.
func (m *Manager) Upload() (chunk.Sink, error) { return m.newSink(false), nil }

// Remove implements chunk.Manager.
func (m *Manager) Remove() (chunk.Sink, error) { return m.newSink(true), nil }

// --- Download / Take ---------------------------------------------------

// chunkSource streams one chunk's entries, already fully decoded —
// chunk files are small enough that reading one whole file into memory
// to serve a merge is the cost a consolidation pass pays anyway.
type chunkSource struct {
	entries []crdt.Entry
	pos     int
}

func (c *chunkSource) Next() (crdt.Entry, bool, error) {
	if c.pos >= len(c.entries) {
		return crdt.Entry{}, false, nil
	}
	e := c.entries[c.pos]
	c.pos++
	return e, true, nil
}

func (m *Manager) openSources(metas []chunk.ChunkMeta) ([]crdt.Source, error) {
	sources := make([]crdt.Source, 0, len(metas))
	for _, meta := range metas {
		entries, err := readDataFile(m.dir, meta.ID, m.compression)
		if err != nil {
			return nil, fmt.Errorf("chunk/file: read chunk %d: %w", meta.ID, err)
		}
		sources = append(sources, &chunkSource{entries: entries})
	}
	return sources, nil
}

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

// releasingSource wraps a Source so the manager's refcount on a
// snapshot's ids is released once the reader has been fully drained —
// this is what lets Consolidate defer physical file deletion rather
// than yanking a file out from under an in-flight Download.
type releasingSource struct {
	m        *Manager
	ids      []chunk.ChunkID
	inner    crdt.Source
	released bool
}

func (s *releasingSource) Next() (crdt.Entry, bool, error) {
	e, ok, err := s.inner.Next()
	if !ok || err != nil {
		s.release()
	}
	return e, ok, err
}

func (s *releasingSource) release() {
	if s.released {
		return
	}
	s.released = true
	s.m.releaseRefs(s.ids)
}

// Download implements chunk.Manager.
func (m *Manager) Download(since uint64) (crdt.Source, error) {
	metas := m.sortedMetas()
	ids := make([]chunk.ChunkID, len(metas))
	for i, meta := range metas {
		ids[i] = meta.ID
	}
	m.acquireRefs(ids)

	sources, err := m.openSources(metas)
	if err != nil {
		m.releaseRefs(ids)
		return nil, err
	}
	reducer, err := crdt.NewMergeReducer(m.codec, sources)
	if err != nil {
		m.releaseRefs(ids)
		return nil, err
	}
	wrapped := &releasingSource{m: m, ids: ids, inner: reducer}
	return &sinceFilter{codec: m.codec, since: since, inner: wrapped}, nil
}

type takeSession struct {
	m         *Manager
	ids       []chunk.ChunkID
	release   func()
	source    crdt.Source
	acked     bool
	cancelled bool
}

func (t *takeSession) Next() (crdt.Entry, bool, error) { return t.source.Next() }

// Ack implements chunk.TakeSession: commits the chunk-deletion half of
// take(). Without it (connection dropped before ack) the chunks remain
// live, giving at-least-once semantics.
func (t *takeSession) Ack() error {
	if t.acked || t.cancelled {
		return nil
	}
	t.acked = true

	t.m.mu.Lock()
	for _, id := range t.ids {
		delete(t.m.metas, id)
	}
	t.m.taking = false
	t.m.mu.Unlock()

	// Ids still referenced by an in-flight Download are marked for
	// deletion when their last reader releases; the rest are deleted now.
	t.m.mu.Lock()
	for _, id := range t.ids {
		if t.m.refCounts[id] > 0 {
			t.m.pendingDelete[id] = true
			continue
		}
		t.m.deleteChunkFilesLocked(id)
	}
	t.m.mu.Unlock()

	t.release()
	return nil
}

// Cancel implements chunk.TakeSession: releases the chunk locks and
// clears the outstanding-take flag without deleting anything, so a
// later Take can start over with the data intact.
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

// Take implements chunk.Manager. Only one take may be outstanding.
func (m *Manager) Take() (chunk.TakeSession, error) {
	m.mu.Lock()
	if m.taking {
		m.mu.Unlock()
		return nil, chunk.ErrTakeInProgress
	}
	m.taking = true
	m.mu.Unlock()

	metas := m.sortedMetas()
	ids := make([]chunk.ChunkID, len(metas))
	for i, meta := range metas {
		ids[i] = meta.ID
	}

	release, ok := m.locker.TryLock(ids)
	if !ok {
		m.mu.Lock()
		m.taking = false
		m.mu.Unlock()
		return nil, crdt.ErrChunksAlreadyLocked
	}

	sources, err := m.openSources(metas)
	if err != nil {
		release()
		m.mu.Lock()
		m.taking = false
		m.mu.Unlock()
		return nil, err
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

// --- Consolidate / CleanupIrrelevant ------------------------------------

// Consolidate implements chunk.Manager: picks a set of chunks via the
// configured Strategy, streams a k-way merge of them into one new
// chunk, then atomically swaps the diff into the live set. Readers that
// took a snapshot before the swap keep reading the old files until
// they finish (see releaseRefs); the old files are deleted once the
// last such reader releases them.
func (m *Manager) Consolidate() error {
	m.mu.Lock()
	if m.consolidating {
		m.mu.Unlock()
		return chunk.ErrConsolidateBusy
	}
	if m.cleaningUp {
		m.mu.Unlock()
		return chunk.ErrCleanupBusy
	}
	m.consolidating = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.consolidating = false
		m.mu.Unlock()
	}()

	metas := m.sortedMetas()
	ids := m.strategy.Select(metas)
	if len(ids) < 2 {
		return nil
	}

	release, ok := m.locker.TryLock(ids)
	if !ok {
		return crdt.ErrChunksAlreadyLocked
	}
	defer release()

	selected := make([]chunk.ChunkMeta, 0, len(ids))
	byID := make(map[chunk.ChunkID]chunk.ChunkMeta, len(metas))
	for _, meta := range metas {
		byID[meta.ID] = meta
	}
	for _, id := range ids {
		selected = append(selected, byID[id])
	}

	merged, err := m.mergeEntries(selected)
	if err != nil {
		return err
	}

	m.logger.Info("consolidating chunks", "inputs", len(ids), "entries", len(merged))

	var newID chunk.ChunkID
	if len(merged) > 0 {
		newID = chunk.ChunkID(m.nextID.Add(1))
		if err := writeDataFile(m.dir, newID, merged, m.compression, m.fileMode, m.fsyncData); err != nil {
			return fmt.Errorf("chunk/file: write consolidated chunk %d: %w", newID, err)
		}
		var totalBytes int64
		for _, e := range merged {
			totalBytes += int64(len(e.Key) + len(e.State) + 24)
		}
		newMeta := chunk.ChunkMeta{
			ID:         newID,
			Count:      uint32(len(merged)),
			MinKey:     merged[0].Key,
			MaxKey:     merged[len(merged)-1].Key,
			Bytes:      totalBytes,
			Compressed: m.compression != CompressionNone,
		}
		if err := m.metaStore.Save(newMeta); err != nil {
			os.Remove(filepath.Join(m.dir, dataFileName(newID)))
			return fmt.Errorf("chunk/file: save consolidated meta %d: %w", newID, err)
		}
		m.mu.Lock()
		m.metas[newID] = newMeta
		m.mu.Unlock()
	}

	m.applyRemoval(ids)
	return nil
}

// mergeEntries performs the streaming k-way merge over the given
// chunks' entries, folding same-key entries via the CRDT codec.
func (m *Manager) mergeEntries(metas []chunk.ChunkMeta) ([]crdt.Entry, error) {
	sources, err := m.openSources(metas)
	if err != nil {
		return nil, err
	}
	reducer, err := crdt.NewMergeReducer(m.codec, sources)
	if err != nil {
		return nil, err
	}
	var merged []crdt.Entry
	for {
		e, ok, err := reducer.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		merged = append(merged, e)
	}
	return merged, nil
}

// applyRemoval removes ids from the live metadata set and, for any id
// with no outstanding reader reference, deletes its files immediately;
// otherwise the deletion is deferred to releaseRefs.
func (m *Manager) applyRemoval(ids []chunk.ChunkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.metas, id)
		if m.refCounts[id] > 0 {
			m.pendingDelete[id] = true
			continue
		}
		m.deleteChunkFilesLocked(id)
	}
}

// CleanupIrrelevant implements chunk.Manager: rewrites the entire live
// chunk set, dropping any key whose final merged state is a tombstone
// (fully superseded, nothing left to ever read). Mutually exclusive
// with Consolidate via the same busy-flag pattern.
func (m *Manager) CleanupIrrelevant() error {
	m.mu.Lock()
	if m.consolidating {
		m.mu.Unlock()
		return chunk.ErrConsolidateBusy
	}
	if m.cleaningUp {
		m.mu.Unlock()
		return chunk.ErrCleanupBusy
	}
	m.cleaningUp = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cleaningUp = false
		m.mu.Unlock()
	}()

	metas := m.sortedMetas()
	if len(metas) == 0 {
		return nil
	}
	ids := make([]chunk.ChunkID, len(metas))
	for i, meta := range metas {
		ids[i] = meta.ID
	}

	release, ok := m.locker.TryLock(ids)
	if !ok {
		return crdt.ErrChunksAlreadyLocked
	}
	defer release()

	merged, err := m.mergeEntries(metas)
	if err != nil {
		return err
	}
	survivors := merged[:0:0]
	for _, e := range merged {
		if !e.IsTombstone() {
			survivors = append(survivors, e)
		}
	}

	m.logger.Info("cleaning up irrelevant entries", "inputs", len(ids), "survivors", len(survivors))

	var newID chunk.ChunkID
	if len(survivors) > 0 {
		newID = chunk.ChunkID(m.nextID.Add(1))
		if err := writeDataFile(m.dir, newID, survivors, m.compression, m.fileMode, m.fsyncData); err != nil {
			return fmt.Errorf("chunk/file: write cleaned chunk %d: %w", newID, err)
		}
		var totalBytes int64
		for _, e := range survivors {
			totalBytes += int64(len(e.Key) + len(e.State) + 24)
		}
		newMeta := chunk.ChunkMeta{
			ID:         newID,
			Count:      uint32(len(survivors)),
			MinKey:     survivors[0].Key,
			MaxKey:     survivors[len(survivors)-1].Key,
			Bytes:      totalBytes,
			Compressed: m.compression != CompressionNone,
		}
		if err := m.metaStore.Save(newMeta); err != nil {
			os.Remove(filepath.Join(m.dir, dataFileName(newID)))
			return fmt.Errorf("chunk/file: save cleaned meta %d: %w", newID, err)
		}
		m.mu.Lock()
		m.metas[newID] = newMeta
		m.mu.Unlock()
	}

	m.applyRemoval(ids)
	return nil
}

// List implements chunk.Manager.
func (m *Manager) List() ([]chunk.ChunkMeta, error) { return m.sortedMetas(), nil }

// Stats implements chunk.Manager.
func (m *Manager) Stats() chunk.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := chunk.Stats{
		ChunkCount:    len(m.metas),
		Consolidating: m.consolidating,
		CleaningUp:    m.cleaningUp,
	}
	for _, meta := range m.metas {
		s.TotalBytes += meta.Bytes
		s.TotalEntries += int64(meta.Count)
	}
	return s
}

// Close implements chunk.Manager. There is no open file handle held
// across calls (every operation opens, reads/writes, and closes), so
// there is nothing to release.
func (m *Manager) Close() error { return nil }

// Factory adapts New to chunk.Factory for callers that only have a
// directory and want the default on-disk settings.
func Factory(dir string, compression Compression) chunk.Factory {
	return func(codec crdt.Codec, logger *slog.Logger) (chunk.Manager, error) {
		return New(Config{Dir: dir, Compression: compression, FsyncData: true}, codec, logger)
	}
}
