// Package localstore composes the Write-Ahead Log with the Chunk Store
// into the five node operations the wire protocol exposes: upload and
// remove stream into the WAL; download and take stream from the Chunk
// Store; ping reports whether both subsystems are reachable.
package localstore

import (
	"context"
	"fmt"
	"log/slog"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
	"crdtstore/internal/wal"
)

// Store is a Local Storage Node: the ingest path (WAL.Append) plus the
// durable/background path (chunk.Manager), wired together behind the
// same five-operation surface a remote peer sees over the wire.
type Store struct {
	writer *wal.Writer
	mgr    chunk.Manager
	codec  crdt.Codec
	logger *slog.Logger
}

func New(writer *wal.Writer, mgr chunk.Manager, codec crdt.Codec, logger *slog.Logger) *Store {
	return &Store{
		writer: writer,
		mgr:    mgr,
		codec:  codec,
		logger: logging.Default(logger).With("component", "localstore"),
	}
}

// ingestSink adapts wal.Writer into a chunk.Sink, enforcing the same
// strictly-ascending-key contract a chunk.Manager's own sinks enforce —
// the WAL accepts out-of-order appends internally (the drainer sorts
// later), but upload()/remove() at the node boundary must still reject
// a misbehaving caller promptly rather than silently absorbing garbage
// the drainer would have to explain away.
type ingestSink struct {
	w       *wal.Writer
	tomb    bool
	lastKey []byte
	hasLast bool
	closed  bool
}

func (s *ingestSink) Put(e crdt.Entry) error {
	if s.hasLast {
		if err := crdt.CheckAscending(s.lastKey, e.Key); err != nil {
			return err
		}
	}
	if s.tomb {
		e.Kind = crdt.KindTombstone
		e.State = nil
	} else {
		e.Kind = crdt.KindData
	}
	if err := s.w.Append(e); err != nil {
		return fmt.Errorf("localstore: append: %w", err)
	}
	s.lastKey = e.Key
	s.hasLast = true
	return nil
}

func (s *ingestSink) Close() error {
	s.closed = true
	return nil
}

func (s *ingestSink) Abort() error {
	// The WAL has no undo: entries already fsynced to the active segment
	// stay there. Downstream merge semantics are idempotent, so an
	// aborted-but-partially-appended stream is harmless — the drainer
	// will fold whatever was written into the CRDT state exactly as if
	// it had been a deliberate, smaller upload.
	s.closed = true
	return nil
}

var _ chunk.Sink = (*ingestSink)(nil)

// Upload returns a sink that appends Data entries to the WAL.
func (s *Store) Upload() (chunk.Sink, error) {
	return &ingestSink{w: s.writer}, nil
}

// Remove returns a sink that appends Tombstone entries to the WAL.
func (s *Store) Remove() (chunk.Sink, error) {
	return &ingestSink{w: s.writer, tomb: true}, nil
}

// Download streams entries from the Chunk Store with timestamp > since.
// It does not see anything still sitting in an un-drained WAL segment —
// the at-least-once drain guarantee covers durability, not immediate
// read-your-writes across the WAL/chunk boundary.
func (s *Store) Download(since uint64) (crdt.Source, error) {
	return s.mgr.Download(since)
}

// Take streams every currently-present chunk entry and, on Ack, commits
// their deletion from the Chunk Store. It does not touch the WAL: any
// entry still sitting in an un-drained segment at the moment Take is
// called is not part of this take's snapshot and will surface in a
// later Download once drained.
func (s *Store) Take() (chunk.TakeSession, error) {
	return s.mgr.Take()
}

// Ping reports whether both the WAL and the Chunk Store are reachable.
// Neither subsystem here does network I/O, so this never blocks on
// anything but a chunk metadata read.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.writer == nil {
		return fmt.Errorf("localstore: wal writer not configured")
	}
	if _, err := s.mgr.List(); err != nil {
		return fmt.Errorf("localstore: chunk store unreachable: %w", err)
	}
	return nil
}

// Consolidate and CleanupIrrelevant pass through to the Chunk Store's
// background operations — a Local Storage Node doesn't add anything to
// them, but the CLI and the scheduler address these through the Store
// the same way they address Upload/Download, so they live here too.
func (s *Store) Consolidate() error        { return s.mgr.Consolidate() }
func (s *Store) CleanupIrrelevant() error  { return s.mgr.CleanupIrrelevant() }
func (s *Store) List() ([]chunk.ChunkMeta, error) { return s.mgr.List() }
func (s *Store) Stats() chunk.Stats        { return s.mgr.Stats() }

// Close finalizes the active WAL segment and closes the Chunk Store.
func (s *Store) Close() error {
	var firstErr error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.mgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
