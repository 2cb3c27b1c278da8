package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

// Writer owns the active segment: every Append is synchronous and,
// unless configured otherwise, fsynced before returning, so an acked
// append is durable.
type Writer struct {
	dir          string
	generation   string
	fileMode     os.FileMode
	fsyncAppends bool
	policy       RotationPolicy
	logger       *slog.Logger

	mu    sync.Mutex
	seq   int
	file  *os.File
	path  string
	state SegmentState
}

// NewWriter opens (or creates) the WAL directory and starts a fresh
// active segment tagged with generation — a value unique to this
// writer's lifetime (e.g. a node-startup id), so segments from
// different process lifetimes never collide on sequence number.
func NewWriter(dir, generation string, policy RotationPolicy, fsyncAppends bool, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	w := &Writer{
		dir:          dir,
		generation:   generation,
		fileMode:     0o644,
		fsyncAppends: fsyncAppends,
		policy:       policy,
		logger:       logging.Default(logger).With("component", "wal-writer"),
	}
	if err := w.openNewSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openNewSegment() error {
	w.seq++
	path := filepath.Join(w.dir, segmentFileName(w.generation, w.seq, false))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, w.fileMode)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	if err := writeSegmentHeader(f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("wal: write segment header: %w", err)
	}
	w.file = f
	w.path = path
	w.state = SegmentState{Opened: time.Now()}
	return nil
}

// Append writes e to the active segment, rotating first if the
// configured RotationPolicy requires it. Writes to the same key within
// one segment may arrive out of timestamp order — the drainer's merge
// step normalizes that, so Append itself does not enforce ordering.
func (w *Writer) Append(e crdt.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	size, err := recordEncodedSize(e)
	if err != nil {
		return err
	}
	if w.policy.ShouldRotate(w.state, size, time.Now()) {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := appendRecord(w.file, e)
	if err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	if w.fsyncAppends {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync append: %w", err)
		}
	}
	w.state.Bytes += int64(n)
	w.state.Entries++
	return nil
}

// rotateLocked finalizes the current segment (close + rename to
// .final) and opens a fresh one. Callers must hold w.mu.
func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment for rotation: %w", err)
	}
	finalPath := filepath.Join(w.dir, segmentFileName(w.generation, w.seq, true))
	if err := os.Rename(w.path, finalPath); err != nil {
		return fmt.Errorf("wal: finalize segment: %w", err)
	}
	w.logger.Info("rotated wal segment", "path", finalPath, "bytes", w.state.Bytes, "entries", w.state.Entries)
	return w.openNewSegment()
}

// Rotate forces a roll regardless of the configured policy — used by
// the CLI operator surface and by graceful shutdown.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close finalizes the active segment so a restart or the drainer can
// pick it up; it does not delete anything.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	finalPath := filepath.Join(w.dir, segmentFileName(w.generation, w.seq, true))
	if err := os.Rename(w.path, finalPath); err != nil {
		return fmt.Errorf("wal: finalize segment on close: %w", err)
	}
	w.file = nil
	return nil
}
