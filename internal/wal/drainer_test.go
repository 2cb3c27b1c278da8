package wal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"crdtstore/internal/chunk/file"
	"crdtstore/internal/crdt"
)

var lastWriteWins = crdt.Codec{
	Merge: func(s1 []byte, t1 uint64, s2 []byte, t2 uint64) []byte {
		if t1 >= t2 {
			return s1
		}
		return s2
	},
	Extract: func(s []byte, since uint64) ([]byte, bool) { return s, true },
}

func newFileManager(t *testing.T) *file.Manager {
	t.Helper()
	m, err := file.New(file.Config{Dir: filepath.Join(t.TempDir(), "chunks"), FsyncData: false}, lastWriteWins, nil)
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	return m
}

func drainEntries(t *testing.T, src crdt.Source) []crdt.Entry {
	t.Helper()
	var out []crdt.Entry
	for {
		e, ok, err := src.Next()
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestWriterRotatesAndDrainerUploadsInOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "gen1", RotationPolicy{MaxEntries: 2}, false, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	entries := []crdt.Entry{
		{Key: []byte{1}, Timestamp: 1, State: []byte("a"), Kind: crdt.KindData},
		{Key: []byte{2}, Timestamp: 1, State: []byte("b"), Kind: crdt.KindData},
		{Key: []byte{3}, Timestamp: 1, State: []byte("c"), Kind: crdt.KindData},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	finals, err := filepath.Glob(filepath.Join(dir, "gen1.*"+finalSuffix))
	if err != nil || len(finals) < 2 {
		t.Fatalf("expected at least 2 finalized segments, got %v (err=%v)", finals, err)
	}

	mgr := newFileManager(t)
	d := NewDrainer(dir, mgr, lastWriteWins, nil)
	if err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	remaining, _ := filepath.Glob(filepath.Join(dir, "*"+finalSuffix))
	if len(remaining) != 0 {
		t.Fatalf("expected all segments drained, remaining: %v", remaining)
	}

	got := drainEntries(t, mustDownloadEntries(t, mgr))
	if len(got) != 3 {
		t.Fatalf("expected 3 entries uploaded, got %d: %+v", len(got), got)
	}
	for i, key := range [][]byte{{1}, {2}, {3}} {
		if !bytes.Equal(got[i].Key, key) {
			t.Fatalf("entry %d key mismatch: %+v", i, got[i])
		}
	}
}

func mustDownloadEntries(t *testing.T, mgr *file.Manager) crdt.Source {
	t.Helper()
	src, err := mgr.Download(0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	return src
}

func TestDrainerCollapsesDuplicateKeysWithinASegment(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "gen1", RotationPolicy{}, false, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(crdt.Entry{Key: []byte{9}, Timestamp: 1, State: []byte("old"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(crdt.Entry{Key: []byte{9}, Timestamp: 5, State: []byte("new"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mgr := newFileManager(t)
	d := NewDrainer(dir, mgr, lastWriteWins, nil)
	if err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	got := drainEntries(t, mustDownloadEntries(t, mgr))
	if len(got) != 1 || !bytes.Equal(got[0].State, []byte("new")) {
		t.Fatalf("expected collapsed entry to keep the newest write, got %+v", got)
	}
}

func TestReadSegmentDiscardsTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "gen1", RotationPolicy{}, false, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(crdt.Entry{Key: []byte{1}, Timestamp: 1, State: []byte("whole"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	finals, err := filepath.Glob(filepath.Join(dir, "*"+finalSuffix))
	if err != nil || len(finals) != 1 {
		t.Fatalf("expected exactly one finalized segment, got %v", finals)
	}
	path := finals[0]

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	truncated := append(data, 0x01, 0x02, 0x03) // partial trailing record
	if err := os.WriteFile(path, truncated, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := readSegment(path)
	if err != nil {
		t.Fatalf("readSegment: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0].State, []byte("whole")) {
		t.Fatalf("expected only the well-formed record, got %+v", got)
	}
}

func TestDrainerSortsDescendingAppendsBeforeUpload(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "gen1", RotationPolicy{}, false, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(crdt.Entry{Key: []byte{2}, Timestamp: 1, State: []byte("v2"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(crdt.Entry{Key: []byte{1}, Timestamp: 1, State: []byte("v1"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mgr := newFileManager(t)
	d := NewDrainer(dir, mgr, lastWriteWins, nil)
	if err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	remaining, _ := filepath.Glob(filepath.Join(dir, "*"+finalSuffix))
	if len(remaining) != 0 {
		t.Fatalf("expected successful drain to remove the segment, remaining: %v", remaining)
	}

	got := drainEntries(t, mustDownloadEntries(t, mgr))
	if len(got) != 2 || !bytes.Equal(got[0].Key, []byte{1}) || !bytes.Equal(got[1].Key, []byte{2}) {
		t.Fatalf("expected ascending-key upload despite descending append order, got %+v", got)
	}
}

func TestFinalizedSegmentsIgnoresActiveSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "gen1", RotationPolicy{MaxEntries: 1}, false, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Two appends with MaxEntries=1 rotate once, finalizing the first
	// segment and leaving the second active (not yet .final).
	if err := w.Append(crdt.Entry{Key: []byte{1}, Timestamp: 1, State: []byte("a"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(crdt.Entry{Key: []byte{2}, Timestamp: 1, State: []byte("b"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mgr := newFileManager(t)
	d := NewDrainer(dir, mgr, lastWriteWins, nil)
	if err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	got := drainEntries(t, mustDownloadEntries(t, mgr))
	if len(got) != 1 || !bytes.Equal(got[0].State, []byte("a")) {
		t.Fatalf("expected only the finalized segment to be drained, got %+v", got)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("second DrainOnce: %v", err)
	}
	got2 := drainEntries(t, mustDownloadEntries(t, mgr))
	if len(got2) != 2 {
		t.Fatalf("expected both segments drained after close, got %+v", got2)
	}
}
