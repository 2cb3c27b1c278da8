package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
)

var maxWins = crdt.Codec{
	Merge: func(s1 []byte, t1 uint64, s2 []byte, t2 uint64) []byte {
		if t1 >= t2 {
			return s1
		}
		return s2
	},
	Extract: func(s []byte, since uint64) ([]byte, bool) { return s, true },
}

func newManager(t *testing.T, compression Compression) *Manager {
	t.Helper()
	m, err := New(Config{Dir: filepath.Join(t.TempDir(), "store"), Compression: compression, FsyncData: false}, maxWins, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func drain(t *testing.T, src crdt.Source) []crdt.Entry {
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

func upload(t *testing.T, m *Manager, entries []crdt.Entry) {
	t.Helper()
	sink, err := m.Upload()
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	for _, e := range entries {
		if err := sink.Put(e); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func mustDownload(t *testing.T, m *Manager) crdt.Source {
	t.Helper()
	src, err := m.Download(0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	return src
}

func TestScenarioOneAndTwo(t *testing.T) {
	m := newManager(t, CompressionNone)

	upload(t, m, []crdt.Entry{
		{Key: []byte{1}, Timestamp: 10, State: []byte("A"), Kind: crdt.KindData},
		{Key: []byte{2}, Timestamp: 10, State: []byte("B"), Kind: crdt.KindData},
	})

	got := drain(t, mustDownload(t, m))
	if len(got) != 2 || !bytes.Equal(got[0].State, []byte("A")) || !bytes.Equal(got[1].State, []byte("B")) {
		t.Fatalf("scenario 1 mismatch: %+v", got)
	}

	upload(t, m, []crdt.Entry{
		{Key: []byte{1}, Timestamp: 5, State: []byte("A-prime"), Kind: crdt.KindData},
	})

	got2 := drain(t, mustDownload(t, m))
	if len(got2) != 2 || got2[0].Timestamp != 10 || !bytes.Equal(got2[0].State, []byte("A")) {
		t.Fatalf("scenario 2 mismatch: %+v", got2)
	}
}

func TestDataFileRoundTripWithZstd(t *testing.T) {
	m := newManager(t, CompressionZstd)
	upload(t, m, []crdt.Entry{
		{Key: []byte{1}, Timestamp: 1, State: []byte("hello"), Kind: crdt.KindData},
		{Key: []byte{2}, Timestamp: 1, State: []byte("world"), Kind: crdt.KindData},
	})
	got := drain(t, mustDownload(t, m))
	if len(got) != 2 || !bytes.Equal(got[0].State, []byte("hello")) || !bytes.Equal(got[1].State, []byte("world")) {
		t.Fatalf("zstd round-trip mismatch: %+v", got)
	}
}

func TestUploadCommutativity(t *testing.T) {
	a := []crdt.Entry{{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}}
	b := []crdt.Entry{{Key: []byte{2}, Timestamp: 1, State: []byte("y"), Kind: crdt.KindData}}

	m1 := newManager(t, CompressionNone)
	upload(t, m1, a)
	upload(t, m1, b)

	m2 := newManager(t, CompressionNone)
	upload(t, m2, b)
	upload(t, m2, a)

	got1 := drain(t, mustDownload(t, m1))
	got2 := drain(t, mustDownload(t, m2))

	if len(got1) != len(got2) {
		t.Fatalf("different lengths: %d vs %d", len(got1), len(got2))
	}
	for i := range got1 {
		if !bytes.Equal(got1[i].Key, got2[i].Key) || !bytes.Equal(got1[i].State, got2[i].State) {
			t.Fatalf("order %d differs: %+v vs %+v", i, got1[i], got2[i])
		}
	}
}

func TestTakeThenDownloadIsEmpty(t *testing.T) {
	m := newManager(t, CompressionNone)
	upload(t, m, []crdt.Entry{{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}})

	session, err := m.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	_ = drain(t, session)
	if err := session.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got := drain(t, mustDownload(t, m))
	if len(got) != 0 {
		t.Fatalf("expected empty download after take, got %+v", got)
	}
}

func TestTakeWithoutAckLeavesDataIntact(t *testing.T) {
	m := newManager(t, CompressionNone)
	upload(t, m, []crdt.Entry{{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}})

	if _, err := m.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}
	// Simulate a dropped connection: no Ack call. A second take must be
	// rejected since the first is still outstanding, and the data must
	// still be present for a fresh manager opened over the same dir.
	if _, err := m.Take(); err != chunk.ErrTakeInProgress {
		t.Fatalf("expected a second concurrent take to be rejected, got %v", err)
	}
	m2, err := New(Config{Dir: m.dir, FsyncData: false}, maxWins, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := drain(t, mustDownload(t, m2)); len(got) != 1 {
		t.Fatalf("expected data intact for a fresh manager after an unacked take, got %+v", got)
	}
}

func TestTakeCancelReleasesForNextTake(t *testing.T) {
	m := newManager(t, CompressionNone)
	upload(t, m, []crdt.Entry{{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}})

	session, err := m.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := session.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Cancel keeps the data and allows both a new take and consolidation.
	got := drain(t, mustDownload(t, m))
	if len(got) != 1 {
		t.Fatalf("expected data intact after cancel, got %+v", got)
	}
	session2, err := m.Take()
	if err != nil {
		t.Fatalf("Take after cancel: %v", err)
	}
	session2.Cancel()
}

func TestConsolidateReducesChunkCountAndPreservesContent(t *testing.T) {
	m := newManager(t, CompressionNone)
	for i := 0; i < 20; i++ {
		upload(t, m, []crdt.Entry{
			{Key: []byte{1}, Timestamp: uint64(i), State: []byte{byte(i)}, Kind: crdt.KindData},
		})
	}

	before, _ := m.List()
	if len(before) != 20 {
		t.Fatalf("expected 20 chunks before consolidate, got %d", len(before))
	}
	beforeEntries := drain(t, mustDownload(t, m))

	if err := m.Consolidate(); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	after, _ := m.List()
	if len(after) >= len(before) {
		t.Fatalf("expected chunk count to decrease, before=%d after=%d", len(before), len(after))
	}

	afterEntries := drain(t, mustDownload(t, m))
	if len(afterEntries) != len(beforeEntries) {
		t.Fatalf("consolidate changed observed key count: before=%d after=%d", len(beforeEntries), len(afterEntries))
	}
	for i := range beforeEntries {
		if !bytes.Equal(beforeEntries[i].State, afterEntries[i].State) {
			t.Fatalf("consolidate changed state at %d: %+v vs %+v", i, beforeEntries[i], afterEntries[i])
		}
	}
}

func TestCleanupIrrelevantRemovesSupersededTombstones(t *testing.T) {
	m := newManager(t, CompressionNone)
	upload(t, m, []crdt.Entry{{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}})

	sink, err := m.Remove()
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{1}, Timestamp: 2, Kind: crdt.KindTombstone}); err != nil {
		t.Fatalf("Put tombstone: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := m.CleanupIrrelevant(); err != nil {
		t.Fatalf("CleanupIrrelevant: %v", err)
	}

	got := drain(t, mustDownload(t, m))
	if len(got) != 0 {
		t.Fatalf("expected key to be gone after cleanup, got %+v", got)
	}
}

func TestDownloadSinceWatermarkFiltersEverything(t *testing.T) {
	m := newManager(t, CompressionNone)
	upload(t, m, []crdt.Entry{
		{Key: []byte{1}, Timestamp: 5, State: []byte("x"), Kind: crdt.KindData},
		{Key: []byte{2}, Timestamp: 9, State: []byte("y"), Kind: crdt.KindData},
	})

	src, err := m.Download(9)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := drain(t, src); len(got) != 0 {
		t.Fatalf("expected empty stream at since=now, got %+v", got)
	}

	src, err = m.Download(5)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got := drain(t, src)
	if len(got) != 1 || !bytes.Equal(got[0].Key, []byte{2}) {
		t.Fatalf("expected only the entry past the watermark, got %+v", got)
	}
}

func TestEmptyUploadAddsNoChunk(t *testing.T) {
	m := newManager(t, CompressionNone)
	sink, err := m.Upload()
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	chunks, _ := m.List()
	if len(chunks) != 0 {
		t.Fatalf("expected zero chunks from empty upload, got %d", len(chunks))
	}
}

func TestUploadNotAscendingFails(t *testing.T) {
	m := newManager(t, CompressionNone)
	sink, err := m.Upload()
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{2}, Timestamp: 1, State: []byte("a"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{1}, Timestamp: 1, State: []byte("b"), Kind: crdt.KindData}); err == nil {
		t.Fatal("expected ErrProtocol for descending keys")
	}
	chunks, _ := m.List()
	if len(chunks) != 0 {
		t.Fatalf("expected no partial chunk to have been committed, got %d", len(chunks))
	}
}

func TestRestartRebuildsLiveSetAndGCsOrphans(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := New(Config{Dir: dir, FsyncData: false}, maxWins, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	upload(t, m, []crdt.Entry{{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}})
	orphanUpload := filepath.Join(dir, ".upload-orphan")
	orphanChunk := filepath.Join(dir, "99")
	for _, p := range []string{orphanUpload, orphanChunk} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write orphan %s: %v", p, err)
		}
	}

	m2, err := New(Config{Dir: dir, FsyncData: false}, maxWins, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, p := range []string{orphanUpload, orphanChunk} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected orphan %s to be removed on restart, stat err = %v", p, err)
		}
	}
	chunks, _ := m2.List()
	if len(chunks) != 1 {
		t.Fatalf("expected restart to rebuild 1 chunk, got %d", len(chunks))
	}
	got := drain(t, mustDownload(t, m2))
	if len(got) != 1 || !bytes.Equal(got[0].State, []byte("x")) {
		t.Fatalf("expected restart to preserve data, got %+v", got)
	}
}
