package wire

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"crdtstore/internal/auth"
	"crdtstore/internal/chunk/file"
	"crdtstore/internal/config"
	"crdtstore/internal/crdt"
	"crdtstore/internal/localstore"
	"crdtstore/internal/wal"
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

type testNode struct {
	store  *localstore.Store
	mgr    *file.Manager
	writer *wal.Writer
	walDir string
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	mgr, err := file.New(file.Config{Dir: filepath.Join(dir, "chunks"), FsyncData: false}, lastWriteWins, nil)
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	writer, err := wal.NewWriter(walDir, "gen1", wal.RotationPolicy{}, false, nil)
	if err != nil {
		t.Fatalf("wal.NewWriter: %v", err)
	}
	return &testNode{
		store:  localstore.New(writer, mgr, lastWriteWins, nil),
		mgr:    mgr,
		writer: writer,
		walDir: walDir,
	}
}

func (n *testNode) drain(t *testing.T) {
	t.Helper()
	if err := n.writer.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	d := wal.NewDrainer(n.walDir, n.mgr, lastWriteWins, nil)
	if err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
}

// harness wires one Server over a loopback TCP listener and a token
// service shared between server and client, the way a real deployment
// shares a cluster-wide HMAC secret across nodes.
type harness struct {
	node   *testNode
	tokens *auth.TokenService
	ln     net.Listener
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node := newTestNode(t)
	tokens := auth.NewTokenService([]byte("test-cluster-secret"), time.Hour)
	server := NewServer(node.store, tokens, 0, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go server.Serve(ln)
	t.Cleanup(func() {
		server.Stop()
	})
	return &harness{node: node, tokens: tokens, ln: ln, server: server}
}

func (h *harness) newClient(nodeID string) *Client {
	return NewClient(h.ln.Addr().String(), nodeID, h.tokens, config.Default().Net, nil)
}

func drainSource(t *testing.T, src crdt.Source) []crdt.Entry {
	t.Helper()
	var out []crdt.Entry
	for {
		e, ok, err := src.Next()
		if err != nil {
			t.Fatalf("source.Next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestHandshakeAndPing(t *testing.T) {
	h := newHarness(t)
	client := h.newClient("node-a")
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPingRejectsUnknownToken(t *testing.T) {
	node := newTestNode(t)
	goodTokens := auth.NewTokenService([]byte("good-secret"), time.Hour)
	server := NewServer(node.store, goodTokens, 0, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go server.Serve(ln)
	defer server.Stop()

	badTokens := auth.NewTokenService([]byte("wrong-secret"), time.Hour)
	client := NewClient(ln.Addr().String(), "node-a", badTokens, config.Default().Net, nil)
	defer client.Close()

	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected ping over an unauthenticated connection to fail")
	}
}

func TestUploadStreamsThroughWireIntoWAL(t *testing.T) {
	h := newHarness(t)
	client := h.newClient("node-a")
	defer client.Close()

	sink, err := client.Upload()
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{1}, Timestamp: 1, State: []byte("x"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h.node.drain(t)

	src, err := client.Download(0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got := drainSource(t, src)
	if len(got) != 1 || got[0].Key[0] != 1 {
		t.Fatalf("expected the uploaded entry to survive drain and round-trip over the wire, got %+v", got)
	}
}

func TestDownloadStreamsFromChunkStoreOverWire(t *testing.T) {
	h := newHarness(t)
	client := h.newClient("node-a")
	defer client.Close()

	sink, err := h.node.mgr.Upload()
	if err != nil {
		t.Fatalf("mgr.Upload: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{5}, Timestamp: 1, State: []byte("v"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close: %v", err)
	}

	src, err := client.Download(0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got := drainSource(t, src)
	if len(got) != 1 || string(got[0].State) != "v" {
		t.Fatalf("expected chunk-store content over the wire, got %+v", got)
	}
}

func TestTakeWithoutAckLeavesDataIntact(t *testing.T) {
	h := newHarness(t)

	sink, err := h.node.mgr.Upload()
	if err != nil {
		t.Fatalf("mgr.Upload: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{9}, Timestamp: 1, State: []byte("keep"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close: %v", err)
	}

	taker := h.newClient("node-taker")
	session, err := taker.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	got := drainSource(t, session)
	if len(got) != 1 {
		t.Fatalf("expected one taken entry, got %+v", got)
	}
	// Close without Ack: the server's handleTake is blocked waiting for
	// a TakeAck it will never receive, and must leave the chunk in
	// place when the connection drops out from under it.
	if err := taker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	checker := h.newClient("node-checker")
	defer checker.Close()
	src, err := checker.Download(0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := drainSource(t, src); len(got) != 1 {
		t.Fatalf("expected data to survive an unacknowledged take, got %+v", got)
	}
}

func TestTakeWithAckCommitsDeletion(t *testing.T) {
	h := newHarness(t)

	sink, err := h.node.mgr.Upload()
	if err != nil {
		t.Fatalf("mgr.Upload: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{9}, Timestamp: 1, State: []byte("gone"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close: %v", err)
	}

	taker := h.newClient("node-taker")
	defer taker.Close()
	session, err := taker.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	_ = drainSource(t, session)
	if err := session.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// The server commits the deletion when it reads the TakeAck, which
	// happens after Ack returns on this side; poll briefly instead of
	// assuming the commit already landed.
	checker := h.newClient("node-checker")
	defer checker.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		src, err := checker.Download(0)
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
		got := drainSource(t, src)
		if len(got) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected an acked take to commit deletion, got %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUploadRejectsDescendingKeysBeforeHittingTheWire(t *testing.T) {
	h := newHarness(t)
	client := h.newClient("node-a")
	defer client.Close()

	sink, err := client.Upload()
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{2}, Timestamp: 1, State: []byte("a"), Kind: crdt.KindData}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := sink.Put(crdt.Entry{Key: []byte{1}, Timestamp: 1, State: []byte("b"), Kind: crdt.KindData}); err == nil {
		t.Fatal("expected descending key to be rejected client-side")
	}
}
