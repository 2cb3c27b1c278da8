// Package crdt defines the entry types and merge contract shared by every
// storage layer in this engine (chunk files, the WAL, the wire protocol,
// cluster fan-out). It is intentionally generic: K is an opaque []byte
// compared with bytes.Compare, S is an opaque []byte state blob, and the
// actual CRDT semantics (merge, extract) are supplied by the caller as
// plain functions. Nothing above this package knows or cares what kind of
// CRDT it is storing.
package crdt

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
)

// Error kinds shared across every layer that can fail (chunk, wal, wire,
// cluster). There is no distinct I/O sentinel: disk and network failures
// surface as plain wrapped stdlib errors (*fs.PathError, net.Error) and
// callers use errors.Is/As, the same way the rest of this codebase
// treats I/O failures.
var (
	ErrProtocol            = errors.New("crdt: protocol error")
	ErrIncompleteCluster   = errors.New("crdt: incomplete cluster")
	ErrChunksAlreadyLocked = errors.New("crdt: chunks already locked")
	ErrIllegalOffset       = errors.New("crdt: illegal offset")
	ErrSizeMismatch        = errors.New("crdt: size mismatch")
	ErrNotFound            = errors.New("crdt: not found")
)

// Kind discriminates a Data entry from a Tombstone.
type Kind uint8

const (
	KindData Kind = iota
	KindTombstone
)

func (k Kind) String() string {
	if k == KindTombstone {
		return "tombstone"
	}
	return "data"
}

// Entry is the wire/file representation of both Data<K,S> and
// Tombstone<K>. A Tombstone carries no State.
type Entry struct {
	Key       []byte
	Timestamp uint64
	State     []byte
	Kind      Kind
}

func (e Entry) IsTombstone() bool { return e.Kind == KindTombstone }

// Clone returns a deep copy, safe to retain past the lifetime of any
// buffer the original Key/State may have aliased.
func (e Entry) Clone() Entry {
	out := Entry{Timestamp: e.Timestamp, Kind: e.Kind}
	if e.Key != nil {
		out.Key = append([]byte(nil), e.Key...)
	}
	if e.State != nil {
		out.State = append([]byte(nil), e.State...)
	}
	return out
}

// CompareKeys orders two keys. K is totally ordered by byte value.
func CompareKeys(a, b []byte) int { return bytes.Compare(a, b) }

// CheckAscending enforces the "strictly ascending K order" contract that
// upload() and remove() place on an incoming entry stream. prev is the
// previously accepted key, or nil for the first entry in the stream.
func CheckAscending(prev, cur []byte) error {
	if prev != nil && bytes.Compare(cur, prev) <= 0 {
		return fmt.Errorf("%w: keys not strictly ascending", ErrProtocol)
	}
	return nil
}

// MergeFunc is the CRDT merge function, supplied externally: associative,
// commutative, idempotent.
type MergeFunc func(s1 []byte, t1 uint64, s2 []byte, t2 uint64) []byte

// ExtractFunc returns the delta of a state since a watermark timestamp,
// or ok=false if there is nothing newer than since to report.
type ExtractFunc func(state []byte, since uint64) (delta []byte, ok bool)

// Codec bundles the two functions a caller must supply to get CRDT
// semantics out of this engine. Every component that touches Entry
// values beyond moving bytes around takes a Codec.
type Codec struct {
	Merge   MergeFunc
	Extract ExtractFunc
}

// Combine reduces two entries that share a key into one, applying the
// dominance rules from the data model: tombstones dominate data with a
// lower timestamp; data with a higher timestamp dominates a tombstone;
// two entries of the same kind are merged (or, for tombstones, the
// higher timestamp wins).
func (c Codec) Combine(a, b Entry) Entry {
	if !bytes.Equal(a.Key, b.Key) {
		panic("crdt: Combine called on entries with different keys")
	}
	switch {
	case a.IsTombstone() && b.IsTombstone():
		if a.Timestamp >= b.Timestamp {
			return a
		}
		return b
	case a.IsTombstone():
		if a.Timestamp >= b.Timestamp {
			return a
		}
		return b
	case b.IsTombstone():
		if b.Timestamp >= a.Timestamp {
			return b
		}
		return a
	default:
		t := a.Timestamp
		if b.Timestamp > t {
			t = b.Timestamp
		}
		return Entry{
			Key:       a.Key,
			Timestamp: t,
			State:     c.Merge(a.State, a.Timestamp, b.State, b.Timestamp),
			Kind:      KindData,
		}
	}
}

// Since applies the extract half of the merge contract: given an entry
// and a watermark, it reports whether the entry has anything to say
// after since, and if so the (possibly narrowed) entry to report.
// Tombstones always pass through unchanged once past the watermark,
// since there is no partial tombstone state to extract a delta from.
func (c Codec) Since(e Entry, since uint64) (Entry, bool) {
	if e.Timestamp <= since {
		return Entry{}, false
	}
	if e.IsTombstone() || c.Extract == nil {
		return e, true
	}
	delta, ok := c.Extract(e.State, since)
	if !ok {
		return Entry{}, false
	}
	e.State = delta
	return e, true
}

// Source produces entries in strictly ascending key order. It is the
// common shape of a chunk file reader, a WAL segment reader, or a wire
// download stream — anything the MergeReducer can merge across.
type Source interface {
	// Next returns the next entry, or ok=false when the source is
	// exhausted. Sources must never repeat or go backwards on Key.
	Next() (Entry, bool, error)
}

// heapItem pairs a Source with the entry it most recently produced, so
// the heap can always compare "next available entry per source".
type heapItem struct {
	src   Source
	entry Entry
}

type entryHeap []*heapItem

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].entry.Key, h[j].entry.Key) < 0
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MergeReducer is a streaming k-way merge over any number of ascending
// Sources, combining entries that share a key via Codec.Combine. Chunk
// download and cluster read reduction both use it, differing only in
// what Sources they hand it; the WAL drainer folds duplicate keys with
// Codec.Combine in its own sorted pass instead.
type MergeReducer struct {
	codec Codec
	heap  entryHeap
}

// NewMergeReducer primes the heap with the first entry of every source.
func NewMergeReducer(codec Codec, sources []Source) (*MergeReducer, error) {
	m := &MergeReducer{codec: codec}
	heap.Init(&m.heap)
	for _, s := range sources {
		if err := m.prime(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MergeReducer) prime(s Source) error {
	e, ok, err := s.Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	heap.Push(&m.heap, &heapItem{src: s, entry: e})
	return nil
}

// Next returns the next merged entry in ascending key order, or
// ok=false once every source is exhausted. Every entry sharing the
// minimum key across all sources is folded into one via Codec.Combine
// before Next returns, so callers never see the same key twice.
func (m *MergeReducer) Next() (Entry, bool, error) {
	if m.heap.Len() == 0 {
		return Entry{}, false, nil
	}
	first := heap.Pop(&m.heap).(*heapItem)
	combined := first.entry
	if err := m.prime(first.src); err != nil {
		return Entry{}, false, err
	}
	for m.heap.Len() > 0 && bytes.Equal(m.heap[0].entry.Key, combined.Key) {
		next := heap.Pop(&m.heap).(*heapItem)
		combined = m.codec.Combine(combined, next.entry)
		if err := m.prime(next.src); err != nil {
			return Entry{}, false, err
		}
	}
	return combined, true, nil
}

// SliceSource adapts an in-memory, already-sorted slice of entries into
// a Source. Used by tests and by small in-memory chunk implementations.
type SliceSource struct {
	entries []Entry
	pos     int
}

func NewSliceSource(entries []Entry) *SliceSource {
	return &SliceSource{entries: entries}
}

func (s *SliceSource) Next() (Entry, bool, error) {
	if s.pos >= len(s.entries) {
		return Entry{}, false, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true, nil
}
