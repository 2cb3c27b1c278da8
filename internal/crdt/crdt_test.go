package crdt

import (
	"bytes"
	"errors"
	"testing"
)

// maxWins is the simplest useful CRDT: higher timestamp always wins,
// state is just the raw payload.
var maxWins = Codec{
	Merge: func(s1 []byte, t1 uint64, s2 []byte, t2 uint64) []byte {
		if t1 >= t2 {
			return s1
		}
		return s2
	},
	Extract: func(s []byte, since uint64) ([]byte, bool) {
		return s, true
	},
}

func key(n byte) []byte { return []byte{n} }

func TestCheckAscending(t *testing.T) {
	if err := CheckAscending(nil, key(1)); err != nil {
		t.Fatalf("first key should always pass: %v", err)
	}
	if err := CheckAscending(key(1), key(2)); err != nil {
		t.Fatalf("ascending keys should pass: %v", err)
	}
	if err := CheckAscending(key(2), key(2)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("equal keys should fail with ErrProtocol, got %v", err)
	}
	if err := CheckAscending(key(2), key(1)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("descending keys should fail with ErrProtocol, got %v", err)
	}
}

func TestCodecCombineDataDominance(t *testing.T) {
	a := Entry{Key: key(1), Timestamp: 10, State: []byte("A"), Kind: KindData}
	b := Entry{Key: key(1), Timestamp: 5, State: []byte("A-prime"), Kind: KindData}

	got := maxWins.Combine(a, b)
	if got.Timestamp != 10 || !bytes.Equal(got.State, []byte("A")) {
		t.Errorf("expected higher-ts state to win, got %+v", got)
	}
}

func TestCodecCombineTombstoneDominance(t *testing.T) {
	data := Entry{Key: key(1), Timestamp: 5, State: []byte("A"), Kind: KindData}
	tomb := Entry{Key: key(1), Timestamp: 10, Kind: KindTombstone}

	got := maxWins.Combine(data, tomb)
	if !got.IsTombstone() || got.Timestamp != 10 {
		t.Errorf("tombstone with higher ts should dominate, got %+v", got)
	}

	// Data with a higher timestamp than the tombstone dominates it.
	newerData := Entry{Key: key(1), Timestamp: 20, State: []byte("B"), Kind: KindData}
	got2 := maxWins.Combine(tomb, newerData)
	if got2.IsTombstone() || got2.Timestamp != 20 {
		t.Errorf("data with higher ts should dominate tombstone, got %+v", got2)
	}
}

func TestCodecSinceWatermark(t *testing.T) {
	e := Entry{Key: key(1), Timestamp: 10, State: []byte("A"), Kind: KindData}

	if _, ok := maxWins.Since(e, 10); ok {
		t.Error("entry at exactly the watermark should not pass")
	}
	if got, ok := maxWins.Since(e, 9); !ok || got.Timestamp != 10 {
		t.Errorf("entry past the watermark should pass, got %+v ok=%v", got, ok)
	}
}

func TestMergeReducerCollapsesDuplicateKeys(t *testing.T) {
	// Scenario 1/2 from the worked examples: upload {1:A@10, 2:B@10},
	// then {1:A'@5}. Download(0) should yield
	// [1 -> merge(A,A')@10, 2 -> B@10].
	src1 := NewSliceSource([]Entry{
		{Key: key(1), Timestamp: 10, State: []byte("A"), Kind: KindData},
		{Key: key(2), Timestamp: 10, State: []byte("B"), Kind: KindData},
	})
	src2 := NewSliceSource([]Entry{
		{Key: key(1), Timestamp: 5, State: []byte("A-prime"), Kind: KindData},
	})

	reducer, err := NewMergeReducer(maxWins, []Source{src1, src2})
	if err != nil {
		t.Fatalf("NewMergeReducer: %v", err)
	}

	var got []Entry
	for {
		e, ok, err := reducer.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 merged entries, got %d: %+v", len(got), got)
	}
	if !bytes.Equal(got[0].Key, key(1)) || got[0].Timestamp != 10 || !bytes.Equal(got[0].State, []byte("A")) {
		t.Errorf("key 1: expected merge(A,A')@10 = A@10, got %+v", got[0])
	}
	if !bytes.Equal(got[1].Key, key(2)) || got[1].Timestamp != 10 || !bytes.Equal(got[1].State, []byte("B")) {
		t.Errorf("key 2: expected B@10 unchanged, got %+v", got[1])
	}
}

func TestMergeReducerManySources(t *testing.T) {
	// One key per source, all distinct: output must stay in ascending order.
	sources := make([]Source, 0, 5)
	for i := byte(5); i > 0; i-- {
		sources = append(sources, NewSliceSource([]Entry{
			{Key: key(i), Timestamp: 1, State: []byte{i}, Kind: KindData},
		}))
	}

	reducer, err := NewMergeReducer(maxWins, sources)
	if err != nil {
		t.Fatalf("NewMergeReducer: %v", err)
	}

	var prev []byte
	count := 0
	for {
		e, ok, err := reducer.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if prev != nil && bytes.Compare(e.Key, prev) <= 0 {
			t.Fatalf("output not strictly ascending: prev=%v cur=%v", prev, e.Key)
		}
		prev = e.Key
		count++
	}
	if count != 5 {
		t.Errorf("expected 5 entries, got %d", count)
	}
}

func TestMergeReducerEmpty(t *testing.T) {
	reducer, err := NewMergeReducer(maxWins, nil)
	if err != nil {
		t.Fatalf("NewMergeReducer: %v", err)
	}
	if _, ok, err := reducer.Next(); ok || err != nil {
		t.Errorf("empty reducer should report ok=false, err=nil; got ok=%v err=%v", ok, err)
	}
}
