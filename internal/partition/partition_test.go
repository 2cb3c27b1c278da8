package partition

import (
	"fmt"
	"testing"
)

func allAlive(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func TestShardIsDeterministicAcrossIdenticalSchemes(t *testing.T) {
	group := Group{Name: "main", Candidates: []string{"n1", "n2", "n3", "n4", "n5"}, Replication: 3, MinActive: 2, ReadThreshold: 2, Active: true}
	alive := allAlive("n1", "n2", "n3", "n4", "n5")

	s1, err := NewScheme(16, []Group{group}, alive)
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	s2, err := NewScheme(16, []Group{group}, alive)
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		r1, err := s1.Shard(key)
		if err != nil {
			t.Fatalf("Shard: %v", err)
		}
		r2, err := s2.Shard(key)
		if err != nil {
			t.Fatalf("Shard: %v", err)
		}
		if fmt.Sprint(r1) != fmt.Sprint(r2) {
			t.Fatalf("two identically-built schemes disagree on key %q: %v vs %v", key, r1, r2)
		}
	}
}

func TestShardHonorsReplicationCount(t *testing.T) {
	group := Group{Name: "main", Candidates: []string{"n1", "n2", "n3", "n4", "n5"}, Replication: 3, MinActive: 1, Active: true}
	s, err := NewScheme(8, []Group{group}, allAlive("n1", "n2", "n3", "n4", "n5"))
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	reps, err := s.Shard([]byte("some-key"))
	if err != nil {
		t.Fatalf("Shard: %v", err)
	}
	if len(reps) != 3 {
		t.Fatalf("expected 3 replicas, got %d: %v", len(reps), reps)
	}
}

func TestShardFewerLiveCandidatesThanReplicationStillWorks(t *testing.T) {
	group := Group{Name: "main", Candidates: []string{"n1", "n2", "n3"}, Replication: 5, MinActive: 1, Active: true}
	s, err := NewScheme(8, []Group{group}, allAlive("n1", "n2"))
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	reps, err := s.Shard([]byte("some-key"))
	if err != nil {
		t.Fatalf("Shard: %v", err)
	}
	if len(reps) != 2 {
		t.Fatalf("expected 2 live replicas (n3 is dead), got %v", reps)
	}
}

func TestWriteValidGatesOnMinActive(t *testing.T) {
	group := Group{Name: "main", Candidates: []string{"n1", "n2", "n3"}, Replication: 3, MinActive: 3, Active: true}
	s, err := NewScheme(8, []Group{group}, allAlive("n1", "n2")) // only 2 of 3 alive, MinActive=3
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	if s.WriteValid() {
		t.Fatal("expected WriteValid to be false when fewer than MinActive candidates are alive")
	}
	if _, err := s.Shard([]byte("k")); err != ErrIncompleteCluster {
		t.Fatalf("expected ErrIncompleteCluster, got %v", err)
	}
}

func TestShardUnionsAcrossActiveGroupsAndSkipsInactive(t *testing.T) {
	region := Group{Name: "region", Candidates: []string{"r1", "r2"}, Replication: 2, MinActive: 1, Active: true}
	cold := Group{Name: "cold-standby", Candidates: []string{"c1"}, Replication: 1, MinActive: 1, Active: false}
	s, err := NewScheme(4, []Group{region, cold}, allAlive("r1", "r2", "c1"))
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	reps, err := s.Shard([]byte("k"))
	if err != nil {
		t.Fatalf("Shard: %v", err)
	}
	for _, id := range reps {
		if id == "c1" {
			t.Fatalf("inactive group's candidate should never be selected, got %v", reps)
		}
	}
	if len(reps) != 2 {
		t.Fatalf("expected both region replicas, got %v", reps)
	}
}

func TestRemovingANodeReshardsOnlyAFractionOfBuckets(t *testing.T) {
	candidates := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8"}
	group := Group{Name: "main", Candidates: candidates, Replication: 3, MinActive: 1, Active: true}

	before, err := NewScheme(64, []Group{group}, allAlive(candidates...))
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	remaining := candidates[1:] // drop n1
	after, err := NewScheme(64, []Group{group}, allAlive(remaining...))
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}

	changed := 0
	const sampleSize = 500
	for i := 0; i < sampleSize; i++ {
		key := []byte(fmt.Sprintf("probe-%d", i))
		r1, err := before.Shard(key)
		if err != nil {
			t.Fatalf("Shard: %v", err)
		}
		r2, err := after.Shard(key)
		if err != nil {
			t.Fatalf("Shard: %v", err)
		}
		if fmt.Sprint(r1) != fmt.Sprint(r2) {
			changed++
		}
	}
	// Only keys whose top-3 ranking included n1 should move. With 8
	// candidates and R=3, that's roughly 3/8 of keys — well under "all
	// of them", which is the property rendezvous hashing buys over
	// modulo sharding.
	if changed == 0 {
		t.Fatal("expected removing a node to reshard at least some keys")
	}
	if changed > sampleSize*6/10 {
		t.Fatalf("expected only a minority of keys to reshard, got %d/%d", changed, sampleSize)
	}
}

func TestReplicasByGroupReportsReadThreshold(t *testing.T) {
	group := Group{Name: "main", Candidates: []string{"n1", "n2", "n3"}, Replication: 3, MinActive: 1, ReadThreshold: 2, Active: true}
	s, err := NewScheme(4, []Group{group}, allAlive("n1", "n2", "n3"))
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	groups := s.ReplicasByGroup([]byte("k"))
	if len(groups) != 1 || groups[0].ReadThreshold != 2 || len(groups[0].Replicas) != 3 {
		t.Fatalf("unexpected ReplicasByGroup result: %+v", groups)
	}
}

func TestPartitionIDsIncludesDeadCandidates(t *testing.T) {
	group := Group{Name: "main", Candidates: []string{"n1", "n2", "n3"}, Replication: 2, MinActive: 1, Active: true}
	s, err := NewScheme(4, []Group{group}, allAlive("n1")) // n2, n3 dead
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	ids := s.PartitionIDs()
	if len(ids) != 3 {
		t.Fatalf("expected all 3 candidates regardless of liveness, got %v", ids)
	}
}

func TestRejectsNonPowerOfTwoBuckets(t *testing.T) {
	if _, err := NewScheme(10, nil, allAlive()); err == nil {
		t.Fatal("expected an error for a non-power-of-two bucket count")
	}
}
