package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type stubSource struct {
	schemes []Scheme
	errs    []error
	pos     int
}

func (s *stubSource) Next(ctx context.Context) (Scheme, error) {
	if s.pos >= len(s.schemes) {
		return Scheme{}, errors.New("stub: exhausted")
	}
	sch, err := s.schemes[s.pos], s.errs[s.pos]
	s.pos++
	return sch, err
}

func TestCachedSourcePersistsAndFallsBack(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	stub := &stubSource{
		schemes: []Scheme{{Version: 1}, {}},
		errs:    []error{nil, errors.New("discovery tick failed")},
	}

	cached, err := NewCachedSource(stub, dbPath, nil)
	if err != nil {
		t.Fatalf("NewCachedSource: %v", err)
	}
	defer cached.Close()

	sch, err := cached.Next(context.Background())
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if sch.Version != 1 {
		t.Fatalf("got version %d, want 1", sch.Version)
	}

	// Second upstream call fails; CachedSource should fall back to the
	// last persisted scheme instead of propagating the error.
	sch, err = cached.Next(context.Background())
	if err != nil {
		t.Fatalf("fallback Next returned error: %v", err)
	}
	if sch.Version != 1 {
		t.Fatalf("fallback got version %d, want 1", sch.Version)
	}
}

func TestCachedSourceSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	stub := &stubSource{schemes: []Scheme{{Version: 7}}, errs: []error{nil}}

	first, err := NewCachedSource(stub, dbPath, nil)
	if err != nil {
		t.Fatalf("NewCachedSource: %v", err)
	}
	if _, err := first.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh CachedSource over the same path, with an upstream that
	// always fails, should still report the scheme persisted above.
	failing := &stubSource{schemes: []Scheme{{}}, errs: []error{errors.New("down")}}
	second, err := NewCachedSource(failing, dbPath, nil)
	if err != nil {
		t.Fatalf("NewCachedSource (restart): %v", err)
	}
	defer second.Close()

	sch, err := second.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after restart: %v", err)
	}
	if sch.Version != 7 {
		t.Fatalf("got version %d, want 7", sch.Version)
	}
}

func TestCachedSourceNoFallbackBeforeFirstSuccess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	stub := &stubSource{schemes: []Scheme{{}}, errs: []error{errors.New("never up")}}

	cached, err := NewCachedSource(stub, dbPath, nil)
	if err != nil {
		t.Fatalf("NewCachedSource: %v", err)
	}
	defer cached.Close()

	if _, err := cached.Next(context.Background()); err == nil {
		t.Fatal("expected error with no cached scheme to fall back to")
	}
}
