package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crdtstore/internal/partition"
)

func writeScheme(t *testing.T, path string, sch Scheme) {
	t.Helper()
	data, err := json.Marshal(sch)
	if err != nil {
		t.Fatalf("marshal scheme: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write scheme file: %v", err)
	}
}

func TestFileSourceInitialRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheme.json")
	want := Scheme{
		Version: 1,
		Buckets: 256,
		Groups:  []partition.Group{{Name: "default", Candidates: []string{"a", "b"}, Replication: 2, MinActive: 1, Active: true}},
		Addresses: map[string]string{"a": "127.0.0.1:9001", "b": "127.0.0.1:9002"},
	}
	writeScheme(t, path, want)

	src, err := NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Version != want.Version || got.Buckets != want.Buckets {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFileSourceWatchesUpdates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheme.json")
	writeScheme(t, path, Scheme{Version: 1, Buckets: 4})

	src, err := NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("initial Next: %v", err)
	}

	updated := Scheme{Version: 2, Buckets: 8}
	go func() {
		time.Sleep(50 * time.Millisecond)
		writeScheme(t, path, updated)
	}()

	got, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next after update: %v", err)
	}
	if got.Version != updated.Version {
		t.Fatalf("got version %d, want %d", got.Version, updated.Version)
	}
}

func TestFileSourceContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheme.json")
	writeScheme(t, path, Scheme{Version: 1})

	src, err := NewFileSource(path, nil)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("initial Next: %v", err)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if _, err := src.Next(shortCtx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
