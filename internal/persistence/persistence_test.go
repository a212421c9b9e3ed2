package persistence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/vantage-labs/proxyhub/internal/pool"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store := pool.New(3)
	store.AddSource("https://example.com/list.txt", "basic")
	store.AddUpstreams([]pool.UpstreamSeed{{URL: "http://1.2.3.4:8080", Scheme: "http"}})

	snap := store.Export()

	p := New(path)
	if err := p.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := p.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded.Sources) != 1 || loaded.Sources[0].URL != "https://example.com/list.txt" {
		t.Errorf("sources did not round-trip: %+v", loaded.Sources)
	}
	if len(loaded.Upstreams) != 1 || loaded.Upstreams[0].URL != "http://1.2.3.4:8080" {
		t.Errorf("upstreams did not round-trip: %+v", loaded.Upstreams)
	}
	if loaded.SourceIDCounter != snap.SourceIDCounter {
		t.Errorf("source id counter mismatch: got %d want %d", loaded.SourceIDCounter, snap.SourceIDCounter)
	}
}

func TestSaveLoad_SecondSaveIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store := pool.New(3)
	store.AddSource("https://example.com/list.txt", "basic")
	snap := store.Export()

	p := New(path)
	if err := p.Save(snap); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Save(loaded); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("second save differs from first:\n%s\nvs\n%s", first, second)
	}

	loadedAgain, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(loadedAgain.Sources) != len(snap.Sources) {
		t.Errorf("expected stable round trip, got %+v vs %+v", loadedAgain.Sources, snap.Sources)
	}
}

func TestLoad_MissingFileYieldsEmptySnapshot(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "nonexistent.json"))
	snap, err := p.Load()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(snap.Sources) != 0 || len(snap.Upstreams) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}
