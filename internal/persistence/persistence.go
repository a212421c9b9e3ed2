// Package persistence is the reference JSON-file adapter for the Pool
// Store's {sources, source_id_counter, upstreams} snapshot (spec §6).
//
// The on-disk format is intentionally the simplest possible thing that
// satisfies "persist → load → persist yields a byte-identical snapshot"
// (spec §8): encoding/json with indentation, struct field order fixed
// by internal/pool.Snapshot, no extra metadata. Persistence is framed in
// spec.md as an out-of-scope collaborator — this is a reference
// implementation of that collaborator, not a contractual wire format.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
)

var log = logging.Get("persistence")

// Store persists Pool Store snapshots to a JSON file on disk.
type Store struct {
	path string
}

// New builds a file-backed persistence Store at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Save writes snap to disk, replacing any prior content. Writes to a
// temp file in the same directory first and renames over the target so
// a crash mid-write never leaves a truncated snapshot.
func (s *Store) Save(snap pool.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".proxyhub-state-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("persistence: rename into place: %w", err)
	}

	log.WithFields(map[string]any{
		"path":      s.path,
		"sources":   len(snap.Sources),
		"upstreams": len(snap.Upstreams),
	}).Debug("snapshot saved")
	return nil
}

// Load reads a snapshot from disk. A missing file yields an empty,
// zero-value snapshot rather than an error — first run has nothing to
// restore.
func (s *Store) Load() (pool.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return pool.Snapshot{}, nil
		}
		return pool.Snapshot{}, fmt.Errorf("persistence: read %s: %w", s.path, err)
	}

	var snap pool.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pool.Snapshot{}, fmt.Errorf("persistence: parse %s: %w", s.path, err)
	}
	return snap, nil
}
