// Package source is the Source Registry: a thin facade over the Sources
// portion of the Pool Store, plus preset bulk-loading from the external
// source-config collaborator.
package source

import (
	"fmt"

	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/pool"
)

var log = logging.Get("source")

// Preset is one named, pre-curated bundle of source URLs ("basic",
// "premium", ...), loaded from the source-config collaborator (in
// practice, internal/config's preset file).
type Preset struct {
	Name    string
	Sources []PresetEntry
}

// PresetEntry is one source URL/tag pair inside a Preset.
type PresetEntry struct {
	URL string
	Tag string
}

// PresetProvider resolves a preset name to its entries. internal/config
// implements this by reading the preset file named in configuration.
type PresetProvider interface {
	Preset(name string) (Preset, error)
}

// Registry is the Source Registry facade.
type Registry struct {
	store    *pool.Store
	presets  PresetProvider
}

// New builds a Registry over the given Pool Store and preset provider.
func New(store *pool.Store, presets PresetProvider) *Registry {
	return &Registry{store: store, presets: presets}
}

// Add registers a single source, returning its id and whether it was new.
func (r *Registry) Add(url, tag string) (int64, bool) {
	return r.store.AddSource(url, tag)
}

// Remove deletes a source by id.
func (r *Registry) Remove(id int64) bool {
	return r.store.RemoveSource(id)
}

// Clear deletes every source.
func (r *Registry) Clear() {
	r.store.ClearSources()
}

// List returns every known source.
func (r *Registry) List() []pool.Source {
	return r.store.ListSources()
}

// Resolve maps source ids to their records, skipping unknown ids.
func (r *Registry) Resolve(ids []int64) []pool.Source {
	return r.store.GetSources(ids)
}

// LoadPreset folds a named preset's entries through add_source, returning
// the number of genuinely new sources (spec §4.2: "reporting the number of
// new entries").
func (r *Registry) LoadPreset(name string) (int, error) {
	if r.presets == nil {
		return 0, fmt.Errorf("source: no preset provider configured")
	}
	preset, err := r.presets.Preset(name)
	if err != nil {
		return 0, fmt.Errorf("source: load preset %q: %w", name, err)
	}

	added := 0
	for _, entry := range preset.Sources {
		if _, inserted := r.store.AddSource(entry.URL, entry.Tag); inserted {
			added++
		}
	}
	log.WithFields(map[string]any{"preset": name, "added": added, "total": len(preset.Sources)}).Info("preset loaded")
	return added, nil
}
