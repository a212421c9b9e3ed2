package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vantage-labs/proxyhub/internal/source"
)

// presetFile is the on-disk shape of the preset file named by
// Config.PresetFile (spec §6 "source preset file path").
type presetFile struct {
	Presets map[string][]presetEntry `yaml:"presets"`
}

type presetEntry struct {
	URL string `yaml:"url"`
	Tag string `yaml:"tag"`
}

// PresetLoader implements source.PresetProvider by reading named bundles
// out of a YAML file (default "basic", "premium", ... bundles).
type PresetLoader struct {
	path string
}

// NewPresetLoader builds a PresetLoader reading from path.
func NewPresetLoader(path string) *PresetLoader {
	return &PresetLoader{path: path}
}

// Preset resolves a preset name to its entries.
func (l *PresetLoader) Preset(name string) (source.Preset, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return source.Preset{}, fmt.Errorf("config: read preset file %s: %w", l.path, err)
	}

	var pf presetFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return source.Preset{}, fmt.Errorf("config: parse preset file %s: %w", l.path, err)
	}

	entries, ok := pf.Presets[name]
	if !ok {
		return source.Preset{}, fmt.Errorf("config: unknown preset %q", name)
	}

	out := source.Preset{Name: name}
	for _, e := range entries {
		out.Sources = append(out.Sources, source.PresetEntry{URL: e.URL, Tag: e.Tag})
	}
	return out, nil
}
