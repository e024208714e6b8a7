package registry

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFilename is the expected filename for a plugin manifest,
// grounded on pkg/pluginsdk.Manifest (ID/Name/ConfigSchema shape kept;
// the channel/provider/UI-hint fields the teacher's plugin host needs
// are dropped since APE plugins only contribute tools/prompts/resources).
const ManifestFilename = "ape.plugin.json"

// PluginManifest describes one discoverable plugin package.
type PluginManifest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
	Path         string          `json:"-"`
}

func (m *PluginManifest) validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}
	return nil
}

// DiscoverPlugins walks each root directory for ManifestFilename files
// and returns the decoded manifests. A duplicate ID or Name across any
// two discovered manifests is fatal, per spec.md §4.2's plugin-loading
// invariant — ambiguous tool ownership is a configuration error, not
// something to silently resolve by load order.
func DiscoverPlugins(roots []string) ([]*PluginManifest, error) {
	byID := make(map[string]*PluginManifest)
	byName := make(map[string]*PluginManifest)
	var out []*PluginManifest

	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat plugin root %s: %w", root, err)
		}
		if !info.IsDir() {
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != ManifestFilename {
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read manifest %s: %w", path, err)
			}
			var m PluginManifest
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("decode manifest %s: %w", path, err)
			}
			m.Path = filepath.Dir(path)
			if err := m.validate(); err != nil {
				return fmt.Errorf("invalid manifest %s: %w", path, err)
			}

			if existing, ok := byID[m.ID]; ok {
				return fmt.Errorf("duplicate plugin id %q: %s and %s", m.ID, existing.Path, m.Path)
			}
			if existing, ok := byName[m.Name]; ok {
				return fmt.Errorf("duplicate plugin name %q: %s and %s", m.Name, existing.Path, m.Path)
			}

			byID[m.ID] = &m
			byName[m.Name] = &m
			out = append(out, &m)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
