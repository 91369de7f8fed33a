package scope

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map is the project's keyword-to-glob mapping, loaded from a workspace
// file. Features name vertical slices, categories name cross-cutting
// concerns, and stacks provide fallback source globs when nothing explicit
// matches a descriptor.
type Map struct {
	Features   map[string][]string `yaml:"features" json:"features"`
	Categories map[string][]string `yaml:"categories" json:"categories"`
	Stacks     []StackGlobs        `yaml:"stacks" json:"stacks"`
	Risks      map[string]string   `yaml:"risks" json:"risks"` // glob -> risk annotation
}

// StackGlobs describes the source globs for one detected project stack.
type StackGlobs struct {
	Name  string   `yaml:"name" json:"name"`
	Globs []string `yaml:"globs" json:"globs"`
}

// LoadMapFromPath reads a scope map file (YAML or JSON). Format is detected
// by extension, falling back to content sniffing the way workspace files
// usually are.
func LoadMapFromPath(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope map: %w", err)
	}
	return LoadMap(data, filepath.Ext(path))
}

// LoadMap parses scope map bytes. ext is the file extension for format hint;
// empty means detect from content.
func LoadMap(data []byte, ext string) (*Map, error) {
	ext = strings.ToLower(ext)
	if ext == ".yml" {
		ext = ".yaml"
	}
	switch ext {
	case ".yaml":
		var m Map
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse scope map yaml: %w", err)
		}
		return &m, nil
	case ".json":
		var m Map
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse scope map json: %w", err)
		}
		return &m, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var m Map
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse scope map json: %w", err)
		}
		return &m, nil
	}
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse scope map yaml: %w", err)
	}
	return &m, nil
}

// globsFor returns the glob patterns the descriptor maps to, plus whether
// the lookup was an explicit map hit (as opposed to a stack fallback).
func (m *Map) globsFor(d Descriptor) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	key := strings.ToLower(d.Value)
	switch d.Kind {
	case KindFeature:
		if globs, ok := m.Features[key]; ok {
			return globs, true
		}
	case KindCross:
		if globs, ok := m.Categories[key]; ok {
			return globs, true
		}
	case KindFreeform:
		// Freeform text matches any feature or category keyword it mentions.
		var globs []string
		for kw, g := range m.Features {
			if containsWord(key, kw) {
				globs = append(globs, g...)
			}
		}
		for kw, g := range m.Categories {
			if containsWord(key, kw) {
				globs = append(globs, g...)
			}
		}
		if len(globs) > 0 {
			return globs, true
		}
	}
	return nil, false
}

// stackGlobs returns the union of all stack fallback globs.
func (m *Map) stackGlobs() []string {
	if m == nil {
		return nil
	}
	var globs []string
	for _, s := range m.Stacks {
		globs = append(globs, s.Globs...)
	}
	return globs
}

func containsWord(text, word string) bool {
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if tok == word {
			return true
		}
	}
	return false
}
