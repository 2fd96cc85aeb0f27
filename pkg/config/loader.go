package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLSource loads a Document from a YAML file isomorphic to the
// mapping-of-mappings model spec.md describes: a top-level "global"
// mapping and a "watches" mapping of path to per-watch config.
type YAMLSource struct {
	Path string
	fs   FileSystem
}

// NewYAMLSource returns a YAMLSource reading path from the real
// filesystem.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{Path: path, fs: RealFileSystem{}}
}

// NewYAMLSourceFS returns a YAMLSource reading path through fs,
// allowing tests to supply a MockFileSystem.
func NewYAMLSourceFS(path string, fs FileSystem) *YAMLSource {
	return &YAMLSource{Path: path, fs: fs}
}

func (s *YAMLSource) Load() (*Document, error) {
	data, err := s.fs.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", s.Path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", s.Path, err)
	}

	doc, err := build(raw)
	if err != nil {
		return nil, err
	}

	configPath, err := Canonicalize(s.Path)
	if err != nil {
		return nil, err
	}
	doc.ConfigPath = configPath
	return doc, nil
}

// MapSource wraps a mapping supplied directly at construction — the
// other half of spec.md's "either a mapping ... or a path" — with no
// known ConfigPath, since there is no file for obey(watch_config) to
// self-watch.
type MapSource struct {
	Raw map[string]any
}

// NewMapSource returns a MapSource over raw.
func NewMapSource(raw map[string]any) *MapSource {
	return &MapSource{Raw: raw}
}

func (s *MapSource) Load() (*Document, error) {
	return build(s.Raw)
}

// build validates and canonicalizes raw (the generic shape yaml.v3 and
// a hand-built map[string]any both produce) into a Document, applying
// spec.md §4.4's validation and merge-onto-defaults rules.
func build(raw map[string]any) (*Document, error) {
	doc := Default()
	if raw == nil {
		return doc, nil
	}

	if globalRaw, ok := asMap(raw["global"]); ok {
		for key, v := range globalRaw {
			if !isScalar(v) {
				return nil, fmt.Errorf("config: global.%s: value must be a bool, int, or string, got %T", key, v)
			}
			switch key {
			case "watch_config":
				doc.Global.WatchConfig = v
			case "watch_plugins":
				doc.Global.WatchPlugins = v
			default:
				return nil, fmt.Errorf("config: unknown global option %q", key)
			}
		}
	}

	if watchesRaw, ok := asMap(raw["watches"]); ok {
		for path, v := range watchesRaw {
			wc, ok := asMap(v)
			if !ok {
				return nil, fmt.Errorf("config: watches.%s must be a mapping", path)
			}
			canon, err := Canonicalize(path)
			if err != nil {
				return nil, err
			}
			doc.Watches[canon] = WatchConfig(wc)
		}
	}

	return doc, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case bool, int, string:
		return true
	default:
		return false
	}
}

// asMap coerces v to map[string]any if it is one (directly, or a
// map[any]any as some YAML decoders produce for non-string keys).
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	default:
		return nil, false
	}
}
