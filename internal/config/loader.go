package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Include directives: "$include" is canonical, bare "include" accepted.
var includeKeys = []string{"$include", "include"}

// LoadRaw reads a config file into a merged raw map. Environment
// variables are expanded over the raw bytes, $include fragments are
// merged in declaration order (later wins), and the including file
// itself wins over everything it pulled in.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return readTree(path, map[string]bool{})
}

func readTree(path string, active map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	active[abs] = true
	defer delete(active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseFragment([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}

	fragments, err := popIncludes(doc)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for _, fragment := range fragments {
		if strings.TrimSpace(fragment) == "" {
			continue
		}
		if !filepath.IsAbs(fragment) {
			fragment = filepath.Join(filepath.Dir(abs), fragment)
		}
		sub, err := readTree(fragment, active)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	return deepMerge(merged, doc), nil
}

// parseFragment decodes one file by extension: .json/.json5 via json5,
// everything else as a single YAML document.
func parseFragment(data []byte, pathHint string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&doc); err != nil {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse config: expected single document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludes removes the include directive from doc and returns the
// referenced fragment paths.
func popIncludes(doc map[string]any) ([]string, error) {
	var value any
	for _, key := range includeKeys {
		if v, ok := doc[key]; ok {
			value = v
			delete(doc, key)
			break
		}
	}

	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			path, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, path)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// deepMerge overlays src onto dst, recursing into maps so fragments can
// override individual keys without clobbering whole sections.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips the merged map through YAML into the
// typed Config with unknown fields rejected.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
