package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Load reads path (a YAML document, optionally using $include and
// ${ENV}-style substitution) layered onto Default(), then validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	raw, err := loadRawRecursive(path, map[string]bool{})
	if err != nil {
		return Config{}, err
	}

	merged, err := mergeOntoDefault(cfg, raw)
	if err != nil {
		return Config{}, err
	}
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	return merged, nil
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config: include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", absPath, err)
	}
	expanded := os.ExpandEnv(string(data))

	var raw map[string]any
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRawRecursive(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("config: %s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("config: %s must be a string or list of strings", includeKey)
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// mergeOntoDefault decodes raw on top of base by round-tripping base
// through YAML first, so fields the file omits keep their defaults
// instead of being zeroed.
func mergeOntoDefault(base Config, raw map[string]any) (Config, error) {
	basePayload, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, fmt.Errorf("config: serialize defaults: %w", err)
	}
	var baseMap map[string]any
	if err := yaml.Unmarshal(basePayload, &baseMap); err != nil {
		return Config{}, fmt.Errorf("config: decode defaults: %w", err)
	}

	merged := mergeMaps(baseMap, raw)
	payload, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("config: serialize merged config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse merged config: %w", err)
	}
	return cfg, nil
}
