package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lookup returns the value at a dotted key such as capture.pipeline.framerate
func (m *Manager) Lookup(key string) (interface{}, error) {
	tree, err := toTree(m.Get())
	if err != nil {
		return nil, err
	}

	var node interface{} = tree
	for _, part := range strings.Split(key, ".") {
		section, ok := node.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("configuration key not found: %s", key)
		}
		if node, ok = section[part]; !ok {
			return nil, fmt.Errorf("configuration key not found: %s", key)
		}
	}
	return node, nil
}

// Set parses value as YAML, stores it at a dotted key and saves. The
// resulting configuration must still validate.
func (m *Manager) Set(key, value string) error {
	tree, err := toTree(m.Get())
	if err != nil {
		return err
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	parts := strings.Split(key, ".")
	section := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := section[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("configuration key not found: %s", key)
		}
		section = next
	}
	last := parts[len(parts)-1]
	if _, ok := section[last]; !ok {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	if _, isSection := section[last].(map[string]interface{}); isSection {
		return fmt.Errorf("%s is a section, set one of its keys instead", key)
	}
	section[last] = parsed

	data, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return m.Update(cfg)
}

func toTree(cfg *Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return tree, nil
}
