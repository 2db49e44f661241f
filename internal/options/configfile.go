package options

import (
	"os"

	"gopkg.in/yaml.v2"
)

// LoadFile decodes a YAML configuration file into a flat dotted-key map
// suitable for passing as Store.Load's fileValues argument. A missing file
// is not an error — it simply contributes nothing, letting defaults and
// environment variables take over.
func LoadFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	flat := map[string]any{}
	flatten("", tree, flat)
	return flat, nil
}

func flatten(prefix string, node any, out map[string]any) {
	m, ok := node.(map[string]any)
	if !ok {
		// yaml.v2 decodes nested maps as map[interface{}]interface{}
		if im, ok2 := node.(map[interface{}]interface{}); ok2 {
			m = make(map[string]any, len(im))
			for k, v := range im {
				if ks, ok3 := k.(string); ok3 {
					m[ks] = v
				}
			}
		}
	}
	if m != nil {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, v, out)
		}
		return
	}
	if prefix != "" {
		out[prefix] = normalizeYAMLValue(node)
	}
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case []interface{}:
		strs := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				strs = append(strs, s)
			}
		}
		return strs
	default:
		return v
	}
}
