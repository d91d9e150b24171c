package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// jsonBody returns the config file body as JSON. YAML files are converted so
// one strict decoder (DisallowUnknownFields) covers both formats.
func jsonBody(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites every map key to a string; json.Marshal rejects
// the map[any]any values the YAML decoder can produce.
func stringifyKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringifyKeys(e)
		}
		return out
	case map[string]any:
		for k, e := range t {
			t[k] = stringifyKeys(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = stringifyKeys(e)
		}
		return t
	default:
		return v
	}
}
