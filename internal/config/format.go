package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

var reEnvRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// toJSON returns the document as JSON for the strict decoder. YAML files
// (.yaml, .yml) are converted and "${NAME}" references in their string
// values are replaced from the environment; anything else is taken as JSON.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalid, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(plain(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalid, err)
	}
	return out, nil
}

// plain rewrites a decoded YAML tree into JSON-compatible values.
func plain(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = plain(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = plain(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = plain(e)
		}
		return x
	case string:
		return expandEnv(x)
	default:
		return v
	}
}

// expandEnv replaces ${NAME} with the variable's value. Unset variables
// expand to "". A bare $ is left alone so passwords survive.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return reEnvRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Duration parses a duration setting at path. Empty or zero yields def.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}
