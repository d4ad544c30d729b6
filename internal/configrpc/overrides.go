package configrpc

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ParseCLIOverrides turns repeated "-c key=value" pairs into one nested
// override table. Keys are dotted paths; each value is decoded as a TOML
// scalar or inline table, and a value that is not valid TOML is kept as a
// plain string so operators can write -c model=gpt-x without quoting.
// Later pairs deep-merge over earlier ones.
func ParseCLIOverrides(pairs []string) (map[string]any, error) {
	merged := map[string]any{}
	for _, kv := range pairs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("configrpc: invalid override %q, expected key=value", kv)
		}
		nested, err := parseOverride(key, raw)
		if err != nil {
			return nil, err
		}
		merged = mergeTomlValues(merged, nested)
	}
	return merged, nil
}

func parseOverride(key, raw string) (map[string]any, error) {
	segments := strings.Split(key, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("configrpc: invalid override key %q", key)
		}
	}
	return nestDotted(segments, parseTomlValue(raw)), nil
}

// parseTomlValue decodes raw as a TOML value by wrapping it in a one-key
// document; anything TOML rejects is returned as the raw string.
func parseTomlValue(raw string) any {
	var doc map[string]any
	if err := toml.Unmarshal([]byte("v = "+raw), &doc); err == nil {
		if v, ok := doc["v"]; ok {
			return v
		}
	}
	return raw
}

func nestDotted(segments []string, value any) map[string]any {
	out := map[string]any{segments[len(segments)-1]: value}
	for i := len(segments) - 2; i >= 0; i-- {
		out = map[string]any{segments[i]: out}
	}
	return out
}
