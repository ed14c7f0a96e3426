package tools

import (
	"fmt"
	"math"
	"slices"
)

// CheckSchema validates params against the subset of JSON Schema used by tool
// input schemas: required keys, primitive property types and defaults.
// Missing optional properties with a "default" are filled in place.
// Properties not declared in the schema are left alone.
func CheckSchema(schema map[string]any, params map[string]any) error {
	props, _ := schema["properties"].(map[string]any)

	for _, key := range requiredKeys(schema) {
		if _, ok := params[key]; !ok {
			if def, hasDefault := defaultOf(props, key); hasDefault {
				params[key] = def
				continue
			}
			return fmt.Errorf("missing required parameter: %s", key)
		}
	}

	for key, raw := range props {
		prop, _ := raw.(map[string]any)
		v, ok := params[key]
		if !ok {
			if def, hasDefault := prop["default"]; hasDefault {
				params[key] = def
			}
			continue
		}
		typ, _ := prop["type"].(string)
		if err := checkType(key, typ, v); err != nil {
			return err
		}
		if enum, ok := prop["enum"].([]string); ok {
			s, _ := v.(string)
			if !slices.Contains(enum, s) {
				return fmt.Errorf("parameter %s must be one of %v, got %q", key, enum, s)
			}
		}
	}
	return nil
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		keys := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}

func defaultOf(props map[string]any, key string) (any, bool) {
	prop, _ := props[key].(map[string]any)
	def, ok := prop["default"]
	return def, ok
}

func checkType(key, typ string, v any) error {
	if typ == "" {
		return nil
	}
	ok := false
	switch typ {
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = toFloat(v)
	case "integer":
		f, isNum := toFloat(v)
		ok = isNum && f == math.Trunc(f)
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("parameter %s must be of type %s, got %T", key, typ, v)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// IntParam reads an optional integer parameter, accepting JSON numbers.
func IntParam(params map[string]any, key string, def int) int {
	if f, ok := toFloat(params[key]); ok {
		return int(f)
	}
	return def
}

// StringParam reads a string parameter, returning "" when absent.
func StringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// ObjectSchema builds a JSON Schema object for a tool with the given
// properties and required keys.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
