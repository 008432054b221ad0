package tools

import "fmt"

// ValidateInputs checks args against an object-typed JSON schema subset:
// top-level type "object", a properties map with per-key type names, and a
// required list. Unknown schema fields and unknown type names pass. The
// returned slice is empty when the payload validates.
func ValidateInputs(schema map[string]any, args map[string]any) []string {
	if schema == nil {
		return nil
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "" && schemaType != "object" {
		return []string{fmt.Sprintf("unsupported input_schema type: %s", schemaType)}
	}

	var errors []string
	if required, ok := schema["required"].([]any); ok {
		for _, item := range required {
			key, ok := item.(string)
			if !ok {
				continue
			}
			if _, present := args[key]; !present {
				errors = append(errors, fmt.Sprintf("missing required field: %s", key))
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return errors
	}
	for key, definition := range properties {
		value, present := args[key]
		if !present {
			continue
		}
		def, ok := definition.(map[string]any)
		if !ok {
			continue
		}
		expected, ok := def["type"].(string)
		if !ok || expected == "" {
			continue
		}
		if !matchesType(value, expected) {
			errors = append(errors, fmt.Sprintf("field %s must be %s", key, expected))
		}
	}
	return errors
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		default:
			return false
		}
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
