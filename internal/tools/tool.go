package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Tool is one callable the LLM can invoke. Parameters() describes the
// argument schema (JSON-Schema-shaped map, same convention as the teacher's
// tool files); RequiresApproval gates the turn loop's approval pause (§4.8).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	RequiresApproval() bool
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ToProviderDef converts a Tool to the wire-format definition sent to the LLM.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// CoerceArgs validates and coerces a raw argument map against a tool's
// declared JSON-Schema-like Parameters(): every present property is coerced
// to its declared type (a non-string value for a string property is
// stringified; a numeric string for a number/integer property is parsed to
// float64; a boolean property must already be a bool); a missing optional
// property is left absent; a missing required property is an error. This factors out the coercion every teacher tool file used to
// repeat inline (read_file, exec, ...) into one documented contract (§4.8).
func CoerceArgs(schema map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error) {
	props, _ := schema["properties"].(map[string]interface{})
	required, _ := schema["required"].([]string)

	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}

	for _, name := range required {
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("missing required argument %q", name)
		}
	}

	for name, rawSpec := range props {
		val, present := out[name]
		if !present {
			continue
		}
		spec, _ := rawSpec.(map[string]interface{})
		wantType, _ := spec["type"].(string)
		coerced, err := coerceValue(wantType, val)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceValue(wantType string, v interface{}) (interface{}, error) {
	switch wantType {
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case "number":
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			var f float64
			if err := json.Unmarshal([]byte(n), &f); err != nil {
				return nil, fmt.Errorf("expected number, got %q", n)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)
	case "integer":
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			var f float64
			if err := json.Unmarshal([]byte(n), &f); err != nil {
				return nil, fmt.Errorf("expected integer, got %q", n)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	case "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	default:
		return v, nil
	}
}
