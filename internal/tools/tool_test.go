package tools

import "testing"

func TestCoerceArgsFillsTypesAndChecksRequired(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "integer"},
			"ok":    map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"name"},
	}

	out, err := CoerceArgs(schema, map[string]interface{}{"name": "a", "count": 3.0, "ok": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["name"] != "a" || out["count"] != 3.0 || out["ok"] != true {
		t.Fatalf("unexpected coerced args: %+v", out)
	}
}

func TestCoerceArgsMissingRequired(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []string{"path"},
	}
	if _, err := CoerceArgs(schema, map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing required argument")
	}
}

func TestCoerceArgsStringifiesNonStringForStringField(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"key": map[string]interface{}{"type": "string"}},
	}
	out, err := CoerceArgs(schema, map[string]interface{}{"key": 42.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["key"] != "42" {
		t.Fatalf("expected stringified value, got %v", out["key"])
	}
}

func TestCoerceArgsRejectsWrongBoolean(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"flag": map[string]interface{}{"type": "boolean"}},
	}
	if _, err := CoerceArgs(schema, map[string]interface{}{"flag": "yes"}); err == nil {
		t.Fatal("expected error coercing a non-bool value to boolean")
	}
}
