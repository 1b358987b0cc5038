package tools

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

func registryWithAllTools() *Registry {
	r := NewRegistry()
	r.Register(&echoTool{})
	return r
}

func TestPolicyEngineNoRestrictionReturnsEverything(t *testing.T) {
	pe := NewPolicyEngine(config.ToolsConfig{})
	defs := pe.FilterTools(registryWithAllTools())
	if len(defs) != 1 {
		t.Fatalf("expected 1 tool definition, got %d", len(defs))
	}
}

func TestPolicyEngineDenyRemovesTool(t *testing.T) {
	pe := NewPolicyEngine(config.ToolsConfig{Deny: []string{"echo"}})
	defs := pe.FilterTools(registryWithAllTools())
	if len(defs) != 0 {
		t.Fatalf("expected echo to be denied, got %d defs", len(defs))
	}
}

func TestPolicyEngineAllowGroupExpansion(t *testing.T) {
	RegisterToolGroup("test-group", []string{"echo"})
	pe := NewPolicyEngine(config.ToolsConfig{Allow: []string{"group:test-group"}})
	defs := pe.FilterTools(registryWithAllTools())
	if len(defs) != 1 || defs[0].Function.Name != "echo" {
		t.Fatalf("expected echo via group expansion, got %+v", defs)
	}
}

func TestPolicyEngineMinimalProfileExcludesUngroupedTool(t *testing.T) {
	pe := NewPolicyEngine(config.ToolsConfig{Profile: "minimal"})
	defs := pe.FilterTools(registryWithAllTools())
	if len(defs) != 0 {
		t.Fatalf("expected minimal profile to exclude echo, got %d defs", len(defs))
	}
}
