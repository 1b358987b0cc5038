package tools

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Tool groups map group names to tool names, expanded by "group:name" entries
// in a ToolsConfig's Allow/Deny/AlsoAllow lists.
var toolGroups = map[string][]string{
	"memory":     {"memory_store", "memory_search", "memory_get", "memory_list", "memory_remove"},
	"fs":         {"read_file", "write_file", "list_files"},
	"runtime":    {"exec"},
	"management": {"list_channels", "list_event_types", "list_event_handlers", "add_event_handler", "remove_event_handler"},
}

// RegisterToolGroup adds or replaces a dynamic tool group (e.g. for
// per-EventSource tool sets registered at process wiring time).
func RegisterToolGroup(name string, members []string) {
	toolGroups[name] = members
}

// Tool profiles define preset allow sets.
var toolProfiles = map[string][]string{
	"minimal": {"group:management"},
	"full":    {}, // empty = no restriction
}

// PolicyEngine evaluates tool access against a single ToolsConfig. The tool
// registry is process-wide for this single-agent runtime, so the teacher's
// per-provider/per-agent/per-subagent policy layering doesn't apply here —
// there is exactly one agent and no subagent delegation.
type PolicyEngine struct {
	cfg config.ToolsConfig
}

// NewPolicyEngine creates a policy engine from the runtime's tools config.
func NewPolicyEngine(cfg config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

// FilterTools returns the provider-ready tool definitions allowed by policy.
func (pe *PolicyEngine) FilterTools(registry *Registry) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := pe.applyProfile(allTools, pe.cfg.Profile)

	if len(pe.cfg.Allow) > 0 {
		allowed = intersectWithSpec(allowed, pe.cfg.Allow)
	}
	if len(pe.cfg.Deny) > 0 {
		allowed = subtractSpec(allowed, pe.cfg.Deny)
	}
	if len(pe.cfg.AlsoAllow) > 0 {
		allowed = unionWithSpec(allowed, allTools, pe.cfg.AlsoAllow)
	}

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		if t, ok := registry.Get(name); ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

func (pe *PolicyEngine) applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return copySlice(allTools)
	}
	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("unknown tool profile, using full", "profile", profile)
		return copySlice(allTools)
	}
	return expandSpec(allTools, spec)
}

// --- Set operations with group expansion ---

func expandSpec(available []string, spec []string) []string {
	expanded := expandGroupSpec(spec)
	var result []string
	for _, t := range available {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func intersectWithSpec(current []string, spec []string) []string {
	expanded := expandGroupSpec(spec)
	var result []string
	for _, t := range current {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func subtractSpec(current []string, spec []string) []string {
	denied := expandGroupSpec(spec)
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func unionWithSpec(current []string, allTools []string, spec []string) []string {
	existing := make(map[string]bool, len(current))
	for _, t := range current {
		existing[t] = true
	}
	for _, t := range expandSpec(allTools, spec) {
		if !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

func expandGroupSpec(spec []string) map[string]bool {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := toolGroups[strings.TrimPrefix(s, "group:")]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	return expanded
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
