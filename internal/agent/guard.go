package agent

import (
	"regexp"
	"strings"
)

// injectionPatterns catch the common prompt-injection phrasings: instructions
// to disregard prior system guidance, exfiltrate secrets, or impersonate a
// system message embedded in user-controlled text.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (your|the) (system|previous) prompt`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
	regexp.MustCompile(`(?i)reveal (your|the) system prompt`),
	regexp.MustCompile(`(?i)print (your|the) (api key|credentials|secret)`),
	regexp.MustCompile(`(?i)\[system\]|\[SYSTEM MESSAGE\]`),
}

// InputGuard scans inbound text for prompt-injection attempts before a turn
// starts. Action controls what happens on a hit: "block" aborts the turn,
// "warn"/"log" let it through but record the match, "off" disables scanning.
type InputGuard struct {
	action string
}

// NewInputGuard builds a guard from the configured action. An unrecognized
// action behaves like "log".
func NewInputGuard(action string) *InputGuard {
	if action == "" {
		action = "log"
	}
	return &InputGuard{action: action}
}

// Scan reports every injection pattern that matched text.
func (g *InputGuard) Scan(text string) []string {
	var hits []string
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			hits = append(hits, p.String())
		}
	}
	return hits
}

// Evaluate reports whether the turn may proceed. It always returns true
// unless the guard is configured to block and a pattern matched.
func (g *InputGuard) Evaluate(text string) (ok bool, hits []string) {
	hits = g.Scan(text)
	if len(hits) == 0 {
		return true, nil
	}
	return g.action != "block", hits
}

// Enabled reports whether the guard performs any scanning at all.
func (g *InputGuard) Enabled() bool {
	return g.action != "off"
}

// RefusalMessage is the user-visible text returned when a blocked turn is
// refused outright.
func RefusalMessage(hits []string) string {
	return "I can't continue with that request — it looked like an attempt to override my instructions (" + strings.Join(hits, "; ") + ")."
}
