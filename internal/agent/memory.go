package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// recentUserTextCap bounds how much trailing user text feeds the memory
// query, so a long pasted document doesn't dominate the FTS5 match.
const recentUserTextCap = 500

// memoryContextLimit is the default number of memory documents surfaced in
// the "## Relevant Memories" section.
const memoryContextLimit = 6

// priority multipliers applied to a memory's base relevance score before
// the final ranking. A memory tagged "priority:high" outranks an
// equally-relevant "priority:low" one.
var memoryPriorityMultiplier = map[string]float64{
	"priority:high":   1.3,
	"priority:medium": 1.0,
	"priority:low":    0.7,
}

// BuildMemorySection queries the search index for notes relevant to the
// trailing user turns of messages, restricted to tags visible from
// accessibleChannels, reranks by score×priority, and renders them as a
// "## Relevant Memories" prompt section. Returns "" when nothing matches or
// memory is unavailable, so callers can unconditionally append the result.
func BuildMemorySection(ctx context.Context, idx *search.Index, sessionStore *sessions.Store, recentUserText string, currentChannelID string, limit int) string {
	if idx == nil || strings.TrimSpace(recentUserText) == "" {
		return ""
	}
	if limit <= 0 {
		limit = memoryContextLimit
	}

	query := recentUserText
	if len(query) > recentUserTextCap {
		query = query[len(query)-recentUserTextCap:]
	}

	visibleTags := accessibleVisibilityTags(ctx, sessionStore, currentChannelID)

	results, err := idx.Search(ctx, query, visibleTags, limit*4, false)
	if err != nil || len(results) == 0 {
		return ""
	}

	type scored struct {
		doc   search.Document
		score float64
	}
	var ranked []scored
	for _, r := range results {
		if !visibleByTag(r.Tags, visibleTags) {
			continue
		}
		ranked = append(ranked, scored{doc: r.Document, score: r.Score * priorityMultiplier(r.Tags)})
	}
	if len(ranked) == 0 {
		return ""
	}

	// Stable sort by the reweighted score, descending.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	var b strings.Builder
	b.WriteString("## Relevant Memories\n\n")
	for _, r := range ranked {
		title := r.doc.Title
		if title == "" {
			title = r.doc.ID
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", title, r.doc.Text)
	}
	return b.String()
}

// priorityMultiplier looks for a "priority:<level>" tag and returns its
// multiplier, defaulting to the "medium" weight when none is set.
func priorityMultiplier(tags []string) float64 {
	for _, t := range tags {
		if m, ok := memoryPriorityMultiplier[t]; ok {
			return m
		}
	}
	return memoryPriorityMultiplier["priority:medium"]
}

// visibleByTag reports whether a document carries at least one tag present
// in the visible set, or carries no channel-visibility tag at all (session
// entry documents, which aren't scoped this way).
func visibleByTag(docTags, visible []string) bool {
	hasVisibilityTag := false
	for _, t := range docTags {
		if strings.HasPrefix(t, "agent_data:") {
			hasVisibilityTag = true
			for _, v := range visible {
				if t == v {
					return true
				}
			}
		}
	}
	return !hasVisibilityTag
}

// accessibleVisibilityTags returns the agent_data visibility tags reachable
// from currentChannelID: its own channel tag, the public tag, and the tags
// of every other channel whose session is accessible from here.
func accessibleVisibilityTags(ctx context.Context, sessionStore *sessions.Store, currentChannelID string) []string {
	tags := []string{store.VisibilityTag(""), store.VisibilityTag(currentChannelID)}
	if sessionStore == nil {
		return tags
	}
	channelIDs, err := sessionStore.AccessibleChannels(ctx, currentChannelID)
	if err != nil {
		return tags
	}
	for _, chID := range channelIDs {
		tags = append(tags, store.VisibilityTag(chID))
	}
	return tags
}
