// Package sessions folds the append-only session log kept in internal/store
// into the in-memory AgentState projection the turn loop operates on, and
// builds cross-session "bridge context" when a stale session rotates.
package sessions

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// FixedRejectionReason is appended to every PendingToolCall that a plain
// user turn auto-rejects instead of answering.
const FixedRejectionReason = "User skipped or otherwise chose not to allow this tool call to run."

// PendingToolCall is a tool call awaiting (or having received) an approval
// decision. It lives transiently within a turn and is persisted on
// AgentState only while blocked on the user.
type PendingToolCall struct {
	CallID         string `json:"call_id"`
	Name           string `json:"name"`
	Arguments      string `json:"arguments"`
	Approved       *bool  `json:"approved,omitempty"`
	RejectedReason string `json:"rejected_reason,omitempty"`
}

// AgentState is the derived fold of a session's entries: the message
// history, the last provider response id (for providers that support
// response-chaining), accumulated usage, and any tool calls still waiting
// on a user approval decision.
type AgentState struct {
	Messages         []providers.Message `json:"messages"`
	ResponseID       string              `json:"response_id"`
	Usage            providers.Usage     `json:"usage"`
	PendingToolCalls []PendingToolCall   `json:"pending_tool_calls"`
}

// Entry is the decoded form of a store.SessionEntryRow: one logical turn
// (or a compaction) in a session's history.
type Entry struct {
	ID           int64
	SessionID    string
	CreatedAt    time.Time
	Messages     []providers.Message
	IsCompaction bool
	ResponseID   string
	Usage        providers.Usage
	Pending      []PendingToolCall
	UserID       string
	PostID       string
	Deleted      bool
}

// Apply folds one entry into state, per the spec's deterministic fold:
// a normal entry extends messages and updates response_id/usage; a
// compaction entry replaces all prior messages with its own (summary)
// content. Deleted (scrubbed) entries are skipped entirely — scrub is a
// soft-delete kept only for provider prompt-cache prefix stability.
func Apply(state AgentState, entry Entry) AgentState {
	if entry.Deleted {
		return state
	}

	if entry.IsCompaction {
		state.Messages = append([]providers.Message{}, entry.Messages...)
	} else {
		state.Messages = append(state.Messages, entry.Messages...)
	}

	if entry.ResponseID != "" {
		state.ResponseID = entry.ResponseID
	}

	state.Usage.PromptTokens += entry.Usage.PromptTokens
	state.Usage.CompletionTokens += entry.Usage.CompletionTokens
	state.Usage.TotalTokens += entry.Usage.TotalTokens
	state.Usage.CacheCreationTokens += entry.Usage.CacheCreationTokens
	state.Usage.CacheReadTokens += entry.Usage.CacheReadTokens

	state.PendingToolCalls = append([]PendingToolCall{}, entry.Pending...)

	return state
}

// Fold applies every entry in order, starting from a zero-value state.
func Fold(entries []Entry) AgentState {
	state := AgentState{}
	for _, e := range entries {
		state = Apply(state, e)
	}
	return state
}

// RejectPending synthesizes a ToolResultMessage rejection for every
// pending tool call and clears the pending list, per the turn-loop
// preamble: a plain text input after a blocked approval auto-rejects
// rather than leaving orphaned tool_use blocks.
func RejectPending(state AgentState) (AgentState, []providers.Message) {
	if len(state.PendingToolCalls) == 0 {
		return state, nil
	}

	rejections := make([]providers.Message, 0, len(state.PendingToolCalls))
	for _, p := range state.PendingToolCalls {
		rejections = append(rejections, providers.Message{
			Role:       "tool",
			Content:    FixedRejectionReason,
			ToolCallID: p.CallID,
		})
	}
	state.PendingToolCalls = nil
	return state, rejections
}

type entryPayload struct {
	Messages []providers.Message `json:"messages"`
	Pending  []PendingToolCall   `json:"pending,omitempty"`
}

// encodeMessages serializes messages for storage in session_entries.messages_json.
func encodeMessages(msgs []providers.Message) (string, error) {
	b, err := json.Marshal(entryPayload{Messages: msgs})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMessages(raw string) ([]providers.Message, []PendingToolCall, error) {
	if raw == "" {
		return nil, nil, nil
	}
	var p entryPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil, err
	}
	return p.Messages, p.Pending, nil
}

func encodeUsage(u providers.Usage) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeUsage(raw string) providers.Usage {
	var u providers.Usage
	if raw == "" {
		return u
	}
	json.Unmarshal([]byte(raw), &u)
	return u
}

func encodePending(p []PendingToolCall) (string, error) {
	if len(p) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePending(raw string) []PendingToolCall {
	var p []PendingToolCall
	if raw == "" {
		return nil
	}
	json.Unmarshal([]byte(raw), &p)
	return p
}
