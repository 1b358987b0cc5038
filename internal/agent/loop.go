// Package agent implements the provider-polymorphic Agent Turn Loop: the
// think→act→observe cycle that turns one user input (or tool-result
// continuation) into a persisted session entry and a reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// maxTurnIterations bounds the think→act→observe cycle independent of any
// per-tool timeout, so a provider that never stops requesting tool calls
// can't run the process out of memory.
const maxTurnIterations = 24

// TurnLoop drives one agent turn against a single provider and tool
// registry. It is stateless between calls — all durable state lives in the
// session store, loaded fresh at the start of every RunTurn.
type TurnLoop struct {
	Provider    providers.Provider
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine // nil = every registered tool offered
	Sessions    *sessions.Store
	SearchIndex *search.Index
	Guard       *InputGuard // nil = no prompt-injection scanning
	Agent       config.AgentConfig
}

// Input is either a fresh user turn (Text set) or a tool-result continuation
// supplied by the caller after executing async/out-of-band tool calls —
// never both at once. Bridge carries the retired-session "Previous Session
// Context" summary (sessions.Store.Resolve) when this turn is the first one
// after a session rotation; it is spliced into the system prompt rather
// than prepended to Text so it never pollutes the persisted user message.
type Input struct {
	Text    string
	Bridge  string
	Results []providers.Message
}

// TurnResult is what the channel adapter needs to decide what, if anything,
// to deliver to the user.
type TurnResult struct {
	Text            string
	Silent          bool // group chat, not directly addressed, and the reply is empty or NO_REPLY
	StopReason      providers.StopReason
	PendingApproval bool
	RefusedByGuard  bool
	Usage           providers.Usage
}

// RunTurn executes one full think→act→observe cycle for sessionID and
// persists every entry it produces. isGroup/directlyAddressed drive the
// group-chat output guard; a 1:1 channel always delivers its reply.
func (l *TurnLoop) RunTurn(ctx context.Context, sessionID, channelID string, isGroup, directlyAddressed bool, in Input) (*TurnResult, error) {
	state, err := l.Sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}

	var newMessages []providers.Message

	if in.Text != "" {
		if len(state.PendingToolCalls) > 0 {
			var rejections []providers.Message
			state, rejections = sessions.RejectPending(state)
			newMessages = append(newMessages, rejections...)
		}

		if l.Guard != nil && l.Guard.Enabled() {
			if ok, hits := l.Guard.Evaluate(in.Text); !ok {
				slog.Warn("input guard blocked turn", "session_id", sessionID, "hits", hits)
				refusal := RefusalMessage(hits)
				newMessages = append(newMessages,
					providers.Message{Role: "user", Content: in.Text},
					providers.Message{Role: "assistant", Content: refusal},
				)
				if _, err := l.Sessions.AppendEntry(ctx, sessionID, sessions.Entry{Messages: newMessages}); err != nil {
					return nil, fmt.Errorf("persist refused turn: %w", err)
				}
				return &TurnResult{Text: refusal, StopReason: providers.StopReasonSafety, RefusedByGuard: true}, nil
			} else if len(hits) > 0 {
				slog.Warn("input guard matched", "session_id", sessionID, "action", l.Guard.action, "hits", hits)
			}
		}

		newMessages = append(newMessages, providers.Message{Role: "user", Content: in.Text})
	} else {
		newMessages = append(newMessages, in.Results...)
	}

	messages := append(append([]providers.Message{}, state.Messages...), newMessages...)

	if prompt := l.buildSystemPrompt(ctx, channelID, recentUserText(messages), in.Bridge); prompt != "" {
		messages = append([]providers.Message{{Role: "system", Content: prompt}}, messages...)
	}

	toolDefs := l.Tools.ProviderDefs()
	if l.ToolPolicy != nil {
		toolDefs = l.ToolPolicy.FilterTools(l.Tools)
	}

	var loopDetector toolLoopState
	var totalUsage providers.Usage
	var finalContent string
	var stopReason providers.StopReason
	var pendingApproval bool
	done := false

	for iteration := 0; iteration < maxTurnIterations && !done; iteration++ {
		resp, err := l.Provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.Agent.Model,
			Options: map[string]interface{}{
				"max_tokens":  l.Agent.MaxTokens,
				"temperature": l.Agent.Temperature,
			},
		})
		if err != nil {
			if _, perr := l.Sessions.AppendEntry(ctx, sessionID, sessions.Entry{Messages: newMessages}); perr != nil {
				slog.Warn("persist partial turn after provider error failed", "session_id", sessionID, "error", perr)
			}
			return nil, fmt.Errorf("provider call failed (iteration %d): %w", iteration+1, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.CacheCreationTokens += resp.Usage.CacheCreationTokens
			totalUsage.CacheReadTokens += resp.Usage.CacheReadTokens
		}

		stopReason = providers.NormalizeStopReason(resp.FinishReason, len(resp.ToolCalls) > 0)

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		newMessages = append(newMessages, assistantMsg)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			done = true
			break
		}

		var pending []sessions.PendingToolCall
		for _, tc := range resp.ToolCalls {
			if t, ok := l.Tools.Get(tc.Name); ok && t.RequiresApproval() {
				argsJSON, _ := json.Marshal(tc.Arguments)
				pending = append(pending, sessions.PendingToolCall{CallID: tc.ID, Name: tc.Name, Arguments: string(argsJSON)})
			}
		}
		if len(pending) > 0 {
			if _, err := l.Sessions.AppendEntry(ctx, sessionID, sessions.Entry{Messages: newMessages, Pending: pending}); err != nil {
				return nil, fmt.Errorf("persist entry pending approval: %w", err)
			}
			pendingApproval = true
			done = true
			break
		}

		toolMsgs, stuck, stuckMsg := l.executeToolCalls(ctx, resp.ToolCalls, &loopDetector)
		messages = append(messages, toolMsgs...)
		newMessages = append(newMessages, toolMsgs...)

		if stuck {
			stuckAssistant := providers.Message{Role: "assistant", Content: stuckMsg}
			messages = append(messages, stuckAssistant)
			newMessages = append(newMessages, stuckAssistant)
			finalContent = stuckMsg
			stopReason = providers.StopReasonOther
			done = true
		}
	}

	if !done {
		finalContent = "I wasn't able to finish this within the allotted tool-call iterations. Please try a narrower request."
		stopReason = providers.StopReasonOther
		newMessages = append(newMessages, providers.Message{Role: "assistant", Content: finalContent})
	}

	if !pendingApproval {
		if _, err := l.Sessions.AppendEntry(ctx, sessionID, sessions.Entry{
			Messages: newMessages,
			Usage:    totalUsage,
		}); err != nil {
			return nil, fmt.Errorf("persist turn: %w", err)
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	silentReply := finalContent == "" || IsSilentReply(finalContent)

	return &TurnResult{
		Text:            finalContent,
		Silent:          isGroup && !directlyAddressed && silentReply,
		StopReason:      stopReason,
		PendingApproval: pendingApproval,
		Usage:           totalUsage,
	}, nil
}

// executeToolCalls runs a batch of tool calls — sequentially for one call,
// concurrently (with original-index reassembly) for several — and converts
// each result into a ToolResultMessage. stuck reports that the loop
// detector found a call repeating without progress; the caller should stop
// iterating when it does.
func (l *TurnLoop) executeToolCalls(ctx context.Context, calls []providers.ToolCall, detector *toolLoopState) (msgs []providers.Message, stuck bool, stuckMsg string) {
	if len(calls) == 1 {
		tc := calls[0]
		result := l.Tools.Execute(ctx, tc.Name, tc.Arguments)
		return append(msgs, l.toolResultMessage(tc, result)), l.checkLoop(detector, tc, result, &stuckMsg)
	}

	type indexedResult struct {
		idx    int
		tc     providers.ToolCall
		result *tools.Result
	}
	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexedResult{idx: idx, tc: tc, result: l.Tools.Execute(ctx, tc.Name, tc.Arguments)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	for _, r := range collected {
		msgs = append(msgs, l.toolResultMessage(r.tc, r.result))
		if l.checkLoop(detector, r.tc, r.result, &stuckMsg) {
			stuck = true
		}
	}
	return msgs, stuck, stuckMsg
}

func (l *TurnLoop) toolResultMessage(tc providers.ToolCall, result *tools.Result) providers.Message {
	if result.IsError {
		slog.Warn("tool execution error", "tool", tc.Name, "error", truncateErr(result.ForLLM, 200))
	}
	return providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}
}

func truncateErr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (l *TurnLoop) checkLoop(detector *toolLoopState, tc providers.ToolCall, result *tools.Result, stuckMsg *string) bool {
	hash := detector.record(tc.Name, tc.Arguments)
	detector.recordResult(hash, result.ForLLM)
	level, msg := detector.detect(tc.Name, hash)
	switch level {
	case "critical":
		slog.Warn("tool loop critical", "tool", tc.Name, "message", msg)
		*stuckMsg = "I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
		return true
	case "warning":
		slog.Warn("tool loop warning", "tool", tc.Name, "message", msg)
	}
	return false
}

func (l *TurnLoop) buildSystemPrompt(ctx context.Context, channelID, recent, bridge string) string {
	var b strings.Builder
	if l.Agent.SystemPrompt != "" {
		b.WriteString(l.Agent.SystemPrompt)
	}
	if bridge != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(bridge)
	}
	if l.SearchIndex != nil {
		if mem := BuildMemorySection(ctx, l.SearchIndex, l.Sessions, recent, channelID, 0); mem != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(mem)
		}
	}
	return b.String()
}

// recentUserText concatenates the trailing user-role messages (most recent
// last) for use as the memory-middleware query.
func recentUserText(messages []providers.Message) string {
	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < 3; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			parts = append([]string{messages[i].Content}, parts...)
		}
	}
	return strings.Join(parts, " ")
}
