// Package router implements spec §4.6's Event Router: a single task that
// iterates the unbounded event queue forever, looks up handlers joined to
// each event's type, and spawns one turn-loop invocation per handler.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

// TurnRunner is the Agent Turn Loop's entry point, as consumed by the
// router. Kept as a narrow interface (rather than depending on
// *agent.TurnLoop directly) so the router can be built and tested without
// a real provider/tool registry behind it.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, channelID string, isGroup, directlyAddressed bool, in agent.Input) (*agent.TurnResult, error)
}

// Router is the Event Router component (spec §4.6).
type Router struct {
	queue    *bus.Queue
	registry *registry.Registry
	sessions *sessions.Store
	channels *channels.Manager
	loop     TurnRunner
}

// New builds a Router. queue is the shared bus.Queue every producer
// (channel EventSources, the scheduler, the REPL) pushes onto.
func New(queue *bus.Queue, reg *registry.Registry, sess *sessions.Store, mgr *channels.Manager, loop TurnRunner) *Router {
	return &Router{queue: queue, registry: reg, sessions: sess, channels: mgr, loop: loop}
}

// Run consumes the queue until ctx is cancelled. It is meant to be the
// single task per spec §4.6 — do not run more than one Router per queue,
// or the handler-lookup-order dispatch guarantee is lost.
func (r *Router) Run(ctx context.Context) {
	for {
		ev, ok := r.queue.Pop(ctx)
		if !ok {
			return
		}
		r.dispatch(ctx, ev)
	}
}

// dispatch handles one event: handler lookup happens here, in order, but
// the resulting turn invocations are spawned as independent tasks that
// race — serialization per session is provided by the session store, not
// the router (spec §4.6).
func (r *Router) dispatch(ctx context.Context, ev bus.Event) {
	handlers, err := r.registry.HandlersForEventType(ctx, ev.EventType)
	if err != nil {
		slog.Error("router: failed to look up handlers", "event_type", ev.EventType, "error", err)
		return
	}
	if len(handlers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("router: handler panicked", "handler", h.ID, "error", fmt.Errorf("panic in handler %s: %v", h.ID, p))
				}
			}()
			return r.runHandler(gctx, ev, h)
		})
	}

	// errgroup's ctx cancellation on first error would abort sibling
	// handlers; the spec requires the opposite (one failing handler must
	// not affect siblings), so each task's error is caught and logged
	// inside runHandler itself and this Wait only reaps goroutines.
	_ = g.Wait()
}

func (r *Router) runHandler(ctx context.Context, ev bus.Event, h registry.Handler) error {
	channelID, channel, ok := r.resolveChannel(ev, h)
	if !ok {
		slog.Warn("router: handler's channel does not resolve, skipping", "handler", h.ID)
		return nil
	}

	input := composeInput(h.Prompt, eventContent(ev))
	isGroup, directlyAddressed := eventAudience(ev)

	// session_key (spec §3 glossary): the channel id for a ChannelEvent or
	// a REPL input event, else the handler id.
	sessionKey := h.ID
	if ev.Kind == bus.KindChannel || ev.Kind == bus.KindReplInput {
		sessionKey = channelID
	}

	sessionID, bridgeContext, err := r.sessions.Resolve(ctx, sessionKey)
	if err != nil {
		slog.Error("router: session resolve failed", "handler", h.ID, "session_key", sessionKey, "error", err)
		return nil
	}

	// bridgeContext (the retired session's "Previous Session Context"
	// summary) is threaded in as a distinct field rather than folded into
	// the user-visible input text: spec §8's S5 scenario requires it land
	// in the first assistant turn's system prompt, not the user message.
	result, err := r.loop.RunTurn(ctx, sessionID, channelID, isGroup, directlyAddressed, agent.Input{
		Text:   input,
		Bridge: bridgeContext,
	})
	if err != nil {
		slog.Error("router: turn failed", "handler", h.ID, "session_id", sessionID, "error", err)
		return nil
	}

	if result.Silent || result.Text == "" || channel == nil {
		return nil
	}
	if err := channel.SendMessage(ctx, result.Text); err != nil {
		slog.Error("router: send reply failed", "handler", h.ID, "channel", channelID, "error", err)
	}
	return nil
}

// resolveChannel implements step (a): a ChannelEvent carries its own
// channel; otherwise fall back to the handler's configured channel_id. The
// channel id is returned even when the live channels.Channel can't be
// resolved (e.g. a scheduled job targeting a channel that is offline), so
// the turn still runs and is persisted — only delivery is skipped.
func (r *Router) resolveChannel(ev bus.Event, h registry.Handler) (channelID string, ch channels.Channel, ok bool) {
	if ev.Kind == bus.KindChannel {
		channelID = ev.Channel.Channel
	} else {
		channelID = h.ChannelID
	}
	if channelID == "" {
		return "", nil, false
	}
	ch, _ = r.channels.GetChannel(channelID)
	return channelID, ch, true
}

// composeInput implements step (b).
func composeInput(prompt, content string) string {
	switch {
	case prompt == "":
		return content
	case content == "":
		return prompt
	default:
		return prompt + "\n\nEvent content:\n\n" + content
	}
}

func eventContent(ev bus.Event) string {
	switch ev.Kind {
	case bus.KindChannel:
		return ev.Channel.Content
	case bus.KindReplInput:
		return ev.Repl.Line
	default:
		return ""
	}
}

// eventAudience reports group/1:1 and direct-addressing for the output
// guard (spec §4.7, §8 S3). Non-channel events (scheduled jobs, REPL
// lines) are never group chats and are always treated as directly
// addressed.
func eventAudience(ev bus.Event) (isGroup, directlyAddressed bool) {
	if ev.Kind != bus.KindChannel {
		return false, true
	}
	return ev.Channel.IsGroup, ev.Channel.DirectlyAddressed
}
