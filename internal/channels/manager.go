package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// Manager is the live registry of Channel instances. EventSources register
// channels as they come into existence (e.g. a new Telegram chat); the
// router resolves a channel by id when dispatching an event, and the loop
// calls the resolved Channel's methods directly to stream/send replies.
//
// Manager also runs an outbound dispatch loop that delivers messages queued
// with Enqueue to a channel id, without the caller holding a direct
// reference. Nothing in this tree calls Enqueue: turn replies, including
// those of scheduled jobs, are sent by the router through the resolved
// Channel.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	outbound *bus.Queue // not used; the outbound mailbox is queue
	queue    chan bus.OutboundMessage
	cancel   context.CancelFunc
}

// NewManager creates a channel manager.
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		queue:    make(chan bus.OutboundMessage, 256),
	}
}

// Start begins the outbound dispatch loop.
func (m *Manager) Start(ctx context.Context) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)
}

// Stop closes registered channels and halts the dispatch loop.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, ch := range m.channels {
		if err := ch.Close(ctx); err != nil {
			slog.Error("error closing channel", "channel", id, "error", err)
		}
	}
}

// dispatchOutbound drains messages queued by Enqueue to their target
// channel.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			if IsInternalChannel(msg.Channel) {
				continue
			}

			ch, ok := m.GetChannel(msg.Channel)
			if !ok {
				slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
				continue
			}

			if err := ch.SendMessage(ctx, msg.Content); err != nil {
				slog.Error("error sending message to channel", "channel", msg.Channel, "error", err)
			}

			for _, media := range msg.Media {
				if media.URL != "" {
					if err := os.Remove(media.URL); err != nil {
						slog.Debug("failed to clean up media file", "path", media.URL, "error", err)
					}
				}
			}
		}
	}
}

// Enqueue schedules a proactive outbound message for delivery.
func (m *Manager) Enqueue(msg bus.OutboundMessage) {
	select {
	case m.queue <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "channel", msg.Channel)
	}
}

// GetChannel returns a channel by id.
func (m *Manager) GetChannel(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// RegisterChannel adds or replaces a channel in the registry.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

// UnregisterChannel removes a channel from the registry.
func (m *Manager) UnregisterChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// ListChannels returns all currently registered channel ids.
func (m *Manager) ListChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	return ids
}

// SendToChannel delivers a message to a specific channel by id.
func (m *Manager) SendToChannel(ctx context.Context, id, content string) error {
	ch, ok := m.GetChannel(id)
	if !ok {
		return fmt.Errorf("channel %s not found", id)
	}
	return ch.SendMessage(ctx, content)
}
