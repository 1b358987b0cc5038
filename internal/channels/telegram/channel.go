// Package telegram implements the Telegram EventSource (spec §6): a single
// bot connection, polled via long-polling, that discovers addressable
// channels (groups, supergroups, DMs) as messages arrive, registering each
// with the Handler Registry and the channels.Manager on first sight.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
)

const maxMessageLen = 4096
const eventTypeMessage = "telegram.message"

// Source is the Telegram EventSource: one long-polling bot connection,
// fanning inbound messages out to per-chat Channel instances it creates
// lazily.
type Source struct {
	bot      *telego.Bot
	config   config.TelegramConfig
	queue    *bus.Queue
	registry *registry.Registry
	manager  *channels.Manager

	botUsername string
	chats       sync.Map // chat id string -> *chatChannel

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram EventSource from config. It does not connect until
// Start is called.
func New(cfg config.TelegramConfig, queue *bus.Queue, reg *registry.Registry, mgr *channels.Manager) (*Source, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Source{
		bot:      bot,
		config:   cfg,
		queue:    queue,
		registry: reg,
		manager:  mgr,
	}, nil
}

// Start begins long polling for Telegram updates.
func (s *Source) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.pollDone = make(chan struct{})

	updates, err := s.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	s.botUsername = s.bot.Username()

	slog.Info("telegram bot connected", "username", s.botUsername)

	go s.syncMenuCommands(pollCtx)

	go func() {
		defer close(s.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					s.handleMessage(pollCtx, update)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before any future restart.
func (s *Source) Stop(ctx context.Context) error {
	s.chats.Range(func(_, v interface{}) bool {
		v.(*chatChannel).Close(ctx)
		return true
	})
	if s.pollCancel != nil {
		s.pollCancel()
	}
	if s.pollDone != nil {
		select {
		case <-s.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// syncMenuCommands registers the bot's slash-command menu, retrying a
// couple of times since it's a cosmetic, non-blocking concern.
func (s *Source) syncMenuCommands(ctx context.Context) {
	commands := []telego.BotCommand{
		{Command: "reset", Description: "Start a new conversation"},
		{Command: "status", Description: "Show channel and session status"},
	}
	for attempt := 1; attempt <= 3; attempt++ {
		err := s.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
		if err == nil {
			return
		}
		slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 5 * time.Second):
		}
	}
}

// chatFor returns the chatChannel for a Telegram chat id, creating and
// registering it (Handler Registry + channels.Manager) on first sight —
// spec §6's "Created by EventSource on registration".
func (s *Source) chatFor(chatID int64, isGroup bool) *chatChannel {
	chatIDStr := fmt.Sprintf("%d", chatID)
	if v, ok := s.chats.Load(chatIDStr); ok {
		return v.(*chatChannel)
	}

	id := "telegram:" + chatIDStr
	chat := &chatChannel{
		BaseChannel: channels.NewBaseChannel(id, isGroup, !isGroup, s.config.AllowFrom),
		source:      s,
		chatID:      chatID,
	}
	actual, loaded := s.chats.LoadOrStore(chatIDStr, chat)
	if loaded {
		return actual.(*chatChannel)
	}

	s.manager.RegisterChannel(chat)

	ctx := context.Background()
	if err := s.registry.RegisterChannel(ctx, id, "telegram", isGroup, !isGroup); err != nil {
		slog.Warn("telegram: failed to register channel", "channel", id, "error", err)
	}
	if err := s.registry.RegisterEventType(ctx, eventTypeMessage, "a message arrived on a Telegram chat"); err != nil {
		slog.Warn("telegram: failed to register event type", "error", err)
	}
	if _, err := s.registry.AddEventHandler(ctx, id+"_default", "", id, []string{eventTypeMessage}); err != nil {
		slog.Warn("telegram: failed to register default handler", "channel", id, "error", err)
	}

	return chat
}

// chatChannel is one addressable Telegram destination (a DM or a
// group/supergroup chat), implementing channels.Channel.
type chatChannel struct {
	*channels.BaseChannel
	source *Source
	chatID int64

	currentUser atomic.Pointer[channels.User]

	typingMu     sync.Mutex
	typingCancel context.CancelFunc

	placeholderMu sync.Mutex
	placeholderID int // 0 = none pending

	streamMu  sync.Mutex
	streamBuf strings.Builder
}

func (c *chatChannel) setCurrentUser(u *channels.User) { c.currentUser.Store(u) }

func (c *chatChannel) CurrentUser() (*channels.User, bool) {
	u := c.currentUser.Load()
	return u, u != nil
}

// sendTypingKeepalive starts a typing indicator that re-fires every 4s
// (Telegram's own indicator expires after ~5s) and auto-stops after 60s.
func (c *chatChannel) sendTypingKeepalive(ctx context.Context) {
	c.stopTyping()

	typingCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	c.typingMu.Lock()
	c.typingCancel = cancel
	c.typingMu.Unlock()

	chatID := tu.ID(c.chatID)
	go func() {
		defer cancel()
		_ = c.source.bot.SendChatAction(ctx, tu.ChatAction(chatID, telego.ChatActionTyping))
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				_ = c.source.bot.SendChatAction(ctx, tu.ChatAction(chatID, telego.ChatActionTyping))
			}
		}
	}()
}

func (c *chatChannel) stopTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typingCancel != nil {
		c.typingCancel()
		c.typingCancel = nil
	}
}

// sendPlaceholder posts a "Thinking..." message for DMs only — in a group
// it would drift out of view as other messages arrive before the turn
// finishes, so groups just get the final reply as a fresh message.
func (c *chatChannel) sendPlaceholder(ctx context.Context) {
	if c.IsGroup() {
		return
	}
	msg, err := c.source.bot.SendMessage(ctx, tu.Message(tu.ID(c.chatID), "Thinking..."))
	if err != nil {
		slog.Warn("telegram: failed to send placeholder", "chat_id", c.chatID, "error", err)
		return
	}
	c.placeholderMu.Lock()
	c.placeholderID = msg.MessageID
	c.placeholderMu.Unlock()
}

func (c *chatChannel) takePlaceholder() int {
	c.placeholderMu.Lock()
	defer c.placeholderMu.Unlock()
	id := c.placeholderID
	c.placeholderID = 0
	return id
}

// StartStreaming resets the stream buffer; the placeholder message sent at
// inbound-message time (DMs only) doubles as the stream's editable target.
func (c *chatChannel) StartStreaming(ctx context.Context) error {
	c.streamMu.Lock()
	c.streamBuf.Reset()
	c.streamMu.Unlock()
	return nil
}

// AppendToStream accumulates delta and edits the placeholder message with
// the buffer truncated to Telegram's message length limit.
func (c *chatChannel) AppendToStream(ctx context.Context, delta string) error {
	c.streamMu.Lock()
	c.streamBuf.WriteString(delta)
	current := c.streamBuf.String()
	c.streamMu.Unlock()

	c.placeholderMu.Lock()
	placeholderID := c.placeholderID
	c.placeholderMu.Unlock()
	if placeholderID == 0 {
		return nil
	}

	edit := current
	if len(edit) > maxMessageLen {
		edit = edit[:maxMessageLen]
	}
	_, err := c.source.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(c.chatID),
		MessageID: placeholderID,
		Text:      edit,
	})
	return err
}

// FinishStreaming stops the typing indicator and flushes any content beyond
// the first message as follow-up chunks.
func (c *chatChannel) FinishStreaming(ctx context.Context) error {
	c.stopTyping()

	c.streamMu.Lock()
	final := c.streamBuf.String()
	c.streamMu.Unlock()

	placeholderID := c.takePlaceholder()
	if placeholderID == 0 {
		return c.SendMessage(ctx, final)
	}

	if final == "" {
		return c.source.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(c.chatID), MessageID: placeholderID})
	}

	cut := len(final)
	if cut > maxMessageLen {
		cut = maxMessageLen
		if idx := lastIndexByte(final[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cut = idx + 1
		}
	}
	if _, err := c.source.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(c.chatID),
		MessageID: placeholderID,
		Text:      final[:cut],
	}); err != nil {
		return err
	}
	if cut < len(final) {
		return c.sendChunked(ctx, final[cut:])
	}
	return nil
}

// SendMessage delivers text atomically: if a placeholder from the
// triggering inbound message is pending (DMs only), it is edited in place
// (with any overflow following as chunked messages); otherwise a fresh
// message is sent.
func (c *chatChannel) SendMessage(ctx context.Context, text string) error {
	c.stopTyping()

	placeholderID := c.takePlaceholder()
	if placeholderID == 0 {
		if text == "" {
			return nil
		}
		return c.sendChunked(ctx, text)
	}

	if text == "" {
		return c.source.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(c.chatID), MessageID: placeholderID})
	}

	cut := len(text)
	if cut > maxMessageLen {
		cut = maxMessageLen
		if idx := lastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cut = idx + 1
		}
	}
	if _, err := c.source.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(c.chatID),
		MessageID: placeholderID,
		Text:      text[:cut],
	}); err != nil {
		slog.Warn("telegram: placeholder edit failed, sending new message", "chat_id", c.chatID, "error", err)
		return c.sendChunked(ctx, text)
	}
	if cut < len(text) {
		return c.sendChunked(ctx, text[cut:])
	}
	return nil
}

func (c *chatChannel) sendChunked(ctx context.Context, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cut := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cut = idx + 1
			}
			chunk = content[:cut]
			content = content[cut:]
		} else {
			content = ""
		}
		if _, err := c.source.bot.SendMessage(ctx, tu.Message(tu.ID(c.chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (c *chatChannel) Close(ctx context.Context) error {
	c.stopTyping()
	return nil
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
