// Package discord implements the Discord EventSource (spec §6): a single
// bot gateway connection that discovers addressable channels (guild text
// channels and DMs) as messages arrive, registering each with the Handler
// Registry and the channels.Manager on first sight.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
)

const maxMessageLen = 2000

const eventTypeMessage = "discord.message"

// Source is the Discord EventSource: one gateway connection, fanning
// inbound messages out to per-channel Channel instances it creates lazily.
type Source struct {
	session        *discordgo.Session
	config         config.DiscordConfig
	queue          *bus.Queue
	registry       *registry.Registry
	manager        *channels.Manager
	requireMention bool

	botUserID string
	chats     sync.Map // discord channel/DM id (string) -> *chatChannel
}

// New creates a Discord EventSource from config. It does not connect until
// Start is called.
func New(cfg config.DiscordConfig, queue *bus.Queue, reg *registry.Registry, mgr *channels.Manager) (*Source, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Source{
		session:        session,
		config:         cfg,
		queue:          queue,
		registry:       reg,
		manager:        mgr,
		requireMention: requireMention,
	}, nil
}

// Start opens the gateway connection and begins dispatching inbound
// messages onto the shared event queue.
func (s *Source) Start(ctx context.Context) error {
	s.session.AddHandler(s.handleMessage)

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := s.session.User("@me")
	if err != nil {
		s.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	s.botUserID = user.ID

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (s *Source) Stop(ctx context.Context) error {
	s.chats.Range(func(_, v interface{}) bool {
		v.(*chatChannel).Close(ctx)
		return true
	})
	return s.session.Close()
}

// handleMessage is the discordgo event handler for new messages.
func (s *Source) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	senderID := m.Author.ID
	senderName := resolveDisplayName(m)

	chat := s.chatFor(m.ChannelID, !isDM, isDM)

	peerKind := "group"
	dmPolicy := channels.DMPolicy(s.config.DMPolicy)
	groupPolicy := channels.GroupPolicy(s.config.GroupPolicy)
	if isDM {
		peerKind = "direct"
	}
	if !chat.CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID) {
		slog.Debug("discord message rejected by policy", "user_id", senderID, "peer_kind", peerKind)
		return
	}
	if !chat.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	directlyAddressed := !chat.IsGroup()
	if chat.IsGroup() {
		for _, u := range m.Mentions {
			if u.ID == s.botUserID {
				directlyAddressed = true
				break
			}
		}
		if !directlyAddressed && s.requireMention {
			slog.Debug("discord group message ignored (bot not mentioned)", "channel_id", m.ChannelID)
			return
		}
	}

	chat.setCurrentUser(&channels.User{ID: senderID, Name: senderName})
	chat.sendTypingKeepalive()
	chat.sendPlaceholder()

	annotated := content
	if chat.IsGroup() {
		annotated = fmt.Sprintf("[From: %s]\n%s", senderName, content)
	}

	s.queue.Push(bus.Event{
		Kind:      bus.KindChannel,
		EventType: eventTypeMessage,
		Channel: bus.ChannelPayload{
			Channel:           chat.ID(),
			SenderID:          senderID,
			ChatID:            m.ChannelID,
			IsGroup:           chat.IsGroup(),
			DirectlyAddressed: directlyAddressed,
			Content:           annotated,
			Metadata: map[string]string{
				"message_id":   m.ID,
				"username":     m.Author.Username,
				"display_name": senderName,
				"guild_id":     m.GuildID,
			},
		},
	})
}

// chatFor returns the chatChannel for a Discord channel/DM id, creating and
// registering it (Handler Registry + channels.Manager) on first sight —
// spec §6's "Created by EventSource on registration".
func (s *Source) chatFor(discordChannelID string, isGroup, isPrivate bool) *chatChannel {
	if v, ok := s.chats.Load(discordChannelID); ok {
		return v.(*chatChannel)
	}

	id := "discord:" + discordChannelID
	chat := &chatChannel{
		BaseChannel: channels.NewBaseChannel(id, isGroup, isPrivate, s.config.AllowFrom),
		source:      s,
		discordID:   discordChannelID,
	}
	actual, loaded := s.chats.LoadOrStore(discordChannelID, chat)
	if loaded {
		return actual.(*chatChannel)
	}

	s.manager.RegisterChannel(chat)

	ctx := context.Background()
	if err := s.registry.RegisterChannel(ctx, id, "discord", isGroup, isPrivate); err != nil {
		slog.Warn("discord: failed to register channel", "channel", id, "error", err)
	}
	if err := s.registry.RegisterEventType(ctx, eventTypeMessage, "a message arrived on a Discord channel or DM"); err != nil {
		slog.Warn("discord: failed to register event type", "error", err)
	}
	if _, err := s.registry.AddEventHandler(ctx, id+"_default", "", id, []string{eventTypeMessage}); err != nil {
		slog.Warn("discord: failed to register default handler", "channel", id, "error", err)
	}

	return chat
}

// chatChannel is one addressable Discord destination (a guild text channel
// or a DM), implementing channels.Channel.
type chatChannel struct {
	*channels.BaseChannel
	source    *Source
	discordID string

	currentUser atomic.Pointer[channels.User]

	typingMu     sync.Mutex
	typingCancel context.CancelFunc

	placeholderMu sync.Mutex
	placeholderID string

	streamMu  sync.Mutex
	streamBuf strings.Builder
}

func (c *chatChannel) setCurrentUser(u *channels.User) { c.currentUser.Store(u) }

func (c *chatChannel) CurrentUser() (*channels.User, bool) {
	u := c.currentUser.Load()
	return u, u != nil
}

// sendTypingKeepalive starts a typing indicator that re-fires every 9s
// (Discord's own indicator expires after 10s) and auto-stops after 60s.
func (c *chatChannel) sendTypingKeepalive() {
	c.stopTyping()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	c.typingMu.Lock()
	c.typingCancel = cancel
	c.typingMu.Unlock()

	go func() {
		defer cancel()
		_ = c.source.session.ChannelTyping(c.discordID)
		ticker := time.NewTicker(9 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.source.session.ChannelTyping(c.discordID)
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

// sendPlaceholder posts a "Thinking..." message that the eventual reply
// (SendMessage or the streaming methods) edits in place.
func (c *chatChannel) sendPlaceholder() {
	msg, err := c.source.session.ChannelMessageSend(c.discordID, "Thinking...")
	if err != nil {
		slog.Warn("discord: failed to send placeholder", "channel", c.discordID, "error", err)
		return
	}
	c.placeholderMu.Lock()
	c.placeholderID = msg.ID
	c.placeholderMu.Unlock()
}

func (c *chatChannel) takePlaceholder() string {
	c.placeholderMu.Lock()
	defer c.placeholderMu.Unlock()
	id := c.placeholderID
	c.placeholderID = ""
	return id
}

// StartStreaming resets the stream buffer; the placeholder message sent at
// inbound-message time doubles as the stream's first editable target.
func (c *chatChannel) StartStreaming(ctx context.Context) error {
	c.streamMu.Lock()
	c.streamBuf.Reset()
	c.streamMu.Unlock()
	return nil
}

// AppendToStream accumulates delta and edits the placeholder message with
// the buffer truncated to Discord's message length limit.
func (c *chatChannel) AppendToStream(ctx context.Context, delta string) error {
	c.streamMu.Lock()
	c.streamBuf.WriteString(delta)
	current := c.streamBuf.String()
	c.streamMu.Unlock()

	c.placeholderMu.Lock()
	placeholderID := c.placeholderID
	c.placeholderMu.Unlock()
	if placeholderID == "" {
		return nil
	}

	edit := current
	if len(edit) > maxMessageLen {
		edit = edit[:maxMessageLen]
	}
	_, err := c.source.session.ChannelMessageEdit(c.discordID, placeholderID, edit)
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
	if placeholderID == "" {
		return c.SendMessage(ctx, final)
	}

	if final == "" {
		return c.source.session.ChannelMessageDelete(c.discordID, placeholderID)
	}

	if len(final) <= maxMessageLen {
		_, err := c.source.session.ChannelMessageEdit(c.discordID, placeholderID, final)
		return err
	}

	cut := lastIndexByte(final[:maxMessageLen], '\n')
	if cut < maxMessageLen/2 {
		cut = maxMessageLen
	} else {
		cut++
	}
	if _, err := c.source.session.ChannelMessageEdit(c.discordID, placeholderID, final[:cut]); err != nil {
		return err
	}
	return c.sendChunked(final[cut:])
}

// SendMessage delivers text atomically: if a placeholder from the
// triggering inbound message is pending, it is edited in place (and any
// overflow follows as chunked messages); otherwise a fresh message is sent.
func (c *chatChannel) SendMessage(ctx context.Context, text string) error {
	c.stopTyping()

	placeholderID := c.takePlaceholder()
	if placeholderID == "" {
		if text == "" {
			return nil
		}
		return c.sendChunked(text)
	}

	if text == "" {
		return c.source.session.ChannelMessageDelete(c.discordID, placeholderID)
	}

	cut := len(text)
	if cut > maxMessageLen {
		cut = maxMessageLen
		if idx := lastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cut = idx + 1
		}
	}
	if _, err := c.source.session.ChannelMessageEdit(c.discordID, placeholderID, text[:cut]); err != nil {
		slog.Warn("discord: placeholder edit failed, sending new message", "channel", c.discordID, "error", err)
		return c.sendChunked(text)
	}
	if cut < len(text) {
		return c.sendChunked(text[cut:])
	}
	return nil
}

func (c *chatChannel) sendChunked(content string) error {
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
		if _, err := c.source.session.ChannelMessageSend(c.discordID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *chatChannel) Close(ctx context.Context) error {
	c.stopTyping()
	return nil
}

// resolveDisplayName returns the best available display name for a
// Discord message author: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
