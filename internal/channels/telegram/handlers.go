package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
)

// handleMessage processes an incoming Telegram update.
func (s *Source) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || isServiceMessage(message) {
		return
	}

	user := message.From
	if user == nil || user.IsBot {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chat := s.chatFor(message.Chat.ID, isGroup)

	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}
	dmPolicy := channels.DMPolicy(s.config.DMPolicy)
	groupPolicy := channels.GroupPolicy(s.config.GroupPolicy)
	if !chat.CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy", "user_id", senderID, "peer_kind", peerKind)
		return
	}
	if !chat.IsAllowed(userID) && !chat.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "user_id", senderID)
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	if content == "" {
		content = "[empty message]"
	}

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	directlyAddressed := !isGroup
	if isGroup {
		directlyAddressed = detectMention(message, s.botUsername)
		if !directlyAddressed {
			slog.Debug("telegram group message ignored (bot not mentioned)", "chat_id", message.Chat.ID)
			return
		}
	}

	chat.setCurrentUser(&channels.User{ID: userID, Name: senderLabel})
	chat.sendTypingKeepalive(ctx)
	chat.sendPlaceholder(ctx)

	annotated := content
	if isGroup {
		annotated = fmt.Sprintf("[From: %s]\n%s", senderLabel, content)
	}

	s.queue.Push(bus.Event{
		Kind:      bus.KindChannel,
		EventType: eventTypeMessage,
		Channel: bus.ChannelPayload{
			Channel:           chat.ID(),
			SenderID:          senderID,
			ChatID:            fmt.Sprintf("%d", message.Chat.ID),
			IsGroup:           isGroup,
			DirectlyAddressed: directlyAddressed,
			Content:           annotated,
			Metadata: map[string]string{
				"message_id": fmt.Sprintf("%d", message.MessageID),
				"username":   user.Username,
				"first_name": user.FirstName,
			},
		},
	})
}

// detectMention checks whether a Telegram message mentions the bot by
// username, by /command@botname, by plain-text substring, or by replying to
// one of the bot's own messages.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			end := entity.Offset + entity.Length
			if end > len(pair.text) {
				continue
			}
			switch entity.Type {
			case "mention":
				if strings.EqualFold(pair.text[entity.Offset:end], "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(pair.text[entity.Offset:end]), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == botUsername {
		return true
	}

	return false
}

// isServiceMessage reports whether msg is a service/system message (member
// added/removed, title changed, pinned, etc.) rather than user-sent content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
