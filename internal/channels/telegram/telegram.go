// Package telegram implements the Telegram adapter (spec §4.8) on top of
// github.com/mymmrac/telego, following the teacher's channels/telegram
// package shape (factory.go, send.go) generalized from goclaw's
// multi-tenant channel-instance model to Hi-Boss's single bound agent per
// chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/hiboss/internal/channels"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

const (
	maxMessageLen = 4096
	ratePerSec    = 25 // Telegram's documented bulk-send ceiling
	burst         = 5
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	cancel context.CancelFunc
}

// New builds a Telegram adapter. router turns inbound messages into
// envelopes; the bound agent for a chat is resolved from its binding's
// adapter token (spec §4.2).
func New(token string, router channels.Router) (*Channel, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultDebugLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", router, ratePerSec, burst),
		bot:         bot,
	}, nil
}

// Start begins long-polling for updates (spec §4.8's start()).
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	c.SetRunning(true)

	go func() {
		for update := range updates {
			c.handleUpdate(runCtx, update)
		}
	}()
	return nil
}

// Stop ends long-polling (spec §4.8's stop()).
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.bot.StopLongPolling()
	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message
	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	token := fmt.Sprintf("%d", msg.Chat.ID) // the bound adapter token for a Telegram chat is its chat id

	text := msg.Text
	var attachments []store.Attachment
	if msg.Document != nil {
		attachments = append(attachments, store.Attachment{Source: "telegram:file-id:" + msg.Document.FileID, Name: msg.Document.FileName})
	}
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		attachments = append(attachments, store.Attachment{Source: "telegram:file-id:" + largest.FileID})
	}
	if text == "" && len(attachments) == 0 {
		return
	}

	if err := c.Router().RouteInbound(ctx, "telegram", chatID, token, text, attachments); err != nil {
		slog.Warn("telegram: route inbound failed", "chat", chatID, "error", err)
	}
}

// Send delivers an outbound envelope as one or more chunked messages
// (spec §4.8's send()).
func (c *Channel) Send(ctx context.Context, env store.Envelope) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram: bot not running")
	}
	if err := c.Wait(ctx); err != nil {
		return err
	}

	chatIDStr, err := chatIDFromAddress(env.To)
	if err != nil {
		return err
	}
	var chatID int64
	if _, err := fmt.Sscanf(chatIDStr, "%d", &chatID); err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatIDStr, err)
	}

	for _, chunk := range chunkText(env.Content.Text, maxMessageLen) {
		if chunk == "" {
			continue
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	for _, att := range env.Content.Attachments {
		if err := c.sendAttachment(ctx, chatID, att); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) sendAttachment(ctx context.Context, chatID int64, att store.Attachment) error {
	params := &telego.SendDocumentParams{ChatID: tu.ID(chatID), Caption: att.Name}

	switch {
	case strings.HasPrefix(att.Source, "http://"), strings.HasPrefix(att.Source, "https://"):
		params.Document = telego.InputFile{URL: att.Source}
	case strings.HasPrefix(att.Source, "telegram:file-id:"):
		params.Document = telego.InputFile{FileID: strings.TrimPrefix(att.Source, "telegram:file-id:")}
	default:
		f, err := os.Open(att.Source)
		if err != nil {
			return fmt.Errorf("telegram: open attachment %s: %w", att.Source, err)
		}
		defer f.Close()
		params.Document = telego.InputFile{File: f}
	}

	_, err := c.bot.SendDocument(ctx, params)
	return err
}

// React sets an emoji reaction on a prior message (spec §4.8's react()).
// messageID may be base36 compact or "dec:<n>" (spec §4.8).
func (c *Channel) React(ctx context.Context, chatID, messageID, emoji string) error {
	id, err := channels.ParseMessageID(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	var chat int64
	if _, err := fmt.Sscanf(chatID, "%d", &chat); err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chat),
		MessageID: id,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
}

func chatIDFromAddress(addr string) (string, error) {
	// addr is the envelope's raw To address, "channel:telegram:<chat-id>";
	// the Router passes the envelope unchanged, so the prefix is stripped
	// here.
	const prefix = "channel:telegram:"
	if !strings.HasPrefix(addr, prefix) {
		return "", fmt.Errorf("telegram: address %q is not a telegram channel address", addr)
	}
	return strings.TrimPrefix(addr, prefix), nil
}

func chunkText(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > maxLen {
		cut := maxLen
		if idx := strings.LastIndex(remaining[:cut], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	chunks = append(chunks, remaining)
	return chunks
}
