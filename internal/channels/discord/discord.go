// Package discord implements a second concrete adapter (spec §4.8,
// demonstrating the adapter contract is platform-agnostic) on top of
// github.com/bwmarrin/discordgo, following the teacher's
// channels/discord/discord.go shape.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/hiboss/internal/channels"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

const (
	maxMessageLen = 2000
	ratePerSec    = 40
	burst         = 5
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

// New builds a Discord adapter from a bot token.
func New(token string, router channels.Router) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("discord", router, ratePerSec, burst),
		session:     session,
	}
	session.AddHandler(c.handleMessage)
	return c, nil
}

// Start opens the gateway connection (spec §4.8's start()).
func (c *Channel) Start(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection (spec §4.8's stop()).
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	var attachments []store.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, store.Attachment{Source: a.URL, Name: a.Filename, ContentType: a.ContentType})
	}
	if content == "" && len(attachments) == 0 {
		return
	}

	ctx := context.Background()
	if err := c.Router().RouteInbound(ctx, "discord", m.ChannelID, m.ChannelID, content, attachments); err != nil {
		slog.Warn("discord: route inbound failed", "channel", m.ChannelID, "error", err)
	}
}

// Send delivers an outbound envelope, chunking at Discord's 2000-char
// limit (spec §4.8's send()).
func (c *Channel) Send(ctx context.Context, env store.Envelope) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: bot not running")
	}
	if err := c.Wait(ctx); err != nil {
		return err
	}

	channelID, err := channelIDFromAddress(env.To)
	if err != nil {
		return err
	}

	for _, chunk := range chunkText(env.Content.Text, maxMessageLen) {
		if chunk == "" {
			continue
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	for _, att := range env.Content.Attachments {
		if _, err := c.session.ChannelMessageSend(channelID, fmt.Sprintf("[attachment: %s]", att.Source)); err != nil {
			return fmt.Errorf("discord: send attachment reference: %w", err)
		}
	}
	return nil
}

// React sets an emoji reaction on a prior message (spec §4.8's react()).
// Discord has no compact id encoding need — message ids are already
// opaque strings — so messageID is used as-is.
func (c *Channel) React(_ context.Context, chatID, messageID, emoji string) error {
	return c.session.MessageReactionAdd(chatID, messageID, emoji)
}

func channelIDFromAddress(addr string) (string, error) {
	const prefix = "channel:discord:"
	if !strings.HasPrefix(addr, prefix) {
		return "", fmt.Errorf("discord: address %q is not a discord channel address", addr)
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
