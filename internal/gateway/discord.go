package gateway

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter posts notices to one Discord channel over the REST API.
// It does not open the gateway websocket.
type DiscordAdapter struct {
	token     string
	channelID string
	session   *discordgo.Session
	logger    *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{
		token:     token,
		channelID: channelID,
		logger:    logger,
	}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect creates the session and checks the target channel is visible.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	ch, err := session.Channel(a.channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord channel %s: %w", a.channelID, err)
	}
	a.session = session
	a.logger.Info("discord adapter ready", zap.String("channel", ch.Name))
	return nil
}

// Post sends n as an embed.
func (a *DiscordAdapter) Post(ctx context.Context, n *Notice) error {
	if a.session == nil {
		return fmt.Errorf("discord not connected")
	}
	if _, err := a.session.ChannelMessageSendEmbed(a.channelID, discordEmbed(n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close is a no-op; the REST client holds no connection.
func (a *DiscordAdapter) Close() error { return nil }

// discordEmbed renders n. Discord caps descriptions at 4096 characters.
func discordEmbed(n *Notice) *discordgo.MessageEmbed {
	desc := n.Content
	if r := []rune(desc); len(r) > 4096 {
		desc = string(r[:4093]) + "..."
	}
	return &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: desc,
		Color:       0x5B8DEF,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Category", Value: n.Category, Inline: true},
			{Name: "Relevance", Value: strconv.FormatFloat(n.Relevance, 'f', 2, 64), Inline: true},
			{Name: "Contributor", Value: n.Contributor, Inline: true},
		},
	}
}
