package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/taskloom/internal/config"
)

// Discord caps messages at 2000 characters.
const discordMaxLen = 2000

// DiscordNotifier posts to a fixed channel over the Discord REST API.
// No gateway connection is opened; sending needs only the bot token.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscord(cfg config.DiscordNotifyConfig) (*DiscordNotifier, error) {
	if cfg.Token == "" || cfg.ChannelID == "" {
		return nil, fmt.Errorf("discord notify requires token and channel_id")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: cfg.ChannelID}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, discordMaxLen) {
		if _, err := d.session.ChannelMessageSend(d.channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
