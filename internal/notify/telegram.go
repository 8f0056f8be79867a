package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/taskloom/internal/config"
)

// Telegram caps messages at 4096 characters.
const telegramMaxLen = 4096

// TelegramNotifier posts to a fixed chat via the Bot API.
type TelegramNotifier struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegram(cfg config.TelegramNotifyConfig) (*TelegramNotifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram notify requires token and chat_id")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, telegramMaxLen) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
