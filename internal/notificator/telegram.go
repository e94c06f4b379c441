package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot
}

func NewTelegramNotificator(logger *logger.Logger, token string) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Start polls for updates until ctx is cancelled.
func (t *TelegramNotificator) Start(ctx context.Context) {
	t.bot.Start(ctx)
}

func (t *TelegramNotificator) SendNotification(chatId, message string) {
	params := &bot.SendMessageParams{
		ChatID: chatId,
		Text:   message,
	}
	_, err := t.bot.SendMessage(context.Background(), params)
	if err != nil {
		t.logger.Error("Failed to send telegram notification", "chat_id", chatId, "error", err)
	}
}

// handler answers /start with the chat id to put into TELEGRAM_CHAT_ID.
func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil {
		return
	}
	user := update.Message.From
	if user == nil {
		t.logger.Error("User is nil")
		return
	}
	t.logger.Debug("Telegram update", "username", user.Username, "text", update.Message.Text)

	if update.Message.Text == "/start" {
		chatID := fmt.Sprint(update.Message.Chat.ID)
		t.logger.Info("Telegram chat registered", "username", user.Username, "chat_id", chatID)
		t.SendNotification(chatID, startReply(chatID))
	}
}

func startReply(chatID string) string {
	return "Paykit AutoPay notifications are available here. Set TELEGRAM_CHAT_ID=" + chatID + " and restart the daemon."
}
