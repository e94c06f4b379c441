package notificator

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

// Sender delivers a text message to one address on one channel.
type Sender interface {
	SendNotification(to, message string)
}

// Notificator fans every event out to the log and to the configured
// Telegram chat and e-mail address. Channels left nil are skipped.
type Notificator struct {
	logger *logger.Logger

	TelegramNotificator Sender
	EmailNotificator    Sender

	telegramChatID string
	email          string
}

func NewNotificator(logger *logger.Logger, telNotif Sender, telegramChatID string, emailNotif Sender, email string) *Notificator {
	return &Notificator{
		logger:              logger,
		TelegramNotificator: telNotif,
		EmailNotificator:    emailNotif,
		telegramChatID:      telegramChatID,
		email:               email,
	}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// SendNotification reports a terminal intent outcome.
func (n *Notificator) SendNotification(event *models.NotificationEvent) {
	n.logger.Info("Notification",
		"outcome", event.Outcome,
		"correlation_id", event.Intent.CorrelationID,
		"peer", event.Intent.PeerPubkey,
		"amount_sats", event.Intent.AmountSats,
		"detail", event.Detail)
	n.broadcast(event.String())
}

// SendUpcoming announces a subscription charge inside the lookahead window.
func (n *Notificator) SendUpcoming(sub *models.Subscription) {
	when := "soon"
	if sub.NextPaymentAt != nil {
		when = sub.NextPaymentAt.UTC().Format(time.RFC1123)
	}
	message := fmt.Sprintf("Upcoming subscription payment: %s to %s on %s", models.FormatSats(sub.AmountSats), sub.ProviderPubkey, when)
	if sub.Description != "" {
		message += " (" + sub.Description + ")"
	}

	n.logger.Info("Upcoming subscription payment", "subscription", sub.ID, "next_payment_at", sub.NextPaymentAt)
	n.broadcast(message)
}

// SendCycleFailure reports a cycle that kept failing after its retries.
func (n *Notificator) SendCycleFailure(cycle string, err error) {
	n.logger.Error("Cycle failed repeatedly", "cycle", cycle, "error", err)
	n.broadcast(fmt.Sprintf("AutoPay %s cycle failed and will run again at the next interval: %v", cycle, err))
}

func (n *Notificator) broadcast(message string) {
	if n.TelegramNotificator != nil && n.telegramChatID != "" {
		chatID := n.telegramChatID
		n.safeCall(func() { n.TelegramNotificator.SendNotification(chatID, message) }, "telegramNotification")
	}
	if n.EmailNotificator != nil && n.email != "" {
		email := n.email
		n.safeCall(func() { n.EmailNotificator.SendNotification(email, message) }, "emailNotification")
	}
}
