package notificator

import (
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

const emailSubject = "Paykit AutoPay"

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost            string
	SMTPPort            int
	SMTPAlternativePort int
	SMTPUser            string
	SMTPPassword        string
	SMTPSender          string

	SMTPAuth smtp.Auth

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPAlternativePort int, SMTPUser string, SMTPPassword string, SMTPSender string) *EmailNotificator {
	auth := smtp.PlainAuth(
		"",
		SMTPUser,
		SMTPPassword,
		SMTPHost,
	)

	return &EmailNotificator{
		logger:              logger,
		SMTPAuth:            auth,
		SMTPHost:            SMTPHost,
		SMTPPort:            SMTPPort,
		SMTPAlternativePort: SMTPAlternativePort,
		SMTPUser:            SMTPUser,
		SMTPPassword:        SMTPPassword,
		SMTPSender:          SMTPSender,
		sendMail:            smtp.SendMail,
	}
}

// SendNotification mails message to the given address. When the primary
// port fails and an alternative port is configured, it is tried once.
func (e *EmailNotificator) SendNotification(to, message string) {
	msg := buildMessage(e.SMTPSender, to, emailSubject, message)

	addr := fmt.Sprintf("%s:%s", e.SMTPHost, strconv.Itoa(e.SMTPPort))
	err := e.sendMail(addr, e.SMTPAuth, e.SMTPSender, []string{to}, msg)
	if err != nil && e.SMTPAlternativePort != 0 && e.SMTPAlternativePort != e.SMTPPort {
		e.logger.Warn("Failed to send email, trying alternative port", "port", e.SMTPPort, "error", err)
		addr = fmt.Sprintf("%s:%s", e.SMTPHost, strconv.Itoa(e.SMTPAlternativePort))
		err = e.sendMail(addr, e.SMTPAuth, e.SMTPSender, []string{to}, msg)
	}
	if err != nil {
		e.logger.Error("Failed to send email", "to", to, "error", err)
	}
}

func buildMessage(from, to, subject, body string) []byte {
	// Header injection guard.
	clean := func(s string) string {
		return strings.NewReplacer("\r", "", "\n", "").Replace(s)
	}
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		clean(from),
		clean(to),
		clean(subject),
		body,
	))
}
