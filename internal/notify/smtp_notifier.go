package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"identity-service/internal/config"
	"identity-service/internal/models"
)

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPNotifier struct {
	sender Sender
	from   string
}

func NewSMTPNotifier(cfg *config.Config) *SMTPNotifier {
	smtp := cfg.SMTP
	return NewSMTPNotifierWithSender(gomail.NewDialer(smtp.Host, smtp.Port, smtp.Username, smtp.Password), smtp.FromEmail)
}

func NewSMTPNotifierWithSender(sender Sender, from string) *SMTPNotifier {
	return &SMTPNotifier{sender: sender, from: from}
}

func (n *SMTPNotifier) Name() string { return "smtp" }

func (n *SMTPNotifier) Send(_ context.Context, msg Notification) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", msg.Email)

	switch msg.Kind {
	case models.KindPasswordReset:
		m.SetHeader("Subject", "Your password reset code")
		m.SetBody("text/html", fmt.Sprintf(`
                <h3>Password reset requested</h3>
                <p>Use the following code to reset your password: <strong>%s</strong></p>
                <p>The code expires at %s UTC.</p>
                <p>If you did not request this change, you can ignore this email.</p>
        `, msg.Code, msg.ExpiresAt.UTC().Format("15:04")))
	default:
		m.SetHeader("Subject", "Confirm your email address")
		m.SetBody("text/html", fmt.Sprintf(`
                <h2>Welcome%s!</h2>
                <p>Your verification code is <strong>%s</strong>.</p>
                <p>The code expires at %s UTC.</p>
        `, greeting(msg.Name), msg.Code, msg.ExpiresAt.UTC().Format("15:04")))
	}

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send %s email: %w", msg.Kind, err)
	}
	return nil
}

func greeting(name string) string {
	if name == "" {
		return ""
	}
	return ", " + name
}
