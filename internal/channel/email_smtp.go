package channel

import (
	"context"
	"fmt"

	"workflow-notifications/internal/common/validation"
	"workflow-notifications/internal/models"

	"gopkg.in/gomail.v2"
)

// SMTPDialer is the part of *gomail.Dialer the provider uses.
type SMTPDialer interface {
	Dial() (gomail.SendCloser, error)
	DialAndSend(m ...*gomail.Message) error
}

// SMTPEmailProvider sends the Email channel through a plain SMTP relay.
type SMTPEmailProvider struct {
	dialer      SMTPDialer
	defaultFrom string
}

type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	From     string
}

func NewSMTPEmailProvider(s SMTPSettings) *SMTPEmailProvider {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	d.SSL = s.UseTLS && s.Port == 465
	return &SMTPEmailProvider{dialer: d, defaultFrom: s.From}
}

func NewSMTPEmailProviderWithDialer(dialer SMTPDialer, defaultFrom string) *SMTPEmailProvider {
	return &SMTPEmailProvider{dialer: dialer, defaultFrom: defaultFrom}
}

func (p *SMTPEmailProvider) ChannelType() string { return models.ChannelEmail }
func (p *SMTPEmailProvider) Name() string        { return "smtp" }

func (p *SMTPEmailProvider) Send(_ context.Context, msg Message) (string, error) {
	to := msg.Delivery.RecipientAddress
	if !validation.ValidateEmail(to) {
		return "", fmt.Errorf("invalid email address %q", to)
	}

	from := p.defaultFrom
	if msg.Channel.Config.FromAddress != "" {
		from = msg.Channel.Config.FromAddress
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, msg.Channel.Config.FromName)
	m.SetHeader("To", to)
	if r := msg.Channel.Config.ReplyTo; r != "" {
		m.SetHeader("Reply-To", r)
	}
	m.SetHeader("Subject", msg.Notification.Title)
	m.SetHeader("X-Notification-ID", msg.Notification.ID)
	m.SetBody("text/plain", msg.Notification.Message)
	m.AddAlternative("text/html", htmlBody(msg.Notification.Message))

	if err := p.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return "smtp:accepted", nil
}

func (p *SMTPEmailProvider) TestConnection(context.Context, *models.Channel) (bool, string) {
	sc, err := p.dialer.Dial()
	if err != nil {
		return false, fmt.Sprintf("smtp dial failed: %v", err)
	}
	_ = sc.Close()
	return true, "smtp connection ok"
}
