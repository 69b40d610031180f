package channel

import (
	"context"
	"fmt"
	"net/mail"

	"workflow-notifications/internal/common/validation"
	"workflow-notifications/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	GetSendQuota(ctx context.Context, params *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error)
}

// SESEmailProvider sends the Email channel through Amazon SES.
type SESEmailProvider struct {
	client      SESAPI
	defaultFrom string
}

func NewSESEmailProvider(client SESAPI, defaultFrom string) *SESEmailProvider {
	return &SESEmailProvider{client: client, defaultFrom: defaultFrom}
}

func (p *SESEmailProvider) ChannelType() string { return models.ChannelEmail }
func (p *SESEmailProvider) Name() string        { return "ses" }

func (p *SESEmailProvider) Send(ctx context.Context, msg Message) (string, error) {
	to := msg.Delivery.RecipientAddress
	if !validation.ValidateEmail(to) {
		return "", fmt.Errorf("invalid email address %q", to)
	}

	input := &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Notification.Title), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Notification.Message), Charset: aws.String("UTF-8")},
				Html: &types.Content{Data: aws.String(htmlBody(msg.Notification.Message)), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(p.sender(msg.Channel)),
	}
	if r := msg.Channel.Config.ReplyTo; r != "" {
		input.ReplyToAddresses = []string{r}
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (p *SESEmailProvider) sender(ch *models.Channel) string {
	from := p.defaultFrom
	if ch != nil && ch.Config.FromAddress != "" {
		from = ch.Config.FromAddress
	}
	if ch != nil && ch.Config.FromName != "" {
		return (&mail.Address{Name: ch.Config.FromName, Address: from}).String()
	}
	return from
}

func (p *SESEmailProvider) TestConnection(ctx context.Context, _ *models.Channel) (bool, string) {
	out, err := p.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return false, fmt.Sprintf("ses unreachable: %v", err)
	}
	return true, fmt.Sprintf("ses quota: %.0f of %.0f used in last 24h", out.SentLast24Hours, out.Max24HourSend)
}
