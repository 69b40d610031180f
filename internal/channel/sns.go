package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"workflow-notifications/internal/common/validation"
	"workflow-notifications/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetSMSAttributes(ctx context.Context, params *sns.GetSMSAttributesInput, optFns ...func(*sns.Options)) (*sns.GetSMSAttributesOutput, error)
	GetPlatformApplicationAttributes(ctx context.Context, params *sns.GetPlatformApplicationAttributesInput, optFns ...func(*sns.Options)) (*sns.GetPlatformApplicationAttributesOutput, error)
}

// SMSProvider sends text messages through SNS direct-to-phone publishing.
type SMSProvider struct {
	client          SNSAPI
	defaultSenderID string
}

func NewSMSProvider(client SNSAPI, defaultSenderID string) *SMSProvider {
	return &SMSProvider{client: client, defaultSenderID: defaultSenderID}
}

func (p *SMSProvider) ChannelType() string { return models.ChannelSMS }
func (p *SMSProvider) Name() string        { return "sns" }

func (p *SMSProvider) Send(ctx context.Context, msg Message) (string, error) {
	phone := msg.Delivery.RecipientAddress
	if !validation.ValidatePhone(phone) {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}

	smsType := msg.Channel.Config.SMSType
	if smsType == "" || msg.Notification.Priority == models.PriorityUrgent {
		smsType = "Transactional"
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String(smsType)},
	}
	senderID := p.defaultSenderID
	if msg.Channel.Config.SenderID != "" {
		senderID = msg.Channel.Config.SenderID
	}
	if senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(senderID)}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(shortText(msg)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("sns sms publish: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (p *SMSProvider) TestConnection(ctx context.Context, _ *models.Channel) (bool, string) {
	if _, err := p.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{}); err != nil {
		return false, fmt.Sprintf("sns unreachable: %v", err)
	}
	return true, "sns sms attributes readable"
}

// PushProvider publishes to the SNS platform endpoint registered for the user's device.
type PushProvider struct {
	client             SNSAPI
	defaultPlatformARN string
}

func NewPushProvider(client SNSAPI, defaultPlatformARN string) *PushProvider {
	return &PushProvider{client: client, defaultPlatformARN: defaultPlatformARN}
}

func (p *PushProvider) ChannelType() string { return models.ChannelPush }
func (p *PushProvider) Name() string        { return "sns" }

func (p *PushProvider) Send(ctx context.Context, msg Message) (string, error) {
	endpoint := msg.Delivery.RecipientAddress
	if !strings.HasPrefix(endpoint, "arn:") {
		return "", fmt.Errorf("no push endpoint registered for user %d", msg.Delivery.UserID)
	}

	body, err := pushMessage(msg)
	if err != nil {
		return "", err
	}
	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpoint),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", fmt.Errorf("sns push publish: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// pushMessage builds the per-platform envelope SNS expects with MessageStructure=json.
func pushMessage(msg Message) (string, error) {
	title, body := msg.Notification.Title, shortText(msg)
	gcm, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{"title": title, "body": body},
		"data":         map[string]string{"notificationId": msg.Notification.ID},
	})
	if err != nil {
		return "", err
	}
	apns, err := json.Marshal(map[string]interface{}{
		"aps":            map[string]interface{}{"alert": map[string]string{"title": title, "body": body}},
		"notificationId": msg.Notification.ID,
	})
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(map[string]string{
		"default":      body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	return string(envelope), err
}

func (p *PushProvider) TestConnection(ctx context.Context, ch *models.Channel) (bool, string) {
	arn := p.defaultPlatformARN
	if ch != nil && ch.Config.PlatformAppARN != "" {
		arn = ch.Config.PlatformAppARN
	}
	if arn == "" {
		return false, "no platform application configured"
	}
	out, err := p.client.GetPlatformApplicationAttributes(ctx, &sns.GetPlatformApplicationAttributesInput{
		PlatformApplicationArn: aws.String(arn),
	})
	if err != nil {
		return false, fmt.Sprintf("platform application unreachable: %v", err)
	}
	if out.Attributes["Enabled"] == "false" {
		return false, "platform application disabled"
	}
	return true, "platform application enabled"
}
