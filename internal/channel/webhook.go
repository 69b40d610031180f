package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apphttp "workflow-notifications/internal/common/http"
	"workflow-notifications/internal/models"
)

const signatureHeader = "X-Notification-Signature"

// WebhookProvider posts the notification payload to the channel URL, or to
// the recipient address when it is itself a URL.
type WebhookProvider struct {
	client *apphttp.Client
}

func NewWebhookProvider(client *apphttp.Client) *WebhookProvider {
	return &WebhookProvider{client: client}
}

func (p *WebhookProvider) ChannelType() string { return models.ChannelWebhook }
func (p *WebhookProvider) Name() string        { return "http" }

func targetURL(msg Message) string {
	if addr := msg.Delivery.RecipientAddress; strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return msg.Channel.Config.URL
}

func (p *WebhookProvider) Send(ctx context.Context, msg Message) (string, error) {
	url := targetURL(msg)
	if url == "" {
		return "", fmt.Errorf("no webhook url for user %d", msg.Delivery.UserID)
	}

	body, err := json.Marshal(newPayload(msg))
	if err != nil {
		return "", err
	}

	method := msg.Channel.Config.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range msg.Channel.Config.Headers {
		req.Header.Set(k, v)
	}
	if secret := msg.Channel.Config.Secret; secret != "" {
		req.Header.Set(signatureHeader, Sign(secret, body))
	}

	resp, err := p.client.DoWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned %s", resp.Status)
	}
	return fmt.Sprintf("http %d", resp.StatusCode), nil
}

// Sign returns the hex HMAC-SHA256 of body, sent so receivers can verify the sender.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (p *WebhookProvider) TestConnection(ctx context.Context, ch *models.Channel) (bool, string) {
	if ch == nil || ch.Config.URL == "" {
		return false, "no webhook url configured"
	}
	req, err := http.NewRequest(http.MethodHead, ch.Config.URL, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := p.client.DoWithContext(ctx, req)
	if err != nil {
		return false, fmt.Sprintf("webhook unreachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, fmt.Sprintf("webhook returned %s", resp.Status)
	}
	return true, fmt.Sprintf("webhook reachable (%d)", resp.StatusCode)
}
