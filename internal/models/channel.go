package models

import (
	"encoding/json"
	"time"
)

// Channel is a configured delivery channel with its retry policy and daily cap.
type Channel struct {
	ID                int64           `json:"id"`
	Type              string          `json:"type"`
	Enabled           bool            `json:"enabled"`
	ProviderName      string          `json:"providerName"`
	Config            ChannelConfig   `json:"config"`
	RawConfig         json.RawMessage `json:"-"`
	MaxRetries        int             `json:"maxRetries"`
	RetryDelayMinutes int             `json:"retryDelayMinutes"`
	PriorityWeight    int             `json:"priorityWeight"`
	DailyLimit        int             `json:"dailyLimit"` // 0 means unlimited
	SentToday         int             `json:"sentToday"`
	LastResetDate     time.Time       `json:"lastResetDate"`
	// ConfigError is set when the stored config failed validation; such a channel never sends.
	ConfigError       string          `json:"configError,omitempty"`
}

// RetryDelay is the backoff before attempt number attempt (1-based).
func (c *Channel) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(c.RetryDelayMinutes*attempt) * time.Minute
}

// ChannelConfig is the typed form of the provider-specific JSON config column.
type ChannelConfig struct {
	FromAddress    string            `json:"fromAddress,omitempty"`
	FromName       string            `json:"fromName,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	SenderID       string            `json:"senderId,omitempty"`
	SMSType        string            `json:"smsType,omitempty"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Secret         string            `json:"secret,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
	ChannelPrefix  string            `json:"channelPrefix,omitempty"`
	PlatformAppARN string            `json:"platformApplicationArn,omitempty"`
}

type ChannelStats struct {
	ChannelType string `json:"channelType"`
	Enabled     bool   `json:"enabled"`
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Sent        int    `json:"sent"`
	Delivered   int    `json:"delivered"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	SentToday   int    `json:"sentToday"`
	DailyLimit  int    `json:"dailyLimit"`
}
