// internal/models/notification.go
package models

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// ParsePriority is case-insensitive and falls back to Normal.
func ParsePriority(s string) Priority {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent} {
		if strings.EqualFold(string(p), s) {
			return p
		}
	}
	return PriorityNormal
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "Pending"
	DeliverySent      DeliveryStatus = "Sent"
	DeliveryDelivered DeliveryStatus = "Delivered"
	DeliveryFailed    DeliveryStatus = "Failed"
	DeliverySkipped   DeliveryStatus = "Skipped"
)

// IsFinalSuccess reports whether a delivery must never be re-attempted.
func (s DeliveryStatus) IsFinalSuccess() bool {
	return s == DeliverySent || s == DeliveryDelivered
}

const (
	ChannelEmail   = "Email"
	ChannelSMS     = "SMS"
	ChannelPush    = "Push"
	ChannelInApp   = "InApp"
	ChannelWebhook = "Webhook"
)

// CanonicalChannel maps any casing of a known channel type onto its canonical spelling.
func CanonicalChannel(s string) string {
	for _, c := range []string{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook} {
		if strings.EqualFold(c, s) {
			return c
		}
	}
	return strings.TrimSpace(s)
}

type NotificationTemplate struct {
	ID                   int64     `json:"id"`
	Code                 string    `json:"code"`
	Name                 string    `json:"name"`
	Category             string    `json:"category"`
	SubjectTemplate      string    `json:"subjectTemplate"`
	BodyTemplate         string    `json:"bodyTemplate"`
	ShortMessageTemplate string    `json:"shortMessageTemplate,omitempty"`
	Placeholders         []string  `json:"placeholders"`
	DefaultPriority      Priority  `json:"defaultPriority"`
	DefaultChannels      []string  `json:"defaultChannels"`
	IsActive             bool      `json:"isActive"`
	Version              int       `json:"version"`
	CreatedAt            time.Time `json:"createdAt"`
}

// SameContent reports whether two templates would render identically.
func (t *NotificationTemplate) SameContent(o *NotificationTemplate) bool {
	if t.SubjectTemplate != o.SubjectTemplate || t.BodyTemplate != o.BodyTemplate ||
		t.ShortMessageTemplate != o.ShortMessageTemplate || t.DefaultPriority != o.DefaultPriority ||
		t.Category != o.Category || t.Name != o.Name {
		return false
	}
	return equalStrings(t.Placeholders, o.Placeholders) && equalStrings(t.DefaultChannels, o.DefaultChannels)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type Notification struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	ShortMessage     string     `json:"shortMessage,omitempty"`
	Priority         Priority   `json:"priority"`
	Category         string     `json:"category"`
	SourceEntityType string     `json:"sourceEntityType"`
	SourceEntityID   int64      `json:"sourceEntityId"`
	TemplateCode     string     `json:"templateCode"`
	ScheduledDate    *time.Time `json:"scheduledDate,omitempty"`
	ExpiryDate       *time.Time `json:"expiryDate,omitempty"`
	IsActive         bool       `json:"isActive"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Deliverable is false once the notification was deactivated or has expired.
func (n *Notification) Deliverable(now time.Time) bool {
	if !n.IsActive {
		return false
	}
	return n.ExpiryDate == nil || now.Before(*n.ExpiryDate)
}

// Due is false while a scheduled notification waits for its send time.
func (n *Notification) Due(now time.Time) bool {
	return n.ScheduledDate == nil || !n.ScheduledDate.After(now)
}

type Recipient struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notificationId"`
	UserID         int64      `json:"userId"`
	IsRead         bool       `json:"isRead"`
	ReadDate       *time.Time `json:"readDate,omitempty"`
	IsDismissed    bool       `json:"isDismissed"`
	DismissedDate  *time.Time `json:"dismissedDate,omitempty"`
	IsActioned     bool       `json:"isActioned"`
	ActionedDate   *time.Time `json:"actionedDate,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type Delivery struct {
	ID               string         `json:"id"`
	NotificationID   string         `json:"notificationId"`
	UserID           int64          `json:"userId"`
	ChannelType      string         `json:"channelType"`
	RecipientAddress string         `json:"recipientAddress"`
	Status           DeliveryStatus `json:"status"`
	RetryCount       int            `json:"retryCount"`
	NextRetryAt      *time.Time     `json:"nextRetryAt,omitempty"`
	ProviderResponse string         `json:"providerResponse,omitempty"`
	ErrorCode        string         `json:"errorCode,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	SentAt           *time.Time     `json:"sentAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// CreateNotificationRequest is the creation contract used by triggers and job handlers.
type CreateNotificationRequest struct {
	TemplateCode     string            `json:"templateCode"`
	RecipientUserIDs []int64           `json:"recipientUserIds"`
	PlaceholderData  map[string]string `json:"placeholderData"`
	SourceEntityType string            `json:"sourceEntityType"`
	SourceEntityID   int64             `json:"sourceEntityId"`
	CustomPriority   *Priority         `json:"customPriority,omitempty"`
	CustomChannels   []string          `json:"customChannels,omitempty"`
	ScheduledDate    *time.Time        `json:"scheduledDate,omitempty"`
	ExpiryDate       *time.Time        `json:"expiryDate,omitempty"`
}

type DeliveryResult struct {
	NotificationID string   `json:"notificationId"`
	Total          int      `json:"total"`
	Succeeded      int      `json:"succeeded"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

type DeliveryStatusSummary struct {
	NotificationID string                            `json:"notificationId"`
	Total          int                               `json:"total"`
	ByStatus       map[DeliveryStatus]int            `json:"byStatus"`
	ByChannel      map[string]map[DeliveryStatus]int `json:"byChannel"`
}
