// internal/workers/notification/send-notification/models.go
package sendnotification

import "time"

type Input struct {
	TemplateCode     string            `json:"templateCode"`
	RecipientUserIDs []int64           `json:"recipientUserIds"`
	PlaceholderData  map[string]string `json:"placeholderData"`
	SourceEntityType string            `json:"sourceEntityType"`
	SourceEntityID   int64             `json:"sourceEntityId"`
	Priority         string            `json:"priority"`
	Channels         []string          `json:"channels"`
	ScheduledDate    *time.Time        `json:"scheduledDate"`
	ExpiryDate       *time.Time        `json:"expiryDate"`
}

type Output struct {
	NotificationID string `json:"notificationId"`
	Priority       string `json:"priority"`
	Scheduled      bool   `json:"scheduled"`
}
