package channel

import (
	"html"
	"strings"
	"time"
)

// payload is the JSON body shared by the in-app and webhook providers.
type payload struct {
	NotificationID   string    `json:"notificationId"`
	DeliveryID       string    `json:"deliveryId"`
	UserID           int64     `json:"userId"`
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	ShortMessage     string    `json:"shortMessage,omitempty"`
	Priority         string    `json:"priority"`
	Category         string    `json:"category,omitempty"`
	SourceEntityType string    `json:"sourceEntityType,omitempty"`
	SourceEntityID   int64     `json:"sourceEntityId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func newPayload(msg Message) payload {
	n, d := msg.Notification, msg.Delivery
	return payload{
		NotificationID:   n.ID,
		DeliveryID:       d.ID,
		UserID:           d.UserID,
		Title:            n.Title,
		Message:          n.Message,
		ShortMessage:     n.ShortMessage,
		Priority:         string(n.Priority),
		Category:         n.Category,
		SourceEntityType: n.SourceEntityType,
		SourceEntityID:   n.SourceEntityID,
		CreatedAt:        n.CreatedAt,
	}
}

// shortText prefers the short message and falls back to the title.
func shortText(msg Message) string {
	if s := strings.TrimSpace(msg.Notification.ShortMessage); s != "" {
		return s
	}
	return msg.Notification.Title
}

func htmlBody(text string) string {
	escaped := html.EscapeString(text)
	return "<html><body><p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p></body></html>"
}
