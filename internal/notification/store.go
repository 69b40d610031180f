// Package notification owns the notification, recipient and delivery rows and
// the creation protocol that fans a template out into them.
package notification

import (
	"context"
	"time"

	"workflow-notifications/internal/models"
)

// Store persists notifications with their recipient and delivery rows.
type Store interface {
	// Create writes the notification, its recipients and its deliveries atomically.
	Create(ctx context.Context, n *models.Notification, recipients []*models.Recipient, deliveries []*models.Delivery) error
	Deactivate(ctx context.Context, id string) error

	ListForUser(ctx context.Context, userID int64, f ListFilter) (*Page, error)
	UnreadCount(ctx context.Context, userID int64, now time.Time) (int, error)
	// MarkRead keeps the first read date on repeated calls.
	MarkRead(ctx context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error)
	MarkAllRead(ctx context.Context, userID int64, at time.Time) (int64, error)
	Dismiss(ctx context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error)
	MarkActioned(ctx context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error)

	DeliveryStore
}

// DeliveryStore is the slice of Store the delivery orchestrator works against.
type DeliveryStore interface {
	Get(ctx context.Context, id string) (*models.Notification, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, notificationID string) ([]*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	// DueForDispatch lists notifications with Pending deliveries that are eligible now and were
	// last touched before settledBefore, so freshly queued work is left to the pool.
	DueForDispatch(ctx context.Context, now, settledBefore time.Time, limit int) ([]string, error)
	// DueForRetry lists notifications with Failed deliveries whose next retry time has passed.
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]string, error)
	DeliveryCounts(ctx context.Context) (map[string]map[models.DeliveryStatus]int, error)
}

// ListFilter narrows a user's inbox. IDs, when non-nil, restricts the result to
// notifications a search index matched.
type ListFilter struct {
	Category         string
	Priority         string
	Read             *bool
	Search           string
	IDs              []string
	IncludeDismissed bool
	Now              time.Time
	Page             int
	PageSize         int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (f *ListFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
}

func (f *ListFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// InboxItem is one notification as seen by one recipient.
type InboxItem struct {
	Notification *models.Notification `json:"notification"`
	Recipient    *models.Recipient    `json:"recipient"`
}

type Page struct {
	Items    []*InboxItem `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}
