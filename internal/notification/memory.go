package notification

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*models.Notification
	recipients    map[string][]*models.Recipient
	deliveries    map[string]*models.Delivery
	order         []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*models.Notification),
		recipients:    make(map[string][]*models.Recipient),
		deliveries:    make(map[string]*models.Delivery),
	}
}

func (s *MemoryStore) Create(_ context.Context, n *models.Notification, recipients []*models.Recipient, deliveries []*models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	s.order = append(s.order, n.ID)
	for _, r := range recipients {
		rc := *r
		s.recipients[n.ID] = append(s.recipients[n.ID], &rc)
	}
	for _, d := range deliveries {
		dc := *d
		dc.UpdatedAt = dc.CreatedAt
		s.deliveries[d.ID] = &dc
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, apperrors.NewNotificationNotFoundError(id)
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return apperrors.NewNotificationNotFoundError(id)
	}
	n.IsActive = false
	return nil
}

// Recipients returns copies of the recipient rows for assertions.
func (s *MemoryStore) Recipients(notificationID string) []*models.Recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Recipient
	for _, r := range s.recipients[notificationID] {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryStore) visible(n *models.Notification, r *models.Recipient, f ListFilter) bool {
	if !n.IsActive || !n.Due(f.Now) || (n.ExpiryDate != nil && !n.ExpiryDate.After(f.Now)) {
		return false
	}
	if !f.IncludeDismissed && r.IsDismissed {
		return false
	}
	if f.Category != "" && n.Category != f.Category {
		return false
	}
	if f.Priority != "" && n.Priority != models.ParsePriority(f.Priority) {
		return false
	}
	if f.Read != nil && r.IsRead != *f.Read {
		return false
	}
	if f.IDs != nil {
		for _, id := range f.IDs {
			if id == n.ID {
				return true
			}
		}
		return false
	}
	if term := strings.ToLower(strings.TrimSpace(f.Search)); term != "" {
		return strings.Contains(strings.ToLower(n.Title), term) || strings.Contains(strings.ToLower(n.Message), term)
	}
	return true
}

func (s *MemoryStore) inbox(userID int64, f ListFilter) []*InboxItem {
	var items []*InboxItem
	for i := len(s.order) - 1; i >= 0; i-- {
		n := s.notifications[s.order[i]]
		for _, r := range s.recipients[n.ID] {
			if r.UserID == userID && s.visible(n, r, f) {
				nc, rc := *n, *r
				items = append(items, &InboxItem{Notification: &nc, Recipient: &rc})
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Notification.CreatedAt.After(items[j].Notification.CreatedAt)
	})
	return items
}

func (s *MemoryStore) ListForUser(_ context.Context, userID int64, f ListFilter) (*Page, error) {
	f.normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.inbox(userID, f)
	page := &Page{Page: f.Page, PageSize: f.PageSize, Total: len(all), Items: []*InboxItem{}}
	if start := f.offset(); start < len(all) {
		end := start + f.PageSize
		if end > len(all) {
			end = len(all)
		}
		page.Items = all[start:end]
	}
	return page, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID int64, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unread := false
	return len(s.inbox(userID, ListFilter{Now: now, Read: &unread})), nil
}

func (s *MemoryStore) updateRecipient(notificationID string, userID int64, fn func(r *models.Recipient)) (*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients[notificationID] {
		if r.UserID == userID {
			fn(r)
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotificationNotFoundError(notificationID)
}

func stamp(flag *bool, date **time.Time, at time.Time) {
	*flag = true
	if *date == nil {
		t := at
		*date = &t
	}
}

func (s *MemoryStore) MarkRead(_ context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	return s.updateRecipient(notificationID, userID, func(r *models.Recipient) { stamp(&r.IsRead, &r.ReadDate, at) })
}

func (s *MemoryStore) Dismiss(_ context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	return s.updateRecipient(notificationID, userID, func(r *models.Recipient) { stamp(&r.IsDismissed, &r.DismissedDate, at) })
}

func (s *MemoryStore) MarkActioned(_ context.Context, notificationID string, userID int64, at time.Time) (*models.Recipient, error) {
	return s.updateRecipient(notificationID, userID, func(r *models.Recipient) {
		stamp(&r.IsActioned, &r.ActionedDate, at)
		stamp(&r.IsRead, &r.ReadDate, at)
	})
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rs := range s.recipients {
		for _, r := range rs {
			if r.UserID == userID && !r.IsRead {
				stamp(&r.IsRead, &r.ReadDate, at)
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, apperrors.NewDeliveryNotFoundError(id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, notificationID string) ([]*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Delivery
	for _, d := range s.deliveries {
		if d.NotificationID == notificationID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelType != out[j].ChannelType {
			return out[i].ChannelType < out[j].ChannelType
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return apperrors.NewDeliveryNotFoundError(d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) collectIDs(limit int, keep func(d *models.Delivery) bool) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range s.order {
		for _, d := range s.deliveries {
			if d.NotificationID == id && !seen[id] && keep(d) {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}

func (s *MemoryStore) DueForDispatch(_ context.Context, now, settledBefore time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectIDs(limit, func(d *models.Delivery) bool {
		n := s.notifications[d.NotificationID]
		return d.Status == models.DeliveryPending &&
			(d.NextRetryAt == nil || !d.NextRetryAt.After(now)) &&
			n != nil && n.Due(now) &&
			d.UpdatedAt.Before(settledBefore)
	}), nil
}

func (s *MemoryStore) DueForRetry(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectIDs(limit, func(d *models.Delivery) bool {
		return d.Status == models.DeliveryFailed && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	}), nil
}

func (s *MemoryStore) DeliveryCounts(context.Context) (map[string]map[models.DeliveryStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[models.DeliveryStatus]int)
	for _, d := range s.deliveries {
		if out[d.ChannelType] == nil {
			out[d.ChannelType] = make(map[models.DeliveryStatus]int)
		}
		out[d.ChannelType][d.Status]++
	}
	return out, nil
}
